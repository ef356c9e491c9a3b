package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rewired-gh/dexwatch/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(100, ":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSnapshot(at time.Time) models.StoreSnapshot {
	return models.StoreSnapshot{
		TakenAt: at,
		Instruments: []models.InstrumentRecord{
			{
				Address: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				Symbol:  "AAA",
				ChainID: "ethereum",
				Subscriptions: []models.SubscriptionRecord{
					{
						SubscriberID: 1,
						Thresholds:   models.Thresholds{Price: 5},
						Baseline:     &models.Baseline{Price: 1.5, Volume5m: 100, MarketCap: 2000, At: at},
						LastAlertAt:  at.Add(-time.Hour),
					},
					{SubscriberID: 2},
				},
			},
			{
				Address: "So11111111111111111111111111111111111111112",
				Subscriptions: []models.SubscriptionRecord{
					{SubscriberID: 1, Thresholds: models.Thresholds{MarketCap: 10, Volume: 50}},
				},
			},
		},
	}
}

func TestStorage_SnapshotRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	at := time.Unix(1_700_000_000, 123)
	want := testSnapshot(at)

	if err := s.SaveSnapshot(want); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	if len(got.Instruments) != 2 {
		t.Fatalf("got %d instruments, want 2", len(got.Instruments))
	}
	a := got.Instruments[0]
	if a.Address != want.Instruments[0].Address || a.Symbol != "AAA" || a.ChainID != "ethereum" {
		t.Errorf("unexpected instrument %+v", a)
	}
	if len(a.Subscriptions) != 2 {
		t.Fatalf("got %d subscriptions, want 2", len(a.Subscriptions))
	}

	sub := a.Subscriptions[0]
	if sub.Thresholds.Price != 5 {
		t.Errorf("price threshold = %v, want 5", sub.Thresholds.Price)
	}
	if sub.Baseline == nil || sub.Baseline.Price != 1.5 || !sub.Baseline.At.Equal(at) {
		t.Errorf("baseline not restored: %+v", sub.Baseline)
	}
	if !sub.LastAlertAt.Equal(at.Add(-time.Hour)) {
		t.Errorf("last alert = %v, want %v", sub.LastAlertAt, at.Add(-time.Hour))
	}

	unarmed := a.Subscriptions[1]
	if unarmed.Baseline != nil {
		t.Errorf("expected nil baseline, got %+v", unarmed.Baseline)
	}
	if !unarmed.LastAlertAt.IsZero() {
		t.Errorf("expected zero last alert, got %v", unarmed.LastAlertAt)
	}

	sol := got.Instruments[1].Subscriptions[0]
	if sol.Thresholds.MarketCap != 10 || sol.Thresholds.Volume != 50 {
		t.Errorf("unexpected thresholds %+v", sol.Thresholds)
	}
}

func TestStorage_SaveSnapshotReplaces(t *testing.T) {
	s := newTestStorage(t)
	at := time.Now()
	if err := s.SaveSnapshot(testSnapshot(at)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	smaller := testSnapshot(at)
	smaller.Instruments = smaller.Instruments[1:]
	if err := s.SaveSnapshot(smaller); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(got.Instruments) != 1 {
		t.Fatalf("got %d instruments, want 1", len(got.Instruments))
	}
	var subs int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM subscriptions`).Scan(&subs); err != nil {
		t.Fatalf("count: %v", err)
	}
	if subs != 1 {
		t.Errorf("stale subscriptions left behind: %d", subs)
	}
}

func TestStorage_LoadEmpty(t *testing.T) {
	s := newTestStorage(t)
	got, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(got.Instruments) != 0 {
		t.Errorf("expected empty snapshot, got %d instruments", len(got.Instruments))
	}
}

func TestStorage_AddAlertAndRecent(t *testing.T) {
	s := newTestStorage(t)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 5; i++ {
		rec := &models.AlertRecord{
			Address:      "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			SubscriberID: 1,
			Symbol:       "AAA",
			Reason:       models.ParamPrice,
			PriceDelta:   models.Delta{Percent: float64(i), Valid: true},
			Label:        models.LabelNone,
			PriceUSD:     1,
			SentAt:       base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AddAlert(rec); err != nil {
			t.Fatalf("AddAlert: %v", err)
		}
		if rec.ID == "" {
			t.Fatal("AddAlert did not assign an ID")
		}
	}
	if err := s.AddAlert(&models.AlertRecord{SubscriberID: 2, Reason: models.ParamVolume, Label: models.LabelDump, SentAt: base}); err != nil {
		t.Fatalf("AddAlert: %v", err)
	}

	got, err := s.RecentAlerts(1, 3)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d alerts, want 3", len(got))
	}
	if got[0].PriceDelta.Percent != 4 || !got[0].SentAt.Equal(base.Add(4*time.Minute)) {
		t.Errorf("newest alert first, got %+v", got[0])
	}
	if got[0].MCapDelta.Valid {
		t.Error("absent delta should come back invalid")
	}

	other, err := s.RecentAlerts(2, 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(other) != 1 || other[0].Label != models.LabelDump {
		t.Errorf("unexpected alerts for subscriber 2: %+v", other)
	}
}

func TestStorage_AlertCap(t *testing.T) {
	s := newTestStorage(t)
	s.maxAlerts = 3
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 6; i++ {
		rec := &models.AlertRecord{
			ID:           fmt.Sprintf("alert-%d", i),
			SubscriberID: 1,
			Reason:       models.ParamPrice,
			Label:        models.LabelNone,
			SentAt:       base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AddAlert(rec); err != nil {
			t.Fatalf("AddAlert: %v", err)
		}
	}

	got, err := s.RecentAlerts(1, 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d alerts, want 3 after rotation", len(got))
	}
	if got[2].ID != "alert-3" {
		t.Errorf("oldest surviving alert = %s, want alert-3", got[2].ID)
	}
}

func TestStorage_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dexwatch.db")
	s, err := New(10, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SaveSnapshot(testSnapshot(time.Now())); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(10, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(got.Instruments) != 2 {
		t.Errorf("got %d instruments after reopen, want 2", len(got.Instruments))
	}
}
