package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/dexwatch/internal/models"
)

const testAddr = "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"

type sentMessage struct {
	subscriberID int64
	text         string
	actions      []models.Action
}

type fakeSink struct {
	sent []sentMessage
	err  error
}

func (f *fakeSink) Send(_ context.Context, subscriberID int64, text string, actions []models.Action) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{subscriberID, text, actions})
	return nil
}

type fakeRecorder struct {
	calls map[int64]time.Time
}

func (f *fakeRecorder) RecordAlert(_ string, subscriberID int64, at time.Time) error {
	if f.calls == nil {
		f.calls = make(map[int64]time.Time)
	}
	f.calls[subscriberID] = at
	return nil
}

type fakeLog struct {
	records []*models.AlertRecord
}

func (f *fakeLog) AddAlert(rec *models.AlertRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func testNotice() Notice {
	detected := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return Notice{
		SubscriberID: 7,
		Address:      testAddr,
		Symbol:       "PEPE",
		ChainID:      "ethereum",
		Snapshot: models.Snapshot{
			Address:      testAddr,
			PriceUSD:     1.2,
			MarketCapUSD: 1_500_000,
			Volume5mUSD:  12_000,
			SourceURL:    "https://dexscreener.com/ethereum/0xpair",
		},
		Baseline: models.Baseline{Price: 1, MarketCap: 1_250_000, Volume5m: 10_000},
		Reason:   models.ParamPrice,
		Reasons:  []string{"price"},
		Deltas: models.Deltas{
			Price:     models.Delta{Percent: 20, Valid: true},
			MarketCap: models.Delta{Percent: 20, Valid: true},
		},
		Label:      models.LabelPump,
		DetectedAt: detected,
	}
}

func TestDispatch_SendsAndRecords(t *testing.T) {
	sink := &fakeSink{}
	rec := &fakeRecorder{}
	log := &fakeLog{}
	sentAt := time.Date(2025, 3, 1, 12, 0, 1, 0, time.UTC)
	d := NewDispatcher(sink, rec, WithAlertLog(log), WithClock(func() time.Time { return sentAt }))

	require.NoError(t, d.Dispatch(context.Background(), testNotice()))

	require.Len(t, sink.sent, 1)
	msg := sink.sent[0]
	assert.Equal(t, int64(7), msg.subscriberID)
	assert.Contains(t, msg.text, "PEPE")
	assert.Contains(t, msg.text, "▶ Price: +20.0%")
	assert.Contains(t, msg.text, "Possible pump")
	assert.Contains(t, msg.text, "First alert")
	assert.Equal(t, []models.Action{
		{Kind: models.ActionDisableParam, Param: models.ParamPrice, Address: testAddr},
		{Kind: models.ActionDisableAll, Address: testAddr},
		{Kind: models.ActionUnsubscribe, Address: testAddr},
	}, msg.actions)

	assert.Equal(t, sentAt, rec.calls[7])
	require.Len(t, log.records, 1)
	assert.Equal(t, models.ParamPrice, log.records[0].Reason)
	assert.Equal(t, models.LabelPump, log.records[0].Label)
	assert.Equal(t, sentAt, log.records[0].SentAt)
}

func TestDispatch_FailureIsWrapped(t *testing.T) {
	cause := errors.New("chat not found")
	sink := &fakeSink{err: cause}
	rec := &fakeRecorder{}
	d := NewDispatcher(sink, rec)

	err := d.Dispatch(context.Background(), testNotice())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.ErrorIs(t, err, cause)
	assert.Empty(t, rec.calls, "failed delivery is not recorded")
}

func TestFormatMessage_Sections(t *testing.T) {
	n := testNotice()
	n.Label = models.LabelNone
	n.PreviousAlertAt = n.DetectedAt.Add(-90 * time.Second)

	text := FormatMessage(n)
	assert.Contains(t, text, "Price alert: PEPE (0xabcd…abcd) on ethereum")
	assert.Contains(t, text, "Price: $1.2 (was $1)")
	assert.Contains(t, text, "Market cap: $1,500,000 (was $1,250,000)")
	assert.Contains(t, text, "  Market cap: +20.0%")
	assert.NotContains(t, text, "Volume 5m:", "invalid deltas are omitted")
	assert.NotContains(t, text, "Possible")
	assert.Contains(t, text, "Previous alert 1m30s ago")
	assert.Contains(t, text, "https://dexscreener.com/ethereum/0xpair")
}

func TestFormatHelpers(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"large price", FormatPrice(1234.5678), "$1,234.5678"},
		{"sub-cent price", FormatPrice(0.0000123412), "$0.00001234"},
		{"half dollar", FormatPrice(0.5), "$0.5"},
		{"zero price", FormatPrice(0), "$0"},
		{"usd", FormatUSD(1234567.4), "$1,234,567"},
		{"negative delta", FormatDelta(models.Delta{Percent: -12.34, Valid: true}), "-12.3%"},
		{"invalid delta", FormatDelta(models.Delta{}), "n/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestSinceLast(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "First alert for this subscription", SinceLast(time.Time{}, now))
	assert.Equal(t, "Previous alert 2h ago", SinceLast(now.Add(-2*time.Hour), now))
}
