// Package storage provides SQLite-backed persistence for subscriptions and the alert log.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/dexwatch/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db        *sql.DB
	maxAlerts int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/dexwatch/data.db.
func New(maxAlerts int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "dexwatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxAlerts: maxAlerts}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instruments (
			address    TEXT PRIMARY KEY,
			symbol     TEXT NOT NULL DEFAULT '',
			chain_id   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			address            TEXT NOT NULL REFERENCES instruments(address) ON DELETE CASCADE,
			subscriber_id      INTEGER NOT NULL,
			price_threshold    REAL NOT NULL DEFAULT 0,
			mcap_threshold     REAL NOT NULL DEFAULT 0,
			volume_threshold   REAL NOT NULL DEFAULT 0,
			baseline_price     REAL,
			baseline_volume_5m REAL,
			baseline_mcap      REAL,
			baseline_at        INTEGER,
			last_alert_at      INTEGER,
			PRIMARY KEY (address, subscriber_id)
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id            TEXT PRIMARY KEY,
			address       TEXT NOT NULL,
			subscriber_id INTEGER NOT NULL,
			symbol        TEXT NOT NULL DEFAULT '',
			reason        TEXT NOT NULL,
			price_delta   REAL,
			mcap_delta    REAL,
			volume_delta  REAL,
			label         TEXT NOT NULL,
			price_usd     REAL NOT NULL,
			sent_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_sent_at ON alerts(sent_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_subscriber ON alerts(subscriber_id, sent_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot replaces all persisted subscriptions with snap in one transaction.
func (s *Storage) SaveSnapshot(snap models.StoreSnapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM instruments`); err != nil {
		return fmt.Errorf("failed to clear instruments: %w", err)
	}

	for _, inst := range snap.Instruments {
		if _, err := tx.Exec(`INSERT INTO instruments (address, symbol, chain_id) VALUES (?,?,?)`,
			inst.Address, inst.Symbol, inst.ChainID); err != nil {
			return fmt.Errorf("failed to insert instrument %s: %w", inst.Address, err)
		}
		for _, sub := range inst.Subscriptions {
			var bPrice, bVol, bMcap sql.NullFloat64
			var bAt, lastAlert sql.NullInt64
			if b := sub.Baseline; b != nil {
				bPrice = sql.NullFloat64{Float64: b.Price, Valid: true}
				bVol = sql.NullFloat64{Float64: b.Volume5m, Valid: true}
				bMcap = sql.NullFloat64{Float64: b.MarketCap, Valid: true}
				bAt = sql.NullInt64{Int64: b.At.UnixNano(), Valid: true}
			}
			if !sub.LastAlertAt.IsZero() {
				lastAlert = sql.NullInt64{Int64: sub.LastAlertAt.UnixNano(), Valid: true}
			}
			_, err := tx.Exec(`
				INSERT INTO subscriptions
					(address, subscriber_id, price_threshold, mcap_threshold, volume_threshold,
					 baseline_price, baseline_volume_5m, baseline_mcap, baseline_at, last_alert_at)
				VALUES (?,?,?,?,?,?,?,?,?,?)`,
				inst.Address, sub.SubscriberID,
				sub.Thresholds.Price, sub.Thresholds.MarketCap, sub.Thresholds.Volume,
				bPrice, bVol, bMcap, bAt, lastAlert,
			)
			if err != nil {
				return fmt.Errorf("failed to insert subscription %s/%d: %w", inst.Address, sub.SubscriberID, err)
			}
		}
	}

	return tx.Commit()
}

// LoadSnapshot reads every persisted subscription. Instruments come back
// ordered by address, subscriptions by subscriber.
func (s *Storage) LoadSnapshot() (models.StoreSnapshot, error) {
	snap := models.StoreSnapshot{TakenAt: time.Now()}

	rows, err := s.db.Query(`
		SELECT i.address, i.symbol, i.chain_id,
		       sub.subscriber_id, sub.price_threshold, sub.mcap_threshold, sub.volume_threshold,
		       sub.baseline_price, sub.baseline_volume_5m, sub.baseline_mcap, sub.baseline_at,
		       sub.last_alert_at
		FROM instruments i
		JOIN subscriptions sub ON sub.address = i.address
		ORDER BY i.address, sub.subscriber_id`)
	if err != nil {
		return snap, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	index := make(map[string]int)
	for rows.Next() {
		var inst models.InstrumentRecord
		var sub models.SubscriptionRecord
		var bPrice, bVol, bMcap sql.NullFloat64
		var bAt, lastAlert sql.NullInt64

		err := rows.Scan(
			&inst.Address, &inst.Symbol, &inst.ChainID,
			&sub.SubscriberID, &sub.Thresholds.Price, &sub.Thresholds.MarketCap, &sub.Thresholds.Volume,
			&bPrice, &bVol, &bMcap, &bAt, &lastAlert,
		)
		if err != nil {
			return snap, fmt.Errorf("failed to scan subscription: %w", err)
		}
		if bAt.Valid {
			sub.Baseline = &models.Baseline{
				Price:     bPrice.Float64,
				Volume5m:  bVol.Float64,
				MarketCap: bMcap.Float64,
				At:        time.Unix(0, bAt.Int64),
			}
		}
		if lastAlert.Valid {
			sub.LastAlertAt = time.Unix(0, lastAlert.Int64)
		}

		i, ok := index[inst.Address]
		if !ok {
			i = len(snap.Instruments)
			index[inst.Address] = i
			snap.Instruments = append(snap.Instruments, inst)
		}
		snap.Instruments[i].Subscriptions = append(snap.Instruments[i].Subscriptions, sub)
	}
	return snap, rows.Err()
}

// AddAlert appends to the alert log, assigning an ID when missing, and keeps
// at most maxAlerts newest rows.
func (s *Storage) AddAlert(alert *models.AlertRecord) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO alerts
			(id, address, subscriber_id, symbol, reason, price_delta, mcap_delta, volume_delta,
			 label, price_usd, sent_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		alert.ID, alert.Address, alert.SubscriberID, alert.Symbol, string(alert.Reason),
		nullDelta(alert.PriceDelta), nullDelta(alert.MCapDelta), nullDelta(alert.VolumeDelta),
		string(alert.Label), alert.PriceUSD, alert.SentAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	if s.maxAlerts > 0 {
		if _, err = tx.Exec(`
			DELETE FROM alerts WHERE id NOT IN (
				SELECT id FROM alerts ORDER BY sent_at DESC LIMIT ?
			)`, s.maxAlerts); err != nil {
			return fmt.Errorf("failed to enforce alert cap: %w", err)
		}
	}

	return tx.Commit()
}

// RecentAlerts returns the newest alerts sent to a subscriber, newest first.
func (s *Storage) RecentAlerts(subscriberID int64, limit int) ([]models.AlertRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, address, subscriber_id, symbol, reason, price_delta, mcap_delta, volume_delta,
		       label, price_usd, sent_at
		FROM alerts WHERE subscriber_id = ?
		ORDER BY sent_at DESC LIMIT ?`, subscriberID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.AlertRecord
	for rows.Next() {
		var a models.AlertRecord
		var reason, label string
		var priceDelta, mcapDelta, volumeDelta sql.NullFloat64
		var sentAtNano int64

		err := rows.Scan(
			&a.ID, &a.Address, &a.SubscriberID, &a.Symbol, &reason,
			&priceDelta, &mcapDelta, &volumeDelta,
			&label, &a.PriceUSD, &sentAtNano,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		a.Reason = models.Param(reason)
		a.Label = models.PumpDumpLabel(label)
		a.PriceDelta = deltaFrom(priceDelta)
		a.MCapDelta = deltaFrom(mcapDelta)
		a.VolumeDelta = deltaFrom(volumeDelta)
		a.SentAt = time.Unix(0, sentAtNano)
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

func nullDelta(d models.Delta) sql.NullFloat64 {
	return sql.NullFloat64{Float64: d.Percent, Valid: d.Valid}
}

func deltaFrom(n sql.NullFloat64) models.Delta {
	return models.Delta{Percent: n.Float64, Valid: n.Valid}
}
