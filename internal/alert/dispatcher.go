// Package alert formats threshold notices and delivers them to subscribers.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/dexwatch/internal/logger"
	"github.com/rewired-gh/dexwatch/internal/models"
)

// ErrDispatchFailed wraps every delivery failure.
var ErrDispatchFailed = errors.New("alert dispatch failed")

// Notice is everything needed to tell one subscriber about one fired threshold.
type Notice struct {
	SubscriberID    int64
	Address         string
	Symbol          string
	ChainID         string
	Snapshot        models.Snapshot
	Baseline        models.Baseline
	Reason          models.Param
	Reasons         []string
	Deltas          models.Deltas
	Label           models.PumpDumpLabel
	PreviousAlertAt time.Time
	DetectedAt      time.Time
}

// Sink delivers text with optional response actions to a subscriber.
type Sink interface {
	Send(ctx context.Context, subscriberID int64, text string, actions []models.Action) error
}

// AlertRecorder stores the dispatch time on the subscription.
type AlertRecorder interface {
	RecordAlert(addr string, subscriberID int64, at time.Time) error
}

// AlertLog keeps a history of dispatched alerts.
type AlertLog interface {
	AddAlert(rec *models.AlertRecord) error
}

// Dispatcher formats notices and hands them to a Sink.
type Dispatcher struct {
	sink     Sink
	recorder AlertRecorder
	log      AlertLog
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAlertLog appends every delivered alert to log.
func WithAlertLog(log AlertLog) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher. recorder may be nil.
func NewDispatcher(sink Sink, recorder AlertRecorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:     sink,
		recorder: recorder,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Actions returns the response affordances attached to a notice.
func Actions(n Notice) []models.Action {
	actions := make([]models.Action, 0, 3)
	if n.Reason != "" {
		actions = append(actions, models.Action{Kind: models.ActionDisableParam, Param: n.Reason, Address: n.Address})
	}
	return append(actions,
		models.Action{Kind: models.ActionDisableAll, Address: n.Address},
		models.Action{Kind: models.ActionUnsubscribe, Address: n.Address},
	)
}

// Dispatch sends the notice. Bookkeeping failures after a successful send
// are logged and do not fail the dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notice) error {
	text := FormatMessage(n)
	if err := d.sink.Send(ctx, n.SubscriberID, text, Actions(n)); err != nil {
		return fmt.Errorf("%w: subscriber %d, %s: %w", ErrDispatchFailed, n.SubscriberID, n.Address, err)
	}

	sentAt := d.now()
	if d.recorder != nil {
		if err := d.recorder.RecordAlert(n.Address, n.SubscriberID, sentAt); err != nil {
			logger.Debug("Alert for %s sent to %d but not recorded: %v", n.Address, n.SubscriberID, err)
		}
	}
	if d.log != nil {
		rec := &models.AlertRecord{
			Address:      n.Address,
			SubscriberID: n.SubscriberID,
			Symbol:       n.Symbol,
			Reason:       n.Reason,
			PriceDelta:   n.Deltas.Price,
			MCapDelta:    n.Deltas.MarketCap,
			VolumeDelta:  n.Deltas.Volume,
			Label:        n.Label,
			PriceUSD:     n.Snapshot.PriceUSD,
			SentAt:       sentAt,
		}
		if err := d.log.AddAlert(rec); err != nil {
			logger.Warn("Failed to log alert for %s: %v", n.Address, err)
		}
	}

	logger.Info("Alert sent to %d: %s %s", n.SubscriberID, n.Address, n.Reason)
	return nil
}

// LogSink writes notices to the log instead of a chat. Used when Telegram is disabled.
type LogSink struct{}

// Send logs the message.
func (LogSink) Send(_ context.Context, subscriberID int64, text string, _ []models.Action) error {
	logger.Info("Notification for %d:\n%s", subscriberID, text)
	return nil
}
