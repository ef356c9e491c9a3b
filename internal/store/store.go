// Package store owns the instrument → subscriber → subscription table.
// Every read and write goes through a single lock.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/rewired-gh/dexwatch/internal/logger"
	"github.com/rewired-gh/dexwatch/internal/models"
)

var (
	ErrInstrumentNotFound   = errors.New("instrument not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Store is the single source of truth for subscriptions.
type Store struct {
	mu              sync.RWMutex
	instruments     map[string]*models.Instrument
	historyCapacity int
	generation      uint64
}

// New creates an empty store. historyCapacity bounds each subscription's volume history.
func New(historyCapacity int) *Store {
	if historyCapacity <= 0 {
		historyCapacity = models.DefaultHistoryCapacity
	}
	return &Store{
		instruments:     make(map[string]*models.Instrument),
		historyCapacity: historyCapacity,
	}
}

// EnsureSubscription returns the existing subscription or creates an unarmed one.
func (s *Store) EnsureSubscription(addr string, subscriberID int64) models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[addr]
	if !ok {
		inst = s.newInstrumentLocked(addr)
		logger.Debug("Instrument %s created (generation %d)", addr, inst.Generation)
	}
	sub, ok := inst.Subscriptions[subscriberID]
	if !ok {
		sub = models.NewSubscription(subscriberID, s.historyCapacity)
		inst.Subscriptions[subscriberID] = sub
		logger.Info("Subscriber %d now watches %s", subscriberID, addr)
	}
	return sub.Clone()
}

func (s *Store) newInstrumentLocked(addr string) *models.Instrument {
	s.generation++
	inst := models.NewInstrument(addr, s.generation)
	s.instruments[addr] = inst
	return inst
}

// Ref returns the current lifecycle reference of an instrument.
func (s *Store) Ref(addr string) (models.InstrumentRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[addr]
	if !ok {
		return models.InstrumentRef{}, false
	}
	return inst.Ref(), true
}

// Subscribed reports whether subscriberID still has a subscription on the
// instrument lifecycle ref points at.
func (s *Store) Subscribed(ref models.InstrumentRef, subscriberID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[ref.Address]
	if !ok || (ref.Generation != 0 && inst.Generation != ref.Generation) {
		return false
	}
	_, ok = inst.Subscriptions[subscriberID]
	return ok
}

// RemoveSubscriber deletes the subscription and, when it was the last one,
// the instrument. It reports whether the instrument was deleted.
func (s *Store) RemoveSubscriber(addr string, subscriberID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[addr]
	if !ok {
		return false
	}
	delete(inst.Subscriptions, subscriberID)
	if len(inst.Subscriptions) > 0 {
		return false
	}
	delete(s.instruments, addr)
	logger.Info("Instrument %s removed (no subscribers left)", addr)
	return true
}

// Instruments returns a point-in-time copy of addresses with at least one subscriber.
func (s *Store) Instruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs := lo.Keys(lo.PickBy(s.instruments, func(_ string, inst *models.Instrument) bool {
		return len(inst.Subscriptions) > 0
	}))
	sort.Strings(addrs)
	return addrs
}

// ForEachInstrumentWithSubscribers calls fn for every address in a key snapshot.
// fn runs without the lock held and may call back into the store.
func (s *Store) ForEachInstrumentWithSubscribers(fn func(addr string)) {
	for _, addr := range s.Instruments() {
		fn(addr)
	}
}

// Len returns the number of tracked instruments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instruments)
}

// Update runs fn on the instrument under the store lock. fn must not block
// on I/O. It returns false when the instrument no longer exists.
func (s *Store) Update(addr string, fn func(inst *models.Instrument)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[addr]
	if !ok {
		return false
	}
	fn(inst)
	return true
}

// Subscription returns a copy of one subscription.
func (s *Store) Subscription(addr string, subscriberID int64) (models.Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[addr]
	if !ok {
		return models.Subscription{}, false
	}
	sub, ok := inst.Subscriptions[subscriberID]
	if !ok {
		return models.Subscription{}, false
	}
	return sub.Clone(), true
}

// SubscriptionsOf lists every instrument a subscriber watches, ordered by address.
func (s *Store) SubscriptionsOf(subscriberID int64) []models.SubscriptionView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var views []models.SubscriptionView
	for addr, inst := range s.instruments {
		sub, ok := inst.Subscriptions[subscriberID]
		if !ok {
			continue
		}
		views = append(views, models.SubscriptionView{
			Address:     addr,
			Symbol:      inst.Symbol,
			ChainID:     inst.ChainID,
			Thresholds:  sub.Thresholds,
			HasBaseline: sub.Baseline != nil,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Address < views[j].Address })
	return views
}

func (s *Store) mutateSubscription(addr string, subscriberID int64, fn func(*models.Subscription)) error {
	return s.mutateSubscriptionAt(models.InstrumentRef{Address: addr}, subscriberID, fn)
}

// mutateSubscriptionAt checks the generation when ref carries one.
func (s *Store) mutateSubscriptionAt(ref models.InstrumentRef, subscriberID int64, fn func(*models.Subscription)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := ref.Address
	inst, ok := s.instruments[addr]
	if !ok || (ref.Generation != 0 && inst.Generation != ref.Generation) {
		return fmt.Errorf("%w: %s", ErrInstrumentNotFound, addr)
	}
	sub, ok := inst.Subscriptions[subscriberID]
	if !ok {
		return fmt.Errorf("%w: %s/%d", ErrSubscriptionNotFound, addr, subscriberID)
	}
	fn(sub)
	return nil
}

// SetThreshold arms one threshold of an existing subscription.
func (s *Store) SetThreshold(addr string, subscriberID int64, param models.Param, value float64) error {
	if value <= 0 {
		return fmt.Errorf("threshold must be positive, got %v", value)
	}
	return s.mutateSubscription(addr, subscriberID, func(sub *models.Subscription) {
		sub.Thresholds.Set(param, value)
	})
}

// SetThresholdAt is SetThreshold restricted to one instrument lifecycle.
func (s *Store) SetThresholdAt(ref models.InstrumentRef, subscriberID int64, param models.Param, value float64) error {
	if value <= 0 {
		return fmt.Errorf("threshold must be positive, got %v", value)
	}
	return s.mutateSubscriptionAt(ref, subscriberID, func(sub *models.Subscription) {
		sub.Thresholds.Set(param, value)
	})
}

// ClearThreshold disarms one threshold. The subscription stays addressable.
func (s *Store) ClearThreshold(addr string, subscriberID int64, param models.Param) error {
	return s.mutateSubscription(addr, subscriberID, func(sub *models.Subscription) {
		sub.Thresholds.Set(param, 0)
	})
}

// ClearThresholds disarms every threshold, leaving the subscription inert.
func (s *Store) ClearThresholds(addr string, subscriberID int64) error {
	return s.mutateSubscription(addr, subscriberID, func(sub *models.Subscription) {
		sub.Thresholds = models.Thresholds{}
	})
}

// RecordAlert stores the dispatch time of the latest alert.
func (s *Store) RecordAlert(addr string, subscriberID int64, at time.Time) error {
	return s.mutateSubscription(addr, subscriberID, func(sub *models.Subscription) {
		sub.LastAlertAt = at
	})
}

// Export returns a serializable copy of the table.
func (s *Store) Export() models.StoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := models.StoreSnapshot{TakenAt: time.Now()}
	for _, addr := range lo.Keys(s.instruments) {
		inst := s.instruments[addr]
		rec := models.InstrumentRecord{
			Address: inst.Address,
			Symbol:  inst.Symbol,
			ChainID: inst.ChainID,
		}
		for _, sub := range inst.Subscriptions {
			c := sub.Clone()
			rec.Subscriptions = append(rec.Subscriptions, models.SubscriptionRecord{
				SubscriberID: c.SubscriberID,
				Thresholds:   c.Thresholds,
				Baseline:     c.Baseline,
				LastAlertAt:  c.LastAlertAt,
			})
		}
		sort.Slice(rec.Subscriptions, func(i, j int) bool {
			return rec.Subscriptions[i].SubscriberID < rec.Subscriptions[j].SubscriberID
		})
		snap.Instruments = append(snap.Instruments, rec)
	}
	sort.Slice(snap.Instruments, func(i, j int) bool {
		return snap.Instruments[i].Address < snap.Instruments[j].Address
	})
	return snap
}

// Import replaces the table with the given snapshot. Instruments without
// subscriptions are skipped.
func (s *Store) Import(snap models.StoreSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instruments = make(map[string]*models.Instrument, len(snap.Instruments))
	for _, rec := range snap.Instruments {
		if len(rec.Subscriptions) == 0 {
			continue
		}
		inst := s.newInstrumentLocked(rec.Address)
		inst.Symbol = rec.Symbol
		inst.ChainID = rec.ChainID
		for _, sr := range rec.Subscriptions {
			sub := models.NewSubscription(sr.SubscriberID, s.historyCapacity)
			sub.Thresholds = sr.Thresholds
			if sr.Baseline != nil {
				b := *sr.Baseline
				sub.Baseline = &b
			}
			sub.LastAlertAt = sr.LastAlertAt
			inst.Subscriptions[sr.SubscriberID] = sub
		}
	}
}
