// Package models defines the core domain entities: instruments, subscriptions, snapshots and alerts.
package models

import (
	"fmt"
	"time"
)

// Param names one of the three threshold kinds a subscriber can arm.
type Param string

const (
	ParamPrice     Param = "price"
	ParamMarketCap Param = "mcap"
	ParamVolume    Param = "vol"
)

// Params lists every Param in evaluation priority order.
var Params = []Param{ParamPrice, ParamMarketCap, ParamVolume}

// ParseParam converts the wire form of a Param back into the typed value.
func ParseParam(s string) (Param, error) {
	switch Param(s) {
	case ParamPrice, ParamMarketCap, ParamVolume:
		return Param(s), nil
	}
	return "", fmt.Errorf("unknown threshold param %q", s)
}

// Title returns a human readable name for the param.
func (p Param) Title() string {
	switch p {
	case ParamPrice:
		return "Price"
	case ParamMarketCap:
		return "Market cap"
	case ParamVolume:
		return "Volume 5m"
	default:
		return string(p)
	}
}

// Thresholds holds the percentage triggers of a subscription. Zero means absent.
type Thresholds struct {
	Price     float64 `json:"price_threshold,omitempty"`
	MarketCap float64 `json:"mcap_threshold,omitempty"`
	Volume    float64 `json:"vol_threshold,omitempty"`
}

// Get returns the threshold configured for p, or 0 when absent.
func (t Thresholds) Get(p Param) float64 {
	switch p {
	case ParamPrice:
		return t.Price
	case ParamMarketCap:
		return t.MarketCap
	case ParamVolume:
		return t.Volume
	}
	return 0
}

// Set stores v as the threshold for p. Non-positive values clear it.
func (t *Thresholds) Set(p Param, v float64) {
	if v < 0 {
		v = 0
	}
	switch p {
	case ParamPrice:
		t.Price = v
	case ParamMarketCap:
		t.MarketCap = v
	case ParamVolume:
		t.Volume = v
	}
}

// Inert reports whether no threshold is armed.
func (t Thresholds) Inert() bool {
	return t.Price <= 0 && t.MarketCap <= 0 && t.Volume <= 0
}

// Baseline is the last observed state a subscription measures change against.
type Baseline struct {
	Price     float64   `json:"price"`
	Volume5m  float64   `json:"volume_5m"`
	MarketCap float64   `json:"market_cap"`
	At        time.Time `json:"timestamp"`
}

// BaselineFrom captures the comparable fields of a snapshot.
func BaselineFrom(s Snapshot, at time.Time) *Baseline {
	return &Baseline{
		Price:     s.PriceUSD,
		Volume5m:  s.Volume5mUSD,
		MarketCap: s.MarketCapUSD,
		At:        at,
	}
}

// Subscription is the per (instrument, subscriber) alerting state.
type Subscription struct {
	SubscriberID int64
	Thresholds   Thresholds
	Baseline     *Baseline
	LastAlertAt  time.Time
	History      *VolumeHistory
}

// NewSubscription returns an unarmed subscription with an empty history.
func NewSubscription(subscriberID int64, historyCapacity int) *Subscription {
	return &Subscription{
		SubscriberID: subscriberID,
		History:      NewVolumeHistory(historyCapacity),
	}
}

// Clone returns a deep copy safe to hand out of the store.
func (s *Subscription) Clone() Subscription {
	c := *s
	if s.Baseline != nil {
		b := *s.Baseline
		c.Baseline = &b
	}
	if s.History != nil {
		c.History = s.History.Clone()
	}
	return c
}

// Instrument is a tracked token and the subscriptions attached to it.
// Generation changes every time the address is (re)created in the store.
type Instrument struct {
	Address       string
	Generation    uint64
	Symbol        string
	ChainID       string
	Subscriptions map[int64]*Subscription
}

// NewInstrument creates an instrument with no subscribers.
func NewInstrument(address string, generation uint64) *Instrument {
	return &Instrument{
		Address:       address,
		Generation:    generation,
		Subscriptions: make(map[int64]*Subscription),
	}
}

// Ref identifies this lifecycle of the instrument.
func (i *Instrument) Ref() InstrumentRef {
	return InstrumentRef{Address: i.Address, Generation: i.Generation}
}

// InstrumentRef pins an address to one instrument lifecycle, so writes aimed
// at a deleted instrument are not applied to a later one at the same address.
type InstrumentRef struct {
	Address    string
	Generation uint64
}

// ShortAddress trims long chain addresses for display.
func ShortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

// SubscriptionView is a read-only projection used by the chat layer.
type SubscriptionView struct {
	Address     string
	Symbol      string
	ChainID     string
	Thresholds  Thresholds
	HasBaseline bool
}
