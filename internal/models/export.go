package models

import "time"

// StoreSnapshot is the serializable form of the subscription table.
// Volume history is transient and not included.
type StoreSnapshot struct {
	Instruments []InstrumentRecord `json:"instruments"`
	TakenAt     time.Time          `json:"taken_at"`
}

// InstrumentRecord is one exported instrument.
type InstrumentRecord struct {
	Address       string               `json:"address"`
	Symbol        string               `json:"symbol,omitempty"`
	ChainID       string               `json:"chain_id,omitempty"`
	Subscriptions []SubscriptionRecord `json:"subscriptions"`
}

// SubscriptionRecord is one exported subscription.
type SubscriptionRecord struct {
	SubscriberID int64      `json:"subscriber_id"`
	Thresholds   Thresholds `json:"thresholds"`
	Baseline     *Baseline  `json:"baseline,omitempty"`
	LastAlertAt  time.Time  `json:"last_alert_at,omitempty"`
}
