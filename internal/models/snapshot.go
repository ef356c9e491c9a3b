package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Snapshot is a normalized market observation for one instrument.
type Snapshot struct {
	Address      string  `json:"address"`
	Symbol       string  `json:"symbol"`
	ChainID      string  `json:"chain_id"`
	PriceUSD     float64 `json:"price_usd"`
	Volume5mUSD  float64 `json:"volume_5m_usd"`
	Volume24hUSD float64 `json:"volume_24h_usd"`
	MarketCapUSD float64 `json:"market_cap_usd"`
	LiquidityUSD float64 `json:"liquidity_usd"`
	BuyVolume    float64 `json:"buy_volume"`
	SellVolume   float64 `json:"sell_volume"`
	SourceURL    string  `json:"source_url"`
}

// Validate checks snapshot field constraints.
func (s *Snapshot) Validate() error {
	if s.Address == "" {
		return errors.New("snapshot address must not be empty")
	}
	if s.PriceUSD < 0 {
		return errors.New("price must not be negative")
	}
	if s.Volume5mUSD < 0 || s.Volume24hUSD < 0 {
		return errors.New("volume must not be negative")
	}
	if s.MarketCapUSD < 0 {
		return errors.New("market cap must not be negative")
	}
	if s.BuyVolume < 0 || s.SellVolume < 0 {
		return errors.New("buy/sell volume must not be negative")
	}
	return nil
}

// Delta is a percentage change. Valid is false when the prior value was absent or zero.
type Delta struct {
	Percent float64
	Valid   bool
}

// Deltas holds the percentage change of every tracked metric.
type Deltas struct {
	Price     Delta
	MarketCap Delta
	Volume    Delta
}

// Get returns the delta computed for p.
func (d Deltas) Get(p Param) Delta {
	switch p {
	case ParamPrice:
		return d.Price
	case ParamMarketCap:
		return d.MarketCap
	case ParamVolume:
		return d.Volume
	}
	return Delta{}
}

// PumpDumpLabel annotates an alert with the volume-spike heuristic result.
type PumpDumpLabel string

const (
	LabelNone PumpDumpLabel = "none"
	LabelPump PumpDumpLabel = "pump"
	LabelDump PumpDumpLabel = "dump"
)

// ActionKind is a semantic response affordance attached to a notification.
type ActionKind string

const (
	ActionConfigure    ActionKind = "cfg"
	ActionDisableParam ActionKind = "off"
	ActionDisableAll   ActionKind = "off_all"
	ActionUnsubscribe  ActionKind = "unsub"
)

// Action routes a notification or menu response back into a store mutation.
// An ActionConfigure with an empty Param configures every threshold.
type Action struct {
	Kind    ActionKind
	Param   Param
	Address string
}

// Encode returns the compact "kind:param:address" form used as callback data.
func (a Action) Encode() string {
	return string(a.Kind) + ":" + string(a.Param) + ":" + a.Address
}

// DecodeAction parses the output of Action.Encode.
func DecodeAction(data string) (Action, error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return Action{}, fmt.Errorf("malformed action %q", data)
	}
	a := Action{Kind: ActionKind(parts[0]), Address: parts[2]}
	switch a.Kind {
	case ActionConfigure, ActionDisableParam:
		if parts[1] == "" {
			if a.Kind == ActionDisableParam {
				return Action{}, fmt.Errorf("action %q needs a param", data)
			}
			return a, nil
		}
		p, err := ParseParam(parts[1])
		if err != nil {
			return Action{}, err
		}
		a.Param = p
	case ActionDisableAll, ActionUnsubscribe:
	default:
		return Action{}, fmt.Errorf("unknown action kind %q", parts[0])
	}
	return a, nil
}

// AlertRecord is the persisted history entry of a dispatched alert.
type AlertRecord struct {
	ID           string
	Address      string
	SubscriberID int64
	Symbol       string
	Reason       Param
	PriceDelta   Delta
	MCapDelta    Delta
	VolumeDelta  Delta
	Label        PumpDumpLabel
	PriceUSD     float64
	SentAt       time.Time
}
