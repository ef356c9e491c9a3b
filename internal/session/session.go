// Package session tracks per-subscriber threshold input dialogues.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/dexwatch/internal/models"
	"github.com/rewired-gh/dexwatch/internal/store"
)

var (
	ErrNoSession             = errors.New("no threshold input in progress")
	ErrInvalidThresholdInput = errors.New("invalid threshold input")
	ErrOrphanedSession       = errors.New("instrument is no longer watched")
)

// StateKind tags a subscriber's dialogue state.
type StateKind int

const (
	StateIdle StateKind = iota
	StateAwaitingValue
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateAwaitingValue:
		return "awaiting_value"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

// State is the externally visible dialogue state. Param and Address are set
// only while awaiting a value.
type State struct {
	Kind    StateKind
	Param   models.Param
	Address string
}

// ThresholdWriter persists a threshold for one instrument lifecycle.
type ThresholdWriter interface {
	Subscribed(ref models.InstrumentRef, subscriberID int64) bool
	SetThresholdAt(ref models.InstrumentRef, subscriberID int64, param models.Param, value float64) error
}

// Reply is the text to show the subscriber after an input. Done is set when
// the dialogue finished.
type Reply struct {
	Text string
	Done bool
}

type dialogue struct {
	ref     models.InstrumentRef
	pending []models.Param
	cursor  int
	values  map[models.Param]float64
}

func (d *dialogue) current() models.Param {
	return d.pending[d.cursor]
}

// Manager holds at most one dialogue per subscriber.
type Manager struct {
	mu        sync.Mutex
	writer    ThresholdWriter
	dialogues map[int64]*dialogue
}

func NewManager(writer ThresholdWriter) *Manager {
	return &Manager{
		writer:    writer,
		dialogues: make(map[int64]*dialogue),
	}
}

// Begin starts (or restarts) a dialogue for the given params, asked in
// price, market cap, volume order. No recognised params means all three.
func (m *Manager) Begin(subscriberID int64, ref models.InstrumentRef, params ...models.Param) Reply {
	pending := lo.Filter(models.Params, func(p models.Param, _ int) bool {
		return lo.Contains(params, p)
	})
	if len(pending) == 0 {
		pending = models.Params
	}

	d := &dialogue{
		ref:     ref,
		pending: pending,
		values:  make(map[models.Param]float64, len(pending)),
	}

	m.mu.Lock()
	m.dialogues[subscriberID] = d
	m.mu.Unlock()

	return Reply{Text: prompt(ref.Address, d.current())}
}

// State returns the subscriber's current dialogue state.
func (m *Manager) State(subscriberID int64) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dialogues[subscriberID]
	if !ok {
		return State{Kind: StateIdle}
	}
	return State{Kind: StateAwaitingValue, Param: d.current(), Address: d.ref.Address}
}

// Cancel drops the subscriber's dialogue. It reports whether one existed.
func (m *Manager) Cancel(subscriberID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.dialogues[subscriberID]
	delete(m.dialogues, subscriberID)
	return ok
}

// Handle feeds free text into the subscriber's dialogue.
func (m *Manager) Handle(subscriberID int64, text string) (Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dialogues[subscriberID]
	if !ok {
		return Reply{}, ErrNoSession
	}

	if !m.writer.Subscribed(d.ref, subscriberID) {
		return m.orphaned(subscriberID, d)
	}

	param := d.current()
	value, err := ParseThreshold(text)
	if err != nil {
		return Reply{Text: "Please send a positive number, e.g. 5 or 2,5.\n" + prompt(d.ref.Address, param)}, err
	}

	if err := m.writer.SetThresholdAt(d.ref, subscriberID, param, value); err != nil {
		if errors.Is(err, store.ErrInstrumentNotFound) || errors.Is(err, store.ErrSubscriptionNotFound) {
			return m.orphaned(subscriberID, d)
		}
		return Reply{Text: "Could not save the threshold, please try again."}, err
	}
	d.values[param] = value
	d.cursor++

	if d.cursor < len(d.pending) {
		return Reply{Text: prompt(d.ref.Address, d.current())}, nil
	}

	delete(m.dialogues, subscriberID)
	return Reply{Text: summary(d), Done: true}, nil
}

// orphaned drops a dialogue whose subscription is gone. Callers hold m.mu.
func (m *Manager) orphaned(subscriberID int64, d *dialogue) (Reply, error) {
	delete(m.dialogues, subscriberID)
	return Reply{
		Text: fmt.Sprintf("%s is no longer in your watchlist. Configuration cancelled.", models.ShortAddress(d.ref.Address)),
		Done: true,
	}, fmt.Errorf("%w: %s", ErrOrphanedSession, d.ref.Address)
}

// ParseThreshold accepts a positive decimal with "." or "," as separator and
// an optional trailing "%".
func ParseThreshold(text string) (float64, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	s = strings.ReplaceAll(s, ",", ".")
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidThresholdInput)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidThresholdInput, text)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: %q must be greater than zero", ErrInvalidThresholdInput, text)
	}
	return d.InexactFloat64(), nil
}

func prompt(addr string, p models.Param) string {
	return fmt.Sprintf("Send the %s change threshold in percent for %s:", strings.ToLower(p.Title()), models.ShortAddress(addr))
}

func summary(d *dialogue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Thresholds saved for %s:\n", models.ShortAddress(d.ref.Address))
	for _, p := range d.pending {
		fmt.Fprintf(&b, "%s: %s%%\n", p.Title(), decimal.NewFromFloat(d.values[p]).String())
	}
	return b.String()
}
