package telegram

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rewired-gh/dexwatch/internal/alert"
	"github.com/rewired-gh/dexwatch/internal/logger"
	"github.com/rewired-gh/dexwatch/internal/models"
	"github.com/rewired-gh/dexwatch/internal/session"
	"github.com/rewired-gh/dexwatch/internal/store"
)

const historyLimit = 10

const helpText = `I watch DEX tokens and alert you when price, market cap or 5m volume moves past your thresholds.

/watch <address> - start watching a token (EVM or Solana)
/unwatch <address> - stop watching a token
/list - show your watchlist and thresholds
/history - show your latest alerts
/cancel - abort threshold input

You can also just send a token address.`

// Button is an inline response affordance.
type Button struct {
	Text   string
	Action models.Action
}

// Response is what the bot sends back for one update.
type Response struct {
	Text    string
	Buttons [][]Button
}

// AlertHistory reads the alert log.
type AlertHistory interface {
	RecentAlerts(subscriberID int64, limit int) ([]models.AlertRecord, error)
}

// Handler turns chat input into store mutations and replies. It does no I/O
// towards Telegram.
type Handler struct {
	store    *store.Store
	sessions *session.Manager
	history  AlertHistory
}

// NewHandler creates a handler. history may be nil.
func NewHandler(s *store.Store, sessions *session.Manager, history AlertHistory) *Handler {
	return &Handler{store: s, sessions: sessions, history: history}
}

// HandleMessage answers a text message from subscriberID.
func (h *Handler) HandleMessage(subscriberID int64, text string) Response {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "/") {
		cmd, args := splitCommand(text)
		return h.handleCommand(subscriberID, cmd, args)
	}

	reply, err := h.sessions.Handle(subscriberID, text)
	switch {
	case err == nil:
		return Response{Text: reply.Text}
	case errors.Is(err, session.ErrNoSession):
	case errors.Is(err, session.ErrInvalidThresholdInput):
		return Response{Text: reply.Text}
	case errors.Is(err, session.ErrOrphanedSession):
		logger.Debug("Discarded session of %d: %v", subscriberID, err)
		return Response{Text: reply.Text}
	default:
		logger.Warn("Threshold input from %d failed: %v", subscriberID, err)
		return Response{Text: reply.Text}
	}

	if _, err := ValidateAddress(text); err == nil {
		return h.watch(subscriberID, text)
	}
	return Response{Text: "Send a token address or /help."}
}

func splitCommand(text string) (string, string) {
	fields := strings.Fields(text)
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.Join(fields[1:], " ")
}

func (h *Handler) handleCommand(subscriberID int64, cmd, args string) Response {
	switch cmd {
	case "start", "help":
		return Response{Text: helpText}
	case "watch":
		if args == "" {
			return Response{Text: "Usage: /watch <address>"}
		}
		return h.watch(subscriberID, args)
	case "unwatch":
		if args == "" {
			return Response{Text: "Usage: /unwatch <address>"}
		}
		addr, err := ValidateAddress(args)
		if err != nil {
			return Response{Text: "That does not look like a token address."}
		}
		return h.unwatch(subscriberID, addr)
	case "list":
		return h.list(subscriberID)
	case "history":
		return h.recentAlerts(subscriberID)
	case "cancel":
		if h.sessions.Cancel(subscriberID) {
			return Response{Text: "Threshold input cancelled."}
		}
		return Response{Text: "Nothing to cancel."}
	default:
		return Response{Text: "Unknown command. /help lists what I can do."}
	}
}

func (h *Handler) watch(subscriberID int64, raw string) Response {
	addr, err := ValidateAddress(raw)
	if err != nil {
		return Response{Text: "That does not look like a token address."}
	}
	sub := h.store.EnsureSubscription(addr, subscriberID)

	text := fmt.Sprintf("👀 Watching %s.\n%s\nChoose what to configure:", addr, describeThresholds(sub.Thresholds))
	return Response{Text: text, Buttons: configureButtons(addr)}
}

func (h *Handler) unwatch(subscriberID int64, addr string) Response {
	if _, ok := h.store.Subscription(addr, subscriberID); !ok {
		return Response{Text: "You are not watching " + models.ShortAddress(addr) + "."}
	}
	if st := h.sessions.State(subscriberID); st.Kind == session.StateAwaitingValue && st.Address == addr {
		h.sessions.Cancel(subscriberID)
	}
	h.store.RemoveSubscriber(addr, subscriberID)
	return Response{Text: "Stopped watching " + models.ShortAddress(addr) + "."}
}

func (h *Handler) list(subscriberID int64) Response {
	views := h.store.SubscriptionsOf(subscriberID)
	if len(views) == 0 {
		return Response{Text: "Your watchlist is empty. Send a token address to start."}
	}

	var b strings.Builder
	b.WriteString("📋 Your watchlist:\n")
	var buttons [][]Button
	for i, v := range views {
		name := v.Address
		if v.Symbol != "" {
			name = v.Symbol + " " + models.ShortAddress(v.Address)
		}
		fmt.Fprintf(&b, "\n%d. %s\n%s\n", i+1, name, describeThresholds(v.Thresholds))
		if !v.HasBaseline {
			b.WriteString("(waiting for first market data)\n")
		}
		buttons = append(buttons, []Button{
			{Text: "⚙️ " + shortName(v), Action: models.Action{Kind: models.ActionConfigure, Address: v.Address}},
			{Text: "❌ " + shortName(v), Action: models.Action{Kind: models.ActionUnsubscribe, Address: v.Address}},
		})
	}
	return Response{Text: b.String(), Buttons: buttons}
}

func shortName(v models.SubscriptionView) string {
	if v.Symbol != "" {
		return v.Symbol
	}
	return models.ShortAddress(v.Address)
}

func (h *Handler) recentAlerts(subscriberID int64) Response {
	if h.history == nil {
		return Response{Text: "Alert history is not available."}
	}
	alerts, err := h.history.RecentAlerts(subscriberID, historyLimit)
	if err != nil {
		logger.Warn("Failed to read alert history for %d: %v", subscriberID, err)
		return Response{Text: "Could not read alert history, try again later."}
	}
	if len(alerts) == 0 {
		return Response{Text: "No alerts yet."}
	}

	var b strings.Builder
	b.WriteString("🕑 Latest alerts:\n")
	for _, a := range alerts {
		name := a.Symbol
		if name == "" {
			name = models.ShortAddress(a.Address)
		}
		delta := models.Deltas{Price: a.PriceDelta, MarketCap: a.MCapDelta, Volume: a.VolumeDelta}.Get(a.Reason)
		fmt.Fprintf(&b, "%s  %s %s %s", a.SentAt.UTC().Format("01-02 15:04"), name, a.Reason.Title(), alert.FormatDelta(delta))
		if a.Label != models.LabelNone && a.Label != "" {
			fmt.Fprintf(&b, " [%s]", a.Label)
		}
		b.WriteString("\n")
	}
	return Response{Text: b.String()}
}

// HandleCallback executes an inline button press. The second return value is
// the short notification shown on the button.
func (h *Handler) HandleCallback(subscriberID int64, data string) (Response, string) {
	action, err := models.DecodeAction(data)
	if err != nil {
		logger.Debug("Ignoring callback %q from %d: %v", data, subscriberID, err)
		return Response{}, "Unknown action"
	}
	addr := action.Address
	name := models.ShortAddress(addr)

	if _, ok := h.store.Subscription(addr, subscriberID); !ok {
		return Response{Text: "You are not watching " + name + " anymore."}, "Not watching"
	}

	switch action.Kind {
	case models.ActionConfigure:
		ref, ok := h.store.Ref(addr)
		if !ok {
			return Response{Text: "You are not watching " + name + " anymore."}, "Not watching"
		}
		var reply session.Reply
		if action.Param == "" {
			reply = h.sessions.Begin(subscriberID, ref)
		} else {
			reply = h.sessions.Begin(subscriberID, ref, action.Param)
		}
		return Response{Text: reply.Text}, ""

	case models.ActionDisableParam:
		if err := h.store.ClearThreshold(addr, subscriberID, action.Param); err != nil {
			return Response{Text: "You are not watching " + name + " anymore."}, "Not watching"
		}
		return Response{Text: fmt.Sprintf("🔕 %s alerts disabled for %s.", action.Param.Title(), name)}, "Disabled"

	case models.ActionDisableAll:
		if err := h.store.ClearThresholds(addr, subscriberID); err != nil {
			return Response{Text: "You are not watching " + name + " anymore."}, "Not watching"
		}
		return Response{
			Text:    fmt.Sprintf("🔕 All alerts disabled for %s. It stays in your watchlist.", name),
			Buttons: configureButtons(addr),
		}, "Disabled"

	case models.ActionUnsubscribe:
		return h.unwatch(subscriberID, addr), "Unsubscribed"
	}
	return Response{}, ""
}

func configureButtons(addr string) [][]Button {
	row := make([]Button, 0, len(models.Params))
	for _, p := range models.Params {
		row = append(row, Button{Text: p.Title(), Action: models.Action{Kind: models.ActionConfigure, Param: p, Address: addr}})
	}
	return [][]Button{
		row,
		{
			{Text: "⚙️ Configure all", Action: models.Action{Kind: models.ActionConfigure, Address: addr}},
			{Text: "❌ Unsubscribe", Action: models.Action{Kind: models.ActionUnsubscribe, Address: addr}},
		},
	}
}

func describeThresholds(t models.Thresholds) string {
	if t.Inert() {
		return "No thresholds set, alerts are off."
	}
	parts := make([]string, 0, len(models.Params))
	for _, p := range models.Params {
		if v := t.Get(p); v > 0 {
			parts = append(parts, fmt.Sprintf("%s ±%g%%", p.Title(), v))
		} else {
			parts = append(parts, p.Title()+" off")
		}
	}
	return strings.Join(parts, ", ")
}

// ActionButtons lays out notification actions one per row.
func ActionButtons(actions []models.Action) [][]Button {
	rows := make([][]Button, 0, len(actions))
	for _, a := range actions {
		rows = append(rows, []Button{{Text: actionLabel(a), Action: a}})
	}
	return rows
}

func actionLabel(a models.Action) string {
	switch a.Kind {
	case models.ActionConfigure:
		if a.Param == "" {
			return "⚙️ Configure all"
		}
		return "⚙️ " + a.Param.Title()
	case models.ActionDisableParam:
		return "🔕 Disable " + strings.ToLower(a.Param.Title())
	case models.ActionDisableAll:
		return "🔕 Disable all"
	case models.ActionUnsubscribe:
		return "❌ Unsubscribe"
	default:
		return string(a.Kind)
	}
}
