// Package telegram connects subscribers to the watcher through a Telegram bot.
package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jpillora/backoff"

	"github.com/rewired-gh/dexwatch/internal/logger"
	"github.com/rewired-gh/dexwatch/internal/models"
)

// Client sends notifications and routes updates to a Handler.
type Client struct {
	bot            *tgbotapi.BotAPI
	maxRetries     int
	retryDelayBase time.Duration
	updateTimeout  int
}

// NewClient creates a new Telegram client.
func NewClient(botToken string, maxRetries int, retryDelayBase time.Duration, updateTimeout int) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	if updateTimeout <= 0 {
		updateTimeout = 60
	}

	logger.Info("Authorized on Telegram account @%s", bot.Self.UserName)
	return &Client{
		bot:            bot,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		updateTimeout:  updateTimeout,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and
// handles each one on its own goroutine. It returns immediately; polling
// stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, h *Handler) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.updateTimeout
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				go c.handleUpdate(ctx, h, update)
			}
		}
	}()
}

func (c *Client) handleUpdate(ctx context.Context, h *Handler, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered panic handling update %d: %v", update.UpdateID, r)
		}
	}()

	switch {
	case update.Message != nil:
		msg := update.Message
		resp := h.HandleMessage(msg.Chat.ID, msg.Text)
		if err := c.send(ctx, msg.Chat.ID, resp); err != nil {
			logger.Warn("Failed to reply to %d: %v", msg.Chat.ID, err)
		}

	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		if cq.Message == nil {
			return
		}
		chatID := cq.Message.Chat.ID
		resp, toast := h.HandleCallback(chatID, cq.Data)
		if _, err := c.bot.Request(tgbotapi.NewCallback(cq.ID, toast)); err != nil {
			logger.Debug("Failed to answer callback %s: %v", cq.ID, err)
		}
		if resp.Text == "" {
			return
		}
		if err := c.send(ctx, chatID, resp); err != nil {
			logger.Warn("Failed to reply to %d: %v", chatID, err)
		}
	}
}

// Send delivers an alert with its actions as inline buttons.
func (c *Client) Send(ctx context.Context, subscriberID int64, text string, actions []models.Action) error {
	return c.send(ctx, subscriberID, Response{Text: text, Buttons: ActionButtons(actions)})
}

// send retries with exponential backoff until maxRetries attempts or ctx is done.
func (c *Client) send(ctx context.Context, chatID int64, resp Response) error {
	msg := newMessage(chatID, resp)

	b := &backoff.Backoff{
		Min:    c.retryDelayBase,
		Max:    c.retryDelayBase * time.Duration(1<<c.maxRetries),
		Factor: 2,
	}

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("send to %d interrupted: %w", chatID, ctx.Err())
		case <-time.After(b.Duration()):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

func newMessage(chatID int64, resp Response) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, resp.Text)
	msg.DisableWebPagePreview = true
	if len(resp.Buttons) > 0 {
		msg.ReplyMarkup = keyboard(resp.Buttons)
	}
	return msg
}

func keyboard(buttons [][]Button) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		kb := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			kb = append(kb, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Action.Encode()))
		}
		rows = append(rows, kb)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
