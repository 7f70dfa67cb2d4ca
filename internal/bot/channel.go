package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Klumaks/Link2Pay/internal/notify"
)

// Channel delivers notifier messages as Telegram direct messages.
type Channel struct {
	api Sender
}

func NewChannel(api Sender) *Channel {
	return &Channel{api: api}
}

// Deliver sends text to chatID. The Bot API client has no context support, so
// the call is abandoned, not cancelled, when ctx ends first.
func (c *Channel) Deliver(ctx context.Context, chatID int64, text string) error {
	done := make(chan error, 1)
	go func() {
		_, err := c.api.Send(tgbotapi.NewMessage(chatID, text))
		done <- err
	}()
	select {
	case err := <-done:
		return classify(chatID, err)
	case <-ctx.Done():
		return fmt.Errorf("send to %d: %w", chatID, ctx.Err())
	}
}

// classify marks errors that retrying cannot fix: the user blocked the bot or
// the chat is gone.
func classify(chatID int64, err error) error {
	if err == nil {
		return nil
	}
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		if tgErr.Code == http.StatusForbidden ||
			(tgErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(tgErr.Message), "chat not found")) {
			return fmt.Errorf("send to %d: %w: %s", chatID, notify.ErrUnreachable, tgErr.Message)
		}
	}
	return fmt.Errorf("send to %d: %w", chatID, err)
}
