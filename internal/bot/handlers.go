package bot

import (
	"context"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Klumaks/Link2Pay/internal/flow"
)

// Sender is the part of *tgbotapi.BotAPI the handler uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Flow interface {
	Handle(ctx context.Context, in flow.Input) ([]flow.Reply, error)
}

type Handler struct {
	api  Sender
	flow Flow
	log  *slog.Logger
}

func NewHandler(api Sender, f Flow) *Handler {
	return &Handler{api: api, flow: f, log: slog.Default().With("component", "bot")}
}

func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.CallbackQuery != nil {
		h.HandleCallback(ctx, upd.CallbackQuery)
		return
	}

	msg := upd.Message
	if msg == nil || msg.From == nil {
		return
	}
	// работаем только в личке
	if !msg.Chat.IsPrivate() {
		return
	}

	if c := msg.Contact; c != nil && c.UserID != 0 && c.UserID != msg.From.ID {
		h.reply(msg.Chat.ID, "❌ Отправьте свой контакт или введите номер вручную.")
		return
	}
	in, ok := messageInput(msg)
	if !ok {
		return
	}
	h.run(ctx, in)
}

func (h *Handler) HandleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	// обязательно отвечаем Telegram
	defer func() {
		if _, err := h.api.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
			h.log.Debug("answer callback", "error", err)
		}
	}()

	if q.Message == nil || q.From == nil {
		return
	}
	h.run(ctx, flow.Input{
		ChatID: q.Message.Chat.ID,
		Handle: q.From.UserName,
		Name:   fullName(q.From),
		Action: q.Data,
	})
}

func (h *Handler) run(ctx context.Context, in flow.Input) {
	replies, err := h.flow.Handle(ctx, in)
	if err != nil {
		h.log.Error("handle input", "chat_id", in.ChatID, "action", in.Action, "error", err)
		replies = []flow.Reply{{Text: "❌ Что-то пошло не так. Попробуйте позже."}}
	}
	for _, r := range replies {
		if _, err := h.api.Send(render(in.ChatID, r)); err != nil {
			h.log.Warn("send reply", "chat_id", in.ChatID, "error", err)
		}
	}
}

func (h *Handler) reply(chatID int64, text string) {
	if _, err := h.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		h.log.Warn("send reply", "chat_id", chatID, "error", err)
	}
}

func messageInput(msg *tgbotapi.Message) (flow.Input, bool) {
	in := flow.Input{
		ChatID: msg.Chat.ID,
		Handle: msg.From.UserName,
		Name:   fullName(msg.From),
	}
	if msg.Contact != nil {
		in.Contact = msg.Contact.PhoneNumber
		return in, in.Contact != ""
	}
	in.Text = strings.TrimSpace(msg.Text)
	return in, in.Text != ""
}

func fullName(u *tgbotapi.User) string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func render(chatID int64, r flow.Reply) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, r.Text)
	switch {
	case len(r.Buttons) > 0:
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(r.Buttons))
		for _, row := range r.Buttons {
			var btns []tgbotapi.InlineKeyboardButton
			for _, b := range row {
				btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Action))
			}
			rows = append(rows, btns)
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	case r.RequestContact:
		kb := tgbotapi.NewReplyKeyboard(tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButtonContact("Отправить контакт")))
		kb.ResizeKeyboard = true
		kb.OneTimeKeyboard = true
		msg.ReplyMarkup = kb
	case len(r.Keyboard) > 0:
		var row []tgbotapi.KeyboardButton
		for _, k := range r.Keyboard {
			row = append(row, tgbotapi.NewKeyboardButton(k))
		}
		kb := tgbotapi.NewReplyKeyboard(row)
		kb.ResizeKeyboard = true
		kb.OneTimeKeyboard = true
		msg.ReplyMarkup = kb
	case r.RemoveKeyboard:
		msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	}
	return msg
}
