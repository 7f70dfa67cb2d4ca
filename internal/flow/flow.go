// Package flow runs the bot conversations: registration, sending money,
// requesting money and settings. It is independent of the messenger; the bot
// package turns updates into Input and renders Reply.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klumaks/Link2Pay/internal/domain"
	"github.com/Klumaks/Link2Pay/internal/notify"
	"github.com/Klumaks/Link2Pay/internal/session"
)

// Button actions. The bot uses them as callback data.
const (
	ActionSend      = "send"
	ActionRequest   = "request"
	ActionSettings  = "settings"
	ActionMenu      = "back_to_menu"
	ActionSendOK    = "send_ok"
	ActionSendEdit  = "send_edit"
	ActionRequestOK = "req_ok"
	ActionReqEdit   = "req_edit"
	ActionRegYes    = "reg_yes"
	ActionRegNo     = "reg_no"
	ActionSetPhone  = "set_phone"
	ActionDelete    = "delete_account"
	ActionDeleteYes = "del_yes"
	ActionDeleteNo  = "del_no"
	NoMessage       = "Без сообщения"
	CommandStart    = "/start"
	CommandMenu     = "/menu"
)

// Input is one user event: a text message, a shared contact or a button press.
type Input struct {
	ChatID  int64
	Handle  string // Telegram username without @, may be empty
	Name    string
	Text    string
	Contact string // phone from a shared contact
	Action  string
}

type Button struct {
	Text   string
	Action string
}

// Reply is one outgoing message to the chat of the input.
type Reply struct {
	Text           string
	Buttons        [][]Button
	Keyboard       []string
	RequestContact bool
	RemoveKeyboard bool
}

type Accounts interface {
	FindByPhone(ctx context.Context, phone string) (string, error)
	Register(ctx context.Context, phone, ownerName string) (string, error)
}

type Users interface {
	Save(ctx context.Context, u domain.User) error
	Delete(ctx context.Context, chatID int64) error
	GetByChatID(ctx context.Context, chatID int64) (domain.User, error)
	GetByHandle(ctx context.Context, handle string) (domain.User, error)
	IsPhoneClaimedByOther(ctx context.Context, phone string, chatID int64) (bool, error)
	RefreshHandle(ctx context.Context, chatID int64, handle string) error
}

type Ledger interface {
	CreateLinkedTransfer(ctx context.Context, l domain.NewLink, t domain.NewTransfer) (int64, int64, error)
}

type Warner interface {
	WarnFirstTransfer(ctx context.Context, w notify.Warning) bool
}

type Options struct {
	BankName       string
	Additionally   string
	BotUsername    string
	AccountTimeout time.Duration
	SendTimeout    time.Duration
	LinkURL        func(id int64) string
}

type Orchestrator struct {
	sessions session.Store
	accounts Accounts
	users    Users
	ledger   Ledger
	warn     Warner
	out      notify.Channel
	opts     Options
	log      *slog.Logger
}

func New(sessions session.Store, accounts Accounts, users Users, ledger Ledger, warn Warner, out notify.Channel, opts Options) *Orchestrator {
	if opts.AccountTimeout <= 0 {
		opts.AccountTimeout = 10 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	return &Orchestrator{
		sessions: sessions,
		accounts: accounts,
		users:    users,
		ledger:   ledger,
		warn:     warn,
		out:      out,
		opts:     opts,
		log:      slog.Default().With("component", "flow"),
	}
}

// Handle processes one input under the chat's lock and returns the replies
// for that chat. Messages to other chats are sent from inside.
func (o *Orchestrator) Handle(ctx context.Context, in Input) ([]Reply, error) {
	unlock, err := o.sessions.Lock(ctx, in.ChatID)
	if err != nil {
		return nil, fmt.Errorf("lock chat %d: %w", in.ChatID, err)
	}
	defer unlock()

	if in.Handle != "" {
		if err := o.users.RefreshHandle(ctx, in.ChatID, in.Handle); err != nil {
			o.log.Warn("refresh handle", "chat_id", in.ChatID, "error", err)
		}
	}

	text := strings.TrimSpace(in.Text)
	switch {
	case in.Action != "":
		return o.handleAction(ctx, in)
	case strings.HasPrefix(text, CommandStart):
		return o.startRegistration(ctx, in.ChatID, session.KindRegister)
	case strings.HasPrefix(text, CommandMenu):
		return o.toMenu(ctx, in.ChatID)
	}

	s, ok, err := o.sessions.Load(ctx, in.ChatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := o.users.GetByChatID(ctx, in.ChatID); err != nil {
			return o.needRegistration(err)
		}
		return []Reply{mainMenu()}, nil
	}

	switch s.Kind {
	case session.KindRegister, session.KindChangePhone:
		return o.receivePhone(ctx, in, s)
	case session.KindSend, session.KindRequest:
		return o.transferStep(ctx, in.ChatID, text, s)
	}
	return nil, fmt.Errorf("unknown session kind %q", s.Kind)
}

func (o *Orchestrator) handleAction(ctx context.Context, in Input) ([]Reply, error) {
	switch in.Action {
	case ActionSend:
		return o.startTransfer(ctx, in.ChatID, session.KindSend)
	case ActionRequest:
		return o.startTransfer(ctx, in.ChatID, session.KindRequest)
	case ActionSendEdit:
		return o.restartTransfer(ctx, in.ChatID, session.KindSend)
	case ActionReqEdit:
		return o.restartTransfer(ctx, in.ChatID, session.KindRequest)
	case ActionSendOK:
		return o.confirmSend(ctx, in.ChatID)
	case ActionRequestOK:
		return o.confirmRequest(ctx, in.ChatID)
	case ActionRegYes:
		return o.confirmPhone(ctx, in)
	case ActionRegNo:
		return o.retypePhone(ctx, in.ChatID)
	case ActionSettings:
		return []Reply{settingsMenu()}, nil
	case ActionSetPhone:
		return o.startChangePhone(ctx, in.ChatID)
	case ActionDelete:
		return []Reply{{
			Text:    "Вы уверены, что хотите удалить аккаунт? Это действие необратимо.",
			Buttons: [][]Button{{{"✅ Да, удалить", ActionDeleteYes}, {"❌ Отмена", ActionDeleteNo}}},
		}}, nil
	case ActionDeleteYes:
		return o.deleteAccount(ctx, in.ChatID)
	case ActionDeleteNo:
		return []Reply{settingsMenu()}, nil
	case ActionMenu:
		return o.toMenu(ctx, in.ChatID)
	}
	o.log.Debug("unknown action", "chat_id", in.ChatID, "action", in.Action)
	return nil, nil
}

func (o *Orchestrator) toMenu(ctx context.Context, chatID int64) ([]Reply, error) {
	if err := o.sessions.Delete(ctx, chatID); err != nil {
		return nil, err
	}
	return []Reply{mainMenu()}, nil
}

// registered returns the chat's user or the replies asking to register.
func (o *Orchestrator) registered(ctx context.Context, chatID int64) (domain.User, []Reply, error) {
	u, err := o.users.GetByChatID(ctx, chatID)
	if err != nil {
		r, err := o.needRegistration(err)
		return domain.User{}, r, err
	}
	return u, nil, nil
}

func (o *Orchestrator) needRegistration(err error) ([]Reply, error) {
	if errors.Is(err, domain.ErrNotFound) {
		return []Reply{{Text: "Сначала зарегистрируйтесь: " + CommandStart}}, nil
	}
	return nil, err
}

func mainMenu() Reply {
	return Reply{
		Text: "Выберите действие:",
		Buttons: [][]Button{
			{{"💸 Отправить", ActionSend}, {"💰 Запросить", ActionRequest}},
			{{"⚙️ Настройки", ActionSettings}},
		},
	}
}

func settingsMenu() Reply {
	return Reply{
		Text: "⚙️ Настройки:",
		Buttons: [][]Button{
			{{"Изменить телефон", ActionSetPhone}, {"Удалить аккаунт", ActionDelete}},
			{{"Назад", ActionMenu}},
		},
	}
}

func formatAmount(a decimal.Decimal) string {
	return a.StringFixed(2)
}
