// Package notify turns committed transfer events into chat messages and
// delivers them in the background.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Klumaks/Link2Pay/internal/domain"
)

// Directory resolves chats of registered users.
type Directory interface {
	ChatIDByHandle(ctx context.Context, handle string) (int64, error)
	GetByChatID(ctx context.Context, chatID int64) (domain.User, error)
}

type History interface {
	HasPriorTransfers(ctx context.Context, a, b string) (bool, error)
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Incoming tells a recipient about money on its way. Sender is empty when the
// transfer has several payers. Ref identifies the event for deduplication.
type Incoming struct {
	Ref       string
	Recipient string
	Amount    decimal.Decimal
	Sender    string
	Details   *string
}

type Settled struct {
	Ref       string
	Payer     string
	Recipient string
}

// Warning is the first-transfer caution shown to Subject before a transfer
// with Counterpart is created.
type Warning struct {
	Ref           string
	SubjectChatID int64
	Counterpart   string
	Amount        decimal.Decimal
	IsRequest     bool
}

type Notifier struct {
	users   Directory
	history History
	queue   Queue
	log     *slog.Logger
}

func New(users Directory, history History, queue Queue) *Notifier {
	return &Notifier{
		users:   users,
		history: history,
		queue:   queue,
		log:     slog.Default().With("component", "notifier"),
	}
}

func (n *Notifier) NotifyIncoming(ctx context.Context, in Incoming) {
	chatID, ok := n.resolve(ctx, in.Recipient)
	if !ok {
		return
	}
	n.enqueue(ctx, Job{
		Key:    "incoming:" + in.Ref,
		ChatID: chatID,
		Text:   incomingText(in),
	})
}

func (n *Notifier) NotifySettled(ctx context.Context, s Settled) {
	chatID, ok := n.resolve(ctx, s.Payer)
	if !ok {
		return
	}
	n.enqueue(ctx, Job{
		Key:    "settled:" + s.Ref + ":" + strings.ToLower(s.Payer),
		ChatID: chatID,
		Text:   fmt.Sprintf("✅ Перевод @%s успешен!", s.Recipient),
	})
}

// WarnFirstTransfer enqueues the caution when the subject and counterpart
// have never been on opposite sides of a transfer. It reports whether a
// warning was issued.
func (n *Notifier) WarnFirstTransfer(ctx context.Context, w Warning) bool {
	u, err := n.users.GetByChatID(ctx, w.SubjectChatID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			n.log.Warn("warning skipped", "chat_id", w.SubjectChatID, "error", err)
		}
		return false
	}
	if u.Handle == "" || strings.EqualFold(u.Handle, w.Counterpart) {
		return false
	}
	prior, err := n.history.HasPriorTransfers(ctx, u.Handle, w.Counterpart)
	if err != nil {
		n.log.Warn("prior transfer check failed", "handle", u.Handle, "counterpart", w.Counterpart, "error", err)
		return false
	}
	if prior {
		return false
	}
	n.enqueue(ctx, Job{
		Key:    fmt.Sprintf("warn:%d:%s:%s", w.SubjectChatID, strings.ToLower(w.Counterpart), w.Ref),
		ChatID: w.SubjectChatID,
		Text:   warningText(w),
	})
	return true
}

// NotifyRedeemed fans out the messages for one redemption. payer, when set,
// names which of the transfer's payers completed it.
func (n *Notifier) NotifyRedeemed(ctx context.Context, red domain.Redemption, t domain.TransferView, payer string) {
	payers := t.PayerList()
	var sender string
	if len(payers) == 1 {
		sender = payers[0]
	}
	n.NotifyIncoming(ctx, Incoming{
		Ref:       red.ID,
		Recipient: t.Recipient,
		Amount:    red.Amount,
		Sender:    sender,
		Details:   t.Details,
	})

	settled := sender
	if payer = strings.TrimPrefix(payer, "@"); payer != "" && domain.HasPayer(t.Payers, payer) {
		settled = payer
	}
	if settled != "" {
		n.NotifySettled(ctx, Settled{Ref: red.ID, Payer: settled, Recipient: t.Recipient})
	}
}

func (n *Notifier) resolve(ctx context.Context, handle string) (int64, bool) {
	chatID, err := n.users.ChatIDByHandle(ctx, handle)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			n.log.Warn("recipient lookup failed", "handle", handle, "error", err)
		}
		return 0, false
	}
	return chatID, true
}

func (n *Notifier) enqueue(ctx context.Context, job Job) {
	if err := n.queue.Enqueue(ctx, job); err != nil {
		n.log.Warn("message not queued", "key", job.Key, "error", err)
	}
}

func incomingText(in Incoming) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💸 Вам перевод %s ₽", in.Amount.StringFixed(2))
	if in.Sender != "" {
		fmt.Fprintf(&b, "\nОт: @%s", in.Sender)
	}
	if in.Details != nil && *in.Details != "" {
		fmt.Fprintf(&b, "\nСообщение: %s", *in.Details)
	}
	return b.String()
}

func warningText(w Warning) string {
	action := "отправляете перевод пользователю"
	if w.IsRequest {
		action = "получили запрос на перевод от"
	}
	return fmt.Sprintf("⚠️ Внимание! Вы %s @%s на сумму %s ₽, но у вас еще не было переводов с этим человеком.",
		action, w.Counterpart, w.Amount.StringFixed(2))
}
