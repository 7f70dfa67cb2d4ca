package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Klumaks/Link2Pay/internal/domain"
	"github.com/Klumaks/Link2Pay/internal/notify"
	"github.com/Klumaks/Link2Pay/internal/session"
)

func (o *Orchestrator) startTransfer(ctx context.Context, chatID int64, kind session.Kind) ([]Reply, error) {
	u, r, err := o.registered(ctx, chatID)
	if r != nil || err != nil {
		return r, err
	}
	if u.Handle == "" {
		return []Reply{{Text: "❌ Для переводов нужен @username в настройках Telegram."}}, nil
	}
	return o.restartTransfer(ctx, chatID, kind)
}

func (o *Orchestrator) restartTransfer(ctx context.Context, chatID int64, kind session.Kind) ([]Reply, error) {
	s := session.Session{Kind: kind, Step: session.StepRecipient, Ref: uuid.NewString()}
	prompt := "Введите @username получателя:"
	if kind == session.KindRequest {
		s.Step = session.StepPayers
		prompt = "Введите @username плательщиков через пробел:"
	}
	if err := o.sessions.Save(ctx, chatID, s); err != nil {
		return nil, err
	}
	return []Reply{{Text: prompt, RemoveKeyboard: true}}, nil
}

func (o *Orchestrator) transferStep(ctx context.Context, chatID int64, text string, s session.Session) ([]Reply, error) {
	var reply Reply
	switch s.Step {
	case session.StepRecipient:
		if !domain.ValidHandle(text) {
			return []Reply{{Text: "❌ Неверный @username."}}, nil
		}
		s.Recipient = text[1:]
		s.Step = session.StepAmount
		reply = Reply{Text: "Укажите сумму (>0, до 2 знаков):"}

	case session.StepPayers:
		payers := parsePayers(text)
		if len(payers) == 0 {
			return []Reply{{Text: "❌ Некорректные @username."}}, nil
		}
		s.Payers = payers
		s.Step = session.StepAmount
		reply = Reply{Text: "Укажите сумму (>0, до 2 знаков):"}

	case session.StepAmount:
		amount, err := domain.ParseAmount(text)
		if err != nil {
			return []Reply{{Text: "❌ Неверная сумма. Пример: 150 или 99.90"}}, nil
		}
		s.Amount = amount
		s.Step = session.StepMessage
		reply = Reply{Text: "Введите сообщение или выберите «" + NoMessage + "»:", Keyboard: []string{NoMessage}}

	case session.StepMessage:
		s.Details = nil
		if text != NoMessage && text != "" {
			details := text
			if err := domain.ValidatePayMessage(&details); err != nil {
				return []Reply{{Text: fmt.Sprintf("❌ Сообщение слишком длинное (до %d символов).", domain.MaxPayMessageLen)}}, nil
			}
			s.Details = &details
		}
		s.Step = session.StepConfirm
		reply = confirmation(s)

	case session.StepConfirm:
		return []Reply{{Text: "Подтвердите или измените данные кнопками выше."}}, nil
	}

	if err := o.sessions.Save(ctx, chatID, s); err != nil {
		return nil, err
	}
	return []Reply{reply}, nil
}

// parsePayers keeps the valid mentions of text, without @ and duplicates.
func parsePayers(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, f := range strings.Fields(text) {
		if !domain.ValidHandle(f) {
			continue
		}
		h := f[1:]
		if seen[strings.ToLower(h)] {
			continue
		}
		seen[strings.ToLower(h)] = true
		out = append(out, h)
	}
	return out
}

func confirmation(s session.Session) Reply {
	var b strings.Builder
	b.WriteString("Проверьте данные:\n")
	ok, edit := ActionSendOK, ActionSendEdit
	if s.Kind == session.KindRequest {
		ok, edit = ActionRequestOK, ActionReqEdit
		b.WriteString("Плательщики: " + mentions(s.Payers) + "\n")
	} else {
		b.WriteString("Получатель: @" + s.Recipient + "\n")
	}
	b.WriteString("Сумма: " + formatAmount(s.Amount) + " ₽")
	if s.Details != nil {
		b.WriteString("\nСообщение: " + *s.Details)
	}
	return Reply{
		Text:           b.String(),
		Buttons:        [][]Button{{{"✅ Подтвердить", ok}, {"✏️ Изменить", edit}}},
		RemoveKeyboard: true,
	}
}

func mentions(handles []string) string {
	out := make([]string, len(handles))
	for i, h := range handles {
		out[i] = "@" + h
	}
	return strings.Join(out, ", ")
}

// pending loads the chat's confirmed transfer of the given kind.
func (o *Orchestrator) pending(ctx context.Context, chatID int64, kind session.Kind) (session.Session, bool, error) {
	s, ok, err := o.sessions.Load(ctx, chatID)
	if err != nil || !ok {
		return session.Session{}, false, err
	}
	if s.Kind != kind || s.Step != session.StepConfirm {
		return session.Session{}, false, nil
	}
	return s, true, nil
}

func (o *Orchestrator) finish(ctx context.Context, chatID int64, replies ...Reply) ([]Reply, error) {
	if err := o.sessions.Delete(ctx, chatID); err != nil {
		return nil, err
	}
	return append(replies, mainMenu()), nil
}

func (o *Orchestrator) accountFor(ctx context.Context, phone string) (string, error) {
	actx, cancel := context.WithTimeout(ctx, o.opts.AccountTimeout)
	defer cancel()
	return o.accounts.FindByPhone(actx, phone)
}

func (o *Orchestrator) newLink(account string, s session.Session, disposable bool) domain.NewLink {
	l := domain.NewLink{
		RecipientAccount: account,
		Amount:           s.Amount,
		BankRecipient:    o.opts.BankName,
		PayMessage:       s.Details,
		Disposable:       disposable,
	}
	if o.opts.Additionally != "" {
		add := o.opts.Additionally
		l.Additionally = &add
	}
	return l
}

var failedReply = Reply{Text: "❌ Ошибка при создании платежа. Попробуйте позже или обратитесь в поддержку.", RemoveKeyboard: true}

func (o *Orchestrator) confirmSend(ctx context.Context, chatID int64) ([]Reply, error) {
	s, ok, err := o.pending(ctx, chatID, session.KindSend)
	if err != nil || !ok {
		return nil, err
	}
	sender, r, err := o.registered(ctx, chatID)
	if r != nil || err != nil {
		return r, err
	}

	recipient, err := o.users.GetByHandle(ctx, s.Recipient)
	if errors.Is(err, domain.ErrNotFound) {
		invite := fmt.Sprintf("Привет! Зарегистрируйся в боте, чтобы получить перевод на %s ₽.", formatAmount(s.Amount))
		if o.opts.BotUsername != "" {
			invite = fmt.Sprintf("Привет! Зарегистрируйся в боте @%s, чтобы получить перевод на %s ₽.", o.opts.BotUsername, formatAmount(s.Amount))
		}
		return o.finish(ctx, chatID,
			Reply{Text: "❌ Получатель не зарегистрирован в боте, перевод невозможен!\nОтправьте это сообщение @" + s.Recipient, RemoveKeyboard: true},
			Reply{Text: invite},
		)
	}
	if err != nil {
		return nil, err
	}

	o.warn.WarnFirstTransfer(ctx, notify.Warning{
		Ref:           s.Ref,
		SubjectChatID: chatID,
		Counterpart:   recipient.Handle,
		Amount:        s.Amount,
	})

	account, err := o.accountFor(ctx, recipient.Phone)
	if err != nil {
		o.log.Error("recipient account lookup", "chat_id", chatID, "recipient", recipient.Handle, "error", err)
		return o.finish(ctx, chatID, failedReply)
	}

	linkID, transferID, err := o.ledger.CreateLinkedTransfer(ctx, o.newLink(account, s, true), domain.NewTransfer{
		Recipient: recipient.Handle,
		Payers:    []string{sender.Handle},
		Amount:    s.Amount,
		Details:   s.Details,
	})
	if err != nil {
		o.log.Error("create transfer", "chat_id", chatID, "error", err)
		return o.finish(ctx, chatID, failedReply)
	}
	o.log.Info("transfer created", "link_id", linkID, "transfer_id", transferID, "kind", s.Kind)

	var b strings.Builder
	fmt.Fprintf(&b, "💸 Перевод на сумму %s ₽\nДля: @%s", formatAmount(s.Amount), recipient.Handle)
	if s.Details != nil {
		b.WriteString("\nСообщение: " + *s.Details)
	}
	b.WriteString("\nСсылка на перевод: " + o.opts.LinkURL(linkID))
	return o.finish(ctx, chatID, Reply{Text: b.String(), RemoveKeyboard: true})
}

func (o *Orchestrator) confirmRequest(ctx context.Context, chatID int64) ([]Reply, error) {
	s, ok, err := o.pending(ctx, chatID, session.KindRequest)
	if err != nil || !ok {
		return nil, err
	}
	requester, r, err := o.registered(ctx, chatID)
	if r != nil || err != nil {
		return r, err
	}

	// registered payers are stored under their directory handle
	chats := make(map[string]int64, len(s.Payers))
	for i, p := range s.Payers {
		u, err := o.users.GetByHandle(ctx, p)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if u.Handle != "" {
			p = u.Handle
			s.Payers[i] = p
		}
		chats[p] = u.ChatID
		o.warn.WarnFirstTransfer(ctx, notify.Warning{
			Ref:           s.Ref,
			SubjectChatID: u.ChatID,
			Counterpart:   requester.Handle,
			Amount:        s.Amount,
			IsRequest:     true,
		})
	}

	account, err := o.accountFor(ctx, requester.Phone)
	if err != nil {
		o.log.Error("requester account lookup", "chat_id", chatID, "error", err)
		return o.finish(ctx, chatID, failedReply)
	}

	disposable := len(s.Payers) == 1
	linkID, transferID, err := o.ledger.CreateLinkedTransfer(ctx, o.newLink(account, s, disposable), domain.NewTransfer{
		Recipient: requester.Handle,
		Payers:    s.Payers,
		Amount:    s.Amount,
		Details:   s.Details,
	})
	if err != nil {
		o.log.Error("create transfer", "chat_id", chatID, "error", err)
		return o.finish(ctx, chatID, failedReply)
	}
	url := o.opts.LinkURL(linkID)
	o.log.Info("transfer created", "link_id", linkID, "transfer_id", transferID, "kind", s.Kind, "payers", len(s.Payers))

	var msg strings.Builder
	fmt.Fprintf(&msg, "💰 Запрос на %s ₽\nОт: @%s", formatAmount(s.Amount), requester.Handle)
	if s.Details != nil {
		msg.WriteString("\nСообщение: " + *s.Details)
	}
	msg.WriteString("\nСсылка для перевода: " + url)

	var sent, unregistered, failed []string
	for _, p := range s.Payers {
		chat, ok := chats[p]
		if !ok {
			unregistered = append(unregistered, "@"+p)
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, o.opts.SendTimeout)
		err := o.out.Deliver(sctx, chat, msg.String())
		cancel()
		if err != nil {
			o.log.Warn("request delivery failed", "payer", p, "error", err)
			failed = append(failed, "@"+p+": "+err.Error())
			continue
		}
		sent = append(sent, "@"+p)
	}

	var report []string
	if len(sent) > 0 {
		report = append(report, "✅ Отправлено: "+strings.Join(sent, ", "))
	}
	if len(unregistered) > 0 {
		report = append(report, fmt.Sprintf("❌ Не зарегистрированы в боте: %s\nМожете отправить ссылку лично\nСсылка для перевода: %s",
			strings.Join(unregistered, ", "), url))
	}
	if len(failed) > 0 {
		report = append(report, "⚠️ Ошибки: "+strings.Join(failed, "; "))
	}
	return o.finish(ctx, chatID, Reply{Text: strings.Join(report, "\n\n"), RemoveKeyboard: true})
}
