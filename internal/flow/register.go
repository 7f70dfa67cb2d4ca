package flow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Klumaks/Link2Pay/internal/domain"
	"github.com/Klumaks/Link2Pay/internal/session"
)

func (o *Orchestrator) startRegistration(ctx context.Context, chatID int64, kind session.Kind) ([]Reply, error) {
	s := session.Session{Kind: kind, Step: session.StepPhone, Ref: uuid.NewString()}
	if err := o.sessions.Save(ctx, chatID, s); err != nil {
		return nil, err
	}
	return []Reply{{
		Text:           "Добро пожаловать! Укажите номер телефона:\nМожно нажать кнопку или ввести вручную.",
		RequestContact: true,
	}}, nil
}

func (o *Orchestrator) startChangePhone(ctx context.Context, chatID int64) ([]Reply, error) {
	if _, r, err := o.registered(ctx, chatID); r != nil || err != nil {
		return r, err
	}
	s := session.Session{Kind: session.KindChangePhone, Step: session.StepPhone, Ref: uuid.NewString()}
	if err := o.sessions.Save(ctx, chatID, s); err != nil {
		return nil, err
	}
	return []Reply{{Text: "Введите новый номер телефона (+7XXXXXXXXXX или 8XXXXXXXXXX):"}}, nil
}

func (o *Orchestrator) receivePhone(ctx context.Context, in Input, s session.Session) ([]Reply, error) {
	if s.Step != session.StepPhone {
		return []Reply{{Text: "Подтвердите номер кнопкой выше."}}, nil
	}
	raw := in.Contact
	if raw == "" {
		raw = in.Text
	}
	phone := domain.NormalizePhone(raw)
	if !domain.ValidPhone(phone) {
		return []Reply{{Text: "❌ Неверный формат номера.", RemoveKeyboard: true}}, nil
	}
	taken, err := o.users.IsPhoneClaimedByOther(ctx, phone, in.ChatID)
	if err != nil {
		return nil, err
	}
	if taken {
		return []Reply{{Text: "❌ Номер уже используется.", RemoveKeyboard: true}}, nil
	}

	s.Phone = phone
	s.Step = session.StepConfirm
	if err := o.sessions.Save(ctx, in.ChatID, s); err != nil {
		return nil, err
	}
	return []Reply{{
		Text:    fmt.Sprintf("Ваш счёт привязан к этому номеру телефона: %s?", phone),
		Buttons: [][]Button{{{"Да, сохранить", ActionRegYes}, {"Нет, изменить", ActionRegNo}}},
	}}, nil
}

func (o *Orchestrator) retypePhone(ctx context.Context, chatID int64) ([]Reply, error) {
	s, ok, err := o.sessions.Load(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !ok || (s.Kind != session.KindRegister && s.Kind != session.KindChangePhone) {
		return nil, nil
	}
	s.Phone = ""
	s.Step = session.StepPhone
	if err := o.sessions.Save(ctx, chatID, s); err != nil {
		return nil, err
	}
	return []Reply{{Text: "Введите номер вручную (+7… или 8…):"}}, nil
}

// confirmPhone binds an account to the confirmed phone and saves the user.
func (o *Orchestrator) confirmPhone(ctx context.Context, in Input) ([]Reply, error) {
	s, ok, err := o.sessions.Load(ctx, in.ChatID)
	if err != nil {
		return nil, err
	}
	if !ok || s.Step != session.StepConfirm || (s.Kind != session.KindRegister && s.Kind != session.KindChangePhone) {
		return nil, nil
	}

	// the phone could have been claimed since it was typed
	taken, err := o.users.IsPhoneClaimedByOther(ctx, s.Phone, in.ChatID)
	if err != nil {
		return nil, err
	}
	if taken {
		s.Step = session.StepPhone
		s.Phone = ""
		if err := o.sessions.Save(ctx, in.ChatID, s); err != nil {
			return nil, err
		}
		return []Reply{{Text: "❌ Номер уже используется."}}, nil
	}

	u := domain.User{ChatID: in.ChatID, Handle: in.Handle, Name: in.Name, Phone: s.Phone}
	if s.Kind == session.KindChangePhone {
		prev, err := o.users.GetByChatID(ctx, in.ChatID)
		if err != nil {
			return o.needRegistration(err)
		}
		prev.Phone = s.Phone
		if in.Handle != "" {
			prev.Handle = in.Handle
		}
		u = prev
	}

	actx, cancel := context.WithTimeout(ctx, o.opts.AccountTimeout)
	defer cancel()
	if _, err := o.accounts.Register(actx, u.Phone, u.Name); err != nil {
		o.log.Error("register account", "chat_id", in.ChatID, "error", err)
		return []Reply{{Text: "❌ Не удалось привязать счёт. Попробуйте позже."}}, nil
	}
	if err := o.users.Save(ctx, u); err != nil {
		return nil, err
	}
	if err := o.sessions.Delete(ctx, in.ChatID); err != nil {
		return nil, err
	}

	done := "✅ Регистрация завершена!"
	if s.Kind == session.KindChangePhone {
		done = "✅ Номер телефона обновлён."
	}
	o.log.Info("phone confirmed", "chat_id", in.ChatID, "kind", s.Kind)
	return []Reply{{Text: done, RemoveKeyboard: true}, mainMenu()}, nil
}

func (o *Orchestrator) deleteAccount(ctx context.Context, chatID int64) ([]Reply, error) {
	if err := o.users.Delete(ctx, chatID); err != nil {
		return nil, err
	}
	o.log.Info("user deleted", "chat_id", chatID)
	replies, err := o.startRegistration(ctx, chatID, session.KindRegister)
	if err != nil {
		return nil, err
	}
	return append([]Reply{{
		Text:           "✅ Ваш аккаунт удалён. Для повторной работы пройдите регистрацию снова.",
		RemoveKeyboard: true,
	}}, replies...), nil
}
