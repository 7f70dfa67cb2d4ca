package repo

import (
	"context"

	"github.com/Klumaks/Link2Pay/internal/domain"
)

// Users is the User Directory.
type Users struct{ pool DB }

func NewUsers(p DB) *Users { return &Users{pool: p} }

func (r *Users) Save(ctx context.Context, u domain.User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users(chat_id, handle, name, phone)
		VALUES($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (chat_id) DO UPDATE
		SET handle=EXCLUDED.handle,
			name=EXCLUDED.name,
			phone=EXCLUDED.phone
	`, u.ChatID, u.Handle, u.Name, domain.NormalizePhone(u.Phone))
	if err != nil {
		return domain.StoreError("save user", err)
	}
	return nil
}

func (r *Users) Delete(ctx context.Context, chatID int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM users WHERE chat_id = $1`, chatID); err != nil {
		return domain.StoreError("delete user", err)
	}
	return nil
}

func (r *Users) GetByChatID(ctx context.Context, chatID int64) (domain.User, error) {
	var u domain.User
	err := r.pool.QueryRow(ctx, `
		SELECT chat_id, handle, name, COALESCE(phone, '')
		FROM users WHERE chat_id = $1
	`, chatID).Scan(&u.ChatID, &u.Handle, &u.Name, &u.Phone)
	if err != nil {
		return domain.User{}, classify("user by chat", err)
	}
	return u, nil
}

func (r *Users) GetByHandle(ctx context.Context, handle string) (domain.User, error) {
	var u domain.User
	err := r.pool.QueryRow(ctx, `
		SELECT chat_id, handle, name, COALESCE(phone, '')
		FROM users WHERE lower(handle) = lower($1)
		LIMIT 1
	`, handle).Scan(&u.ChatID, &u.Handle, &u.Name, &u.Phone)
	if err != nil {
		return domain.User{}, classify("user by handle", err)
	}
	return u, nil
}

func (r *Users) ChatIDByHandle(ctx context.Context, handle string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`SELECT chat_id FROM users WHERE lower(handle) = lower($1) LIMIT 1`,
		handle,
	).Scan(&id)
	if err != nil {
		return 0, classify("chat by handle", err)
	}
	return id, nil
}

// IsPhoneClaimedByOther reports whether phone belongs to a chat other than chatID.
func (r *Users) IsPhoneClaimedByOther(ctx context.Context, phone string, chatID int64) (bool, error) {
	var taken bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE phone = $1 AND chat_id <> $2)`,
		domain.NormalizePhone(phone), chatID,
	).Scan(&taken)
	if err != nil {
		return false, domain.StoreError("phone claim", err)
	}
	return taken, nil
}

// RefreshHandle keeps a registered user's handle in sync with Telegram.
func (r *Users) RefreshHandle(ctx context.Context, chatID int64, handle string) error {
	if handle == "" {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET handle = $2 WHERE chat_id = $1 AND handle <> $2`,
		chatID, handle,
	)
	if err != nil {
		return domain.StoreError("refresh handle", err)
	}
	return nil
}
