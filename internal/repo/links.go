package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Klumaks/Link2Pay/internal/domain"
)

// Links is the Link Store. It is the only writer of links.status.
type Links struct {
	pool  DB
	newID func() string
}

func NewLinks(p DB) *Links { return &Links{pool: p, newID: uuid.NewString} }

func (r *Links) CreateLink(ctx context.Context, l domain.NewLink) (int64, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}
	return insertLink(ctx, r.pool, l)
}

func insertLink(ctx context.Context, q querier, l domain.NewLink) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO links(account_recipient, amount, bank_recipient, pay_message, additionally, disposable, status)
		VALUES($1, $2::numeric, $3, $4, $5, $6, FALSE)
		RETURNING id
	`, l.RecipientAccount, l.Amount.String(), l.BankRecipient, l.PayMessage, l.Additionally, l.Disposable).Scan(&id)
	if err != nil {
		return 0, domain.StoreError("create link", err)
	}
	return id, nil
}

// GetLinkData joins the link with its recipient account. A link whose account
// row is missing is reported as not found.
func (r *Links) GetLinkData(ctx context.Context, id int64) (domain.LinkView, error) {
	var (
		v      domain.LinkView
		amount string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT l.id, l.account_recipient, l.amount::text, l.bank_recipient,
		       l.pay_message, l.additionally, a.owner_name, a.phone,
		       l.disposable, l.status
		FROM links l
		JOIN accounts a ON a.account = l.account_recipient
		WHERE l.id = $1
	`, id).Scan(&v.ID, &v.RecipientAccount, &amount, &v.BankRecipient,
		&v.PayMessage, &v.Additionally, &v.OwnerName, &v.OwnerPhone,
		&v.Disposable, &v.Status)
	if err != nil {
		return domain.LinkView{}, classify(fmt.Sprintf("link %d", id), err)
	}
	if v.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.LinkView{}, domain.StoreError("link amount", err)
	}
	return v, nil
}

// Redeem locks the link row, rejects a consumed disposable link, flips status
// for disposable links and commits. Reusable links are never written.
// The returned snapshot is the state read under the lock.
func (r *Links) Redeem(ctx context.Context, id int64) (domain.Redemption, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Redemption{}, domain.StoreError("redeem begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		red    = domain.Redemption{LinkID: id}
		amount string
		status bool
	)
	err = tx.QueryRow(ctx, `
		SELECT account_recipient, amount::text, bank_recipient, pay_message, disposable, status
		FROM links
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&red.RecipientAccount, &amount, &red.BankRecipient, &red.PayMessage, &red.Disposable, &status)
	if err != nil {
		return domain.Redemption{}, classify(fmt.Sprintf("link %d", id), err)
	}
	if red.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Redemption{}, domain.StoreError("link amount", err)
	}

	if red.Disposable {
		if status {
			return domain.Redemption{}, fmt.Errorf("link %d: %w", id, domain.ErrAlreadyConsumed)
		}
		if _, err := tx.Exec(ctx, `UPDATE links SET status = TRUE WHERE id = $1`, id); err != nil {
			return domain.Redemption{}, domain.StoreError("redeem update", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Redemption{}, domain.StoreError("redeem commit", err)
	}
	red.ID = r.newID()
	return red, nil
}
