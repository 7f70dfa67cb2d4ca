package repo

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Klumaks/Link2Pay/internal/domain"
)

// Transfers is the Transfer Ledger. Rows are immutable once recorded.
type Transfers struct{ pool DB }

func NewTransfers(p DB) *Transfers { return &Transfers{pool: p} }

func (r *Transfers) RecordTransfer(ctx context.Context, t domain.NewTransfer) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, domain.StoreError("record transfer begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id, err := insertTransfer(ctx, tx, t)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, domain.StoreError("record transfer commit", err)
	}
	return id, nil
}

// insertTransfer writes the transfer row and its participants: the recipient
// at position 0 and the payers in order.
func insertTransfer(ctx context.Context, q querier, t domain.NewTransfer) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO transfers(recipient, payers, amount, details, link_id)
		VALUES($1, $2, $3::numeric, $4, $5)
		RETURNING id
	`, t.Recipient, domain.JoinPayers(t.Payers), t.Amount.String(), t.Details, t.LinkID).Scan(&id)
	if err != nil {
		return 0, domain.StoreError("insert transfer", err)
	}

	handles := make([]string, 0, len(t.Payers)+1)
	roles := make([]string, 0, len(t.Payers)+1)
	positions := make([]int32, 0, len(t.Payers)+1)
	handles = append(handles, t.Recipient)
	roles = append(roles, domain.RoleRecipient)
	positions = append(positions, 0)
	for i, p := range t.Payers {
		handles = append(handles, p)
		roles = append(roles, domain.RolePayer)
		positions = append(positions, int32(i))
	}

	_, err = q.Exec(ctx, `
		INSERT INTO transfer_participants(transfer_id, handle, role, position)
		SELECT $1, h, r, p FROM unnest($2::text[], $3::text[], $4::int[]) AS t(h, r, p)
	`, id, handles, roles, positions)
	if err != nil {
		return 0, domain.StoreError("insert participants", err)
	}
	return id, nil
}

func (r *Transfers) GetTransferByLink(ctx context.Context, linkID int64) (domain.TransferView, error) {
	var (
		v      domain.TransferView
		amount string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, recipient, payers, amount::text, details, link_id
		FROM transfers
		WHERE link_id = $1
	`, linkID).Scan(&v.ID, &v.Recipient, &v.Payers, &amount, &v.Details, &v.LinkID)
	if err != nil {
		return domain.TransferView{}, classify(fmt.Sprintf("transfer for link %d", linkID), err)
	}
	if v.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.TransferView{}, domain.StoreError("transfer amount", err)
	}
	return v, nil
}

// HasPriorTransfers reports whether a and b ever stood on opposite sides of a
// transfer. Handles are compared whole through transfer_participants.
func (r *Transfers) HasPriorTransfers(ctx context.Context, a, b string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM transfer_participants rc
			JOIN transfer_participants py
			  ON py.transfer_id = rc.transfer_id AND py.role = 'payer'
			WHERE rc.role = 'recipient'
			  AND ((lower(rc.handle) = lower($1) AND lower(py.handle) = lower($2))
			    OR (lower(rc.handle) = lower($2) AND lower(py.handle) = lower($1)))
		)
	`, a, b).Scan(&exists)
	if err != nil {
		return false, domain.StoreError("prior transfers", err)
	}
	return exists, nil
}
