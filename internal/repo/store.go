package repo

import (
	"context"

	"github.com/Klumaks/Link2Pay/internal/domain"
)

// Store bundles the repositories over one pool and owns the steps that span
// more than one of them.
type Store struct {
	pool DB

	Accounts  *Accounts
	Users     *Users
	Links     *Links
	Transfers *Transfers
}

func NewStore(p DB) *Store {
	return &Store{
		pool:      p,
		Accounts:  NewAccounts(p),
		Users:     NewUsers(p),
		Links:     NewLinks(p),
		Transfers: NewTransfers(p),
	}
}

// CreateLinkedTransfer inserts a link and the transfer referencing it in one
// transaction, so a link never exists without its transfer.
func (s *Store) CreateLinkedTransfer(ctx context.Context, l domain.NewLink, t domain.NewTransfer) (linkID, transferID int64, err error) {
	if err := l.Validate(); err != nil {
		return 0, 0, err
	}
	if err := t.Validate(); err != nil {
		return 0, 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, domain.StoreError("linked transfer begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if linkID, err = insertLink(ctx, tx, l); err != nil {
		return 0, 0, err
	}
	t.LinkID = linkID
	if transferID, err = insertTransfer(ctx, tx, t); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, domain.StoreError("linked transfer commit", err)
	}
	return linkID, transferID, nil
}
