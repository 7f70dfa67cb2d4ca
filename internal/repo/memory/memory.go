// Package memory is an in-process implementation of the repositories with the
// same contracts as the Postgres ones. It backs local runs without a database
// and the tests of the packages above the store.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Klumaks/Link2Pay/internal/domain"
)

type Store struct {
	mu        sync.RWMutex
	rowLocks  map[int64]*sync.Mutex
	accounts  map[string]domain.Account // by phone
	users     map[int64]domain.User
	links     map[int64]*domain.PaymentLink
	transfers []domain.TransferView
	nextLink  int64
	nextXfer  int64
	nextAcct  int64
}

func New() *Store {
	return &Store{
		rowLocks: make(map[int64]*sync.Mutex),
		accounts: make(map[string]domain.Account),
		users:    make(map[int64]domain.User),
		links:    make(map[int64]*domain.PaymentLink),
	}
}

// Account Directory

func (s *Store) FindByPhone(_ context.Context, phone string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[domain.NormalizePhone(phone)]
	if !ok {
		return "", fmt.Errorf("account by phone: %w", domain.ErrNotFound)
	}
	return a.Number, nil
}

func (s *Store) Create(_ context.Context, phone, ownerName string) (string, error) {
	phone = domain.NormalizePhone(phone)
	if !domain.ValidPhone(phone) {
		return "", &domain.ValidationError{Field: "phone", Reason: "expected +7XXXXXXXXXX or 8XXXXXXXXXX"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[phone]; ok {
		return a.Number, nil
	}
	s.nextAcct++
	a := domain.Account{Number: fmt.Sprintf("%020d", s.nextAcct), Phone: phone, OwnerName: ownerName}
	s.accounts[phone] = a
	return a.Number, nil
}

func (s *Store) Register(ctx context.Context, phone, ownerName string) (string, error) {
	return s.Create(ctx, phone, ownerName)
}

// AddAccount seeds an account with a fixed number.
func (s *Store) AddAccount(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Phone = domain.NormalizePhone(a.Phone)
	s.accounts[a.Phone] = a
}

func (s *Store) accountByNumber(number string) (domain.Account, bool) {
	for _, a := range s.accounts {
		if a.Number == number {
			return a, true
		}
	}
	return domain.Account{}, false
}

// User Directory

func (s *Store) Save(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Phone = domain.NormalizePhone(u.Phone)
	s.users[u.ChatID] = u
	return nil
}

func (s *Store) Delete(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, chatID)
	return nil
}

func (s *Store) GetByChatID(_ context.Context, chatID int64) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[chatID]
	if !ok {
		return domain.User{}, fmt.Errorf("user by chat: %w", domain.ErrNotFound)
	}
	return u, nil
}

func (s *Store) GetByHandle(_ context.Context, handle string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Handle != "" && strings.EqualFold(u.Handle, handle) {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("user by handle: %w", domain.ErrNotFound)
}

func (s *Store) ChatIDByHandle(ctx context.Context, handle string) (int64, error) {
	u, err := s.GetByHandle(ctx, handle)
	if err != nil {
		return 0, err
	}
	return u.ChatID, nil
}

func (s *Store) IsPhoneClaimedByOther(_ context.Context, phone string, chatID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	phone = domain.NormalizePhone(phone)
	for _, u := range s.users {
		if u.Phone == phone && u.ChatID != chatID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) RefreshHandle(_ context.Context, chatID int64, handle string) error {
	if handle == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[chatID]; ok {
		u.Handle = handle
		s.users[chatID] = u
	}
	return nil
}

// Link Store

func (s *Store) CreateLink(_ context.Context, l domain.NewLink) (int64, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLink(l), nil
}

func (s *Store) insertLink(l domain.NewLink) int64 {
	s.nextLink++
	id := s.nextLink
	s.links[id] = &domain.PaymentLink{
		ID:               id,
		RecipientAccount: l.RecipientAccount,
		Amount:           l.Amount,
		BankRecipient:    l.BankRecipient,
		PayMessage:       l.PayMessage,
		Additionally:     l.Additionally,
		Disposable:       l.Disposable,
	}
	s.rowLocks[id] = &sync.Mutex{}
	return id
}

func (s *Store) GetLinkData(_ context.Context, id int64) (domain.LinkView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[id]
	if !ok {
		return domain.LinkView{}, fmt.Errorf("link %d: %w", id, domain.ErrNotFound)
	}
	a, ok := s.accountByNumber(l.RecipientAccount)
	if !ok {
		return domain.LinkView{}, fmt.Errorf("link %d: %w", id, domain.ErrNotFound)
	}
	return domain.LinkView{
		ID:               l.ID,
		RecipientAccount: l.RecipientAccount,
		Amount:           l.Amount,
		BankRecipient:    l.BankRecipient,
		PayMessage:       l.PayMessage,
		Additionally:     l.Additionally,
		OwnerName:        a.OwnerName,
		OwnerPhone:       a.Phone,
		Disposable:       l.Disposable,
		Status:           l.Status,
	}, nil
}

// Redeem holds the link's row lock across the read and the status write.
func (s *Store) Redeem(_ context.Context, id int64) (domain.Redemption, error) {
	s.mu.RLock()
	lock, ok := s.rowLocks[id]
	s.mu.RUnlock()
	if !ok {
		return domain.Redemption{}, fmt.Errorf("link %d: %w", id, domain.ErrNotFound)
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	l := *s.links[id]
	s.mu.RUnlock()

	if l.Disposable {
		if l.Status {
			return domain.Redemption{}, fmt.Errorf("link %d: %w", id, domain.ErrAlreadyConsumed)
		}
		s.mu.Lock()
		s.links[id].Status = true
		s.mu.Unlock()
	}
	return domain.Redemption{
		ID:               uuid.NewString(),
		LinkID:           id,
		RecipientAccount: l.RecipientAccount,
		Amount:           l.Amount,
		BankRecipient:    l.BankRecipient,
		PayMessage:       l.PayMessage,
		Disposable:       l.Disposable,
	}, nil
}

// Link returns a copy of the stored link.
func (s *Store) Link(id int64) (domain.PaymentLink, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[id]
	if !ok {
		return domain.PaymentLink{}, false
	}
	return *l, true
}

// Transfer Ledger

func (s *Store) RecordTransfer(_ context.Context, t domain.NewTransfer) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTransfer(t), nil
}

func (s *Store) insertTransfer(t domain.NewTransfer) int64 {
	s.nextXfer++
	s.transfers = append(s.transfers, domain.TransferView{
		ID:        s.nextXfer,
		Recipient: t.Recipient,
		Payers:    domain.JoinPayers(t.Payers),
		Amount:    t.Amount,
		Details:   t.Details,
		LinkID:    t.LinkID,
	})
	return s.nextXfer
}

func (s *Store) GetTransferByLink(_ context.Context, linkID int64) (domain.TransferView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transfers {
		if t.LinkID == linkID {
			return t, nil
		}
	}
	return domain.TransferView{}, fmt.Errorf("transfer for link %d: %w", linkID, domain.ErrNotFound)
}

func (s *Store) HasPriorTransfers(_ context.Context, a, b string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transfers {
		if (strings.EqualFold(t.Recipient, a) && domain.HasPayer(t.Payers, b)) ||
			(strings.EqualFold(t.Recipient, b) && domain.HasPayer(t.Payers, a)) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CreateLinkedTransfer(_ context.Context, l domain.NewLink, t domain.NewTransfer) (int64, int64, error) {
	if err := l.Validate(); err != nil {
		return 0, 0, err
	}
	if err := t.Validate(); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	linkID := s.insertLink(l)
	t.LinkID = linkID
	return linkID, s.insertTransfer(t), nil
}
