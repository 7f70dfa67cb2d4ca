package repo

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/jackc/pgx/v5"

	"github.com/Klumaks/Link2Pay/internal/domain"
)

// Accounts is the Account Directory: one account per normalized phone.
type Accounts struct {
	pool      DB
	newNumber func() (string, error)
}

func NewAccounts(p DB) *Accounts { return &Accounts{pool: p, newNumber: randomAccountNumber} }

func (r *Accounts) FindByPhone(ctx context.Context, phone string) (string, error) {
	var acc string
	err := r.pool.QueryRow(ctx, `SELECT account FROM accounts WHERE phone = $1`, domain.NormalizePhone(phone)).Scan(&acc)
	if err != nil {
		return "", classify("account by phone", err)
	}
	return acc, nil
}

// Create inserts a fresh account for phone. If the phone already has one, the
// existing account is returned.
func (r *Accounts) Create(ctx context.Context, phone, ownerName string) (string, error) {
	phone = domain.NormalizePhone(phone)
	if !domain.ValidPhone(phone) {
		return "", &domain.ValidationError{Field: "phone", Reason: "expected +7XXXXXXXXXX or 8XXXXXXXXXX"}
	}
	number, err := r.newNumber()
	if err != nil {
		return "", err
	}

	var acc string
	err = r.pool.QueryRow(ctx, `
		INSERT INTO accounts(account, phone, owner_name)
		VALUES($1, $2, $3)
		ON CONFLICT (phone) DO NOTHING
		RETURNING account
	`, number, phone, ownerName).Scan(&acc)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.FindByPhone(ctx, phone)
	}
	if err != nil {
		return "", domain.StoreError("create account", err)
	}
	return acc, nil
}

// Register returns the phone's account, creating it on a miss.
func (r *Accounts) Register(ctx context.Context, phone, ownerName string) (string, error) {
	acc, err := r.FindByPhone(ctx, phone)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	return r.Create(ctx, phone, ownerName)
}

func randomAccountNumber() (string, error) {
	buf := make([]byte, domain.AccountNumberLen)
	ten := big.NewInt(10)
	for i := range buf {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		buf[i] = byte('0' + d.Int64())
	}
	return string(buf), nil
}
