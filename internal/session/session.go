// Package session keeps the state of an unfinished bot conversation per chat.
package session

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindRegister    Kind = "register"
	KindSend        Kind = "send"
	KindRequest     Kind = "request"
	KindChangePhone Kind = "change_phone"
)

type Step string

const (
	StepPhone     Step = "phone"
	StepRecipient Step = "recipient"
	StepPayers    Step = "payers"
	StepAmount    Step = "amount"
	StepMessage   Step = "message"
	StepConfirm   Step = "confirm"
)

// Session is one chat's flow in progress. Ref is fixed when the flow starts
// and tags the messages it causes.
type Session struct {
	Kind      Kind            `json:"kind"`
	Step      Step            `json:"step"`
	Ref       string          `json:"ref"`
	Recipient string          `json:"recipient,omitempty"`
	Payers    []string        `json:"payers,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Details   *string         `json:"details,omitempty"`
	Phone     string          `json:"phone,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store persists sessions. Lock serializes handling of one chat; the returned
// func releases it.
type Store interface {
	Load(ctx context.Context, chatID int64) (Session, bool, error)
	Save(ctx context.Context, chatID int64, s Session) error
	Delete(ctx context.Context, chatID int64) error
	Lock(ctx context.Context, chatID int64) (func(), error)
}
