package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayersSeparator joins payer handles in Transfer.Payers.
const PayersSeparator = ", "

type Account struct {
	Number    string
	Phone     string
	OwnerName string
	Bank      string
	CreatedAt time.Time
}

type User struct {
	ChatID int64
	Handle string
	Name   string
	Phone  string
}

// NewLink is the input of Link Store creation.
type NewLink struct {
	RecipientAccount string
	Amount           decimal.Decimal
	BankRecipient    string
	PayMessage       *string
	Additionally     *string
	Disposable       bool
}

type PaymentLink struct {
	ID               int64
	RecipientAccount string
	Amount           decimal.Decimal
	BankRecipient    string
	PayMessage       *string
	Additionally     *string
	Disposable       bool
	Status           bool
	CreatedAt        time.Time
}

// LinkView is a link joined with its recipient account.
type LinkView struct {
	ID               int64           `json:"id"`
	RecipientAccount string          `json:"account_recipient"`
	Amount           decimal.Decimal `json:"amount"`
	BankRecipient    string          `json:"bank_recipient"`
	PayMessage       *string         `json:"pay_message"`
	Additionally     *string         `json:"additionally"`
	OwnerName        string          `json:"pam"`
	OwnerPhone       string          `json:"phone_number"`
	Disposable       bool            `json:"disposable"`
	Status           bool            `json:"status"`
}

// Redemption is the snapshot of a link taken under its row lock, before the
// status flip. ID identifies this redemption event.
type Redemption struct {
	ID               string          `json:"redemption_id"`
	LinkID           int64           `json:"link_id"`
	RecipientAccount string          `json:"account_recipient"`
	Amount           decimal.Decimal `json:"amount"`
	BankRecipient    string          `json:"bank_recipient"`
	PayMessage       *string         `json:"pay_message"`
	Disposable       bool            `json:"disposable"`
}

type NewTransfer struct {
	Recipient string
	Payers    []string
	Amount    decimal.Decimal
	Details   *string
	LinkID    int64
}

type TransferView struct {
	ID        int64           `json:"id"`
	Recipient string          `json:"recipient"`
	Payers    string          `json:"payers"`
	Amount    decimal.Decimal `json:"amount"`
	Details   *string         `json:"details"`
	LinkID    int64           `json:"link_id"`
}

// PayerList returns the ordered payer handles.
func (t TransferView) PayerList() []string {
	return SplitPayers(t.Payers)
}

// Participant roles in transfer_participants.
const (
	RoleRecipient = "recipient"
	RolePayer     = "payer"
)
