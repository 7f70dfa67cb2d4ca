package domain

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	AccountNumberLen = 20
	MaxPayMessageLen = 140
)

// amountLimit is the first value that no longer fits NUMERIC(12,2).
var amountLimit = decimal.New(1, 10)

var reHandle = regexp.MustCompile(`^@[A-Za-z0-9_]{5,}$`)

// ValidHandle reports whether s is a Telegram mention such as @alice_a.
func ValidHandle(s string) bool {
	return reHandle.MatchString(s)
}

// ValidAccountNumber reports whether s is exactly 20 ASCII digits.
func ValidAccountNumber(s string) bool {
	if len(s) != AccountNumberLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ValidateAmount requires a positive amount with at most two fractional digits.
func ValidateAmount(a decimal.Decimal) error {
	if !a.IsPositive() {
		return invalid("amount", "must be greater than zero")
	}
	if !a.Equal(a.Truncate(2)) {
		return invalid("amount", "at most two fractional digits")
	}
	if a.GreaterThanOrEqual(amountLimit) {
		return invalid("amount", "must be less than 10000000000")
	}
	return nil
}

// ParseAmount accepts "300", "300.5", "300,50".
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" || strings.ContainsAny(s, "eE+-") {
		return decimal.Decimal{}, invalid("amount", "not a number")
	}
	a, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, invalid("amount", "not a number")
	}
	if err := ValidateAmount(a); err != nil {
		return decimal.Decimal{}, err
	}
	return a, nil
}

func ValidatePayMessage(msg *string) error {
	if msg != nil && utf8.RuneCountInString(*msg) > MaxPayMessageLen {
		return invalid("pay_message", "longer than 140 characters")
	}
	return nil
}

func (l NewLink) Validate() error {
	if !ValidAccountNumber(l.RecipientAccount) {
		return invalid("account_recipient", "must be 20 digits")
	}
	if err := ValidateAmount(l.Amount); err != nil {
		return err
	}
	return ValidatePayMessage(l.PayMessage)
}

func (t NewTransfer) Validate() error {
	if strings.TrimSpace(t.Recipient) == "" {
		return invalid("recipient", "empty")
	}
	if len(t.Payers) == 0 {
		return invalid("payers", "empty")
	}
	for _, p := range t.Payers {
		if strings.TrimSpace(p) == "" || strings.Contains(p, ",") {
			return invalid("payers", "malformed handle")
		}
	}
	return ValidateAmount(t.Amount)
}

// JoinPayers renders payers in their canonical stored form.
func JoinPayers(payers []string) string {
	return strings.Join(payers, PayersSeparator)
}

func SplitPayers(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HasPayer matches handle against whole tokens of a joined payers string.
// Telegram usernames are case-insensitive, and so is the match.
func HasPayer(payers, handle string) bool {
	for _, p := range SplitPayers(payers) {
		if strings.EqualFold(p, handle) {
			return true
		}
	}
	return false
}

// NormalizePhone collapses +7XXXXXXXXXX, 7XXXXXXXXXX and 8XXXXXXXXXX to the
// 8XXXXXXXXXX form. Other inputs are returned trimmed.
func NormalizePhone(p string) string {
	p = strings.TrimSpace(p)
	switch {
	case strings.HasPrefix(p, "+7"):
		return "8" + p[2:]
	case strings.HasPrefix(p, "7") && len(p) == 11:
		return "8" + p[1:]
	}
	return p
}

// ValidPhone accepts the canonical 8XXXXXXXXXX form after normalization.
func ValidPhone(p string) bool {
	p = NormalizePhone(p)
	if len(p) != 11 || p[0] != '8' {
		return false
	}
	for i := 1; i < len(p); i++ {
		if p[i] < '0' || p[i] > '9' {
			return false
		}
	}
	return true
}
