package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klumaks/Link2Pay/internal/domain"
)

const testAccount = "12345678901234567890"

func strPtr(s string) *string { return &s }

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func lunchLink() domain.NewLink {
	return domain.NewLink{
		RecipientAccount: testAccount,
		Amount:           decimal.RequireFromString("100.00"),
		BankRecipient:    "bank1",
		PayMessage:       strPtr("lunch"),
		Disposable:       true,
	}
}

func redeemRow(disposable, status bool) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"account_recipient", "amount", "bank_recipient", "pay_message", "disposable", "status"}).
		AddRow(testAccount, "100.00", "bank1", strPtr("lunch"), disposable, status)
}

func TestCreateLink_InsertsUnconsumed(t *testing.T) {
	mock := newMock(t)
	links := NewLinks(mock)

	mock.ExpectQuery(`(?s)INSERT INTO links.*VALUES\(\$1, \$2::numeric, \$3, \$4, \$5, \$6, FALSE\)`).
		WithArgs(testAccount, "100", "bank1", pgxmock.AnyArg(), pgxmock.AnyArg(), true).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := links.CreateLink(context.Background(), lunchLink())
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateLink_ValidationNeverReachesStore(t *testing.T) {
	mock := newMock(t)
	links := NewLinks(mock)

	l := lunchLink()
	l.Amount = decimal.Zero
	_, err := links.CreateLink(context.Background(), l)
	assert.True(t, domain.IsValidation(err))

	l = lunchLink()
	l.RecipientAccount = "123"
	_, err = links.CreateLink(context.Background(), l)
	assert.True(t, domain.IsValidation(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLinkData_JoinsAccount(t *testing.T) {
	mock := newMock(t)
	links := NewLinks(mock)

	mock.ExpectQuery(`(?s)FROM links l\s+JOIN accounts a ON a.account = l.account_recipient\s+WHERE l.id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "account_recipient", "amount", "bank_recipient", "pay_message", "additionally", "owner_name", "phone", "disposable", "status"}).
			AddRow(int64(7), testAccount, "100.00", "bank1", strPtr("lunch"), nil, "Alice", "89991234567", true, false))

	v, err := links.GetLinkData(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, testAccount, v.RecipientAccount)
	assert.True(t, v.Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "Alice", v.OwnerName)
	assert.Equal(t, "89991234567", v.OwnerPhone)
	require.NotNil(t, v.PayMessage)
	assert.Equal(t, "lunch", *v.PayMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLinkData_NotFound(t *testing.T) {
	mock := newMock(t)
	links := NewLinks(mock)

	mock.ExpectQuery(`JOIN accounts`).WithArgs(int64(8)).WillReturnError(pgx.ErrNoRows)

	_, err := links.GetLinkData(context.Background(), 8)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLinkData_StoreFailure(t *testing.T) {
	mock := newMock(t)
	links := NewLinks(mock)

	mock.ExpectQuery(`JOIN accounts`).WithArgs(int64(8)).WillReturnError(errors.New("conn reset"))

	_, err := links.GetLinkData(context.Background(), 8)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestRedeem_DisposableFlipsStatusUnderLock(t *testing.T) {
	mock := newMock(t)
	links := NewLinks(mock)
	links.newID = func() string { return "r-1" }

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)FROM links\s+WHERE id = \$1\s+FOR UPDATE`).WithArgs(int64(7)).WillReturnRows(redeemRow(true, false))
	mock.ExpectExec(`UPDATE links SET status = TRUE WHERE id = \$1`).WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	red, err := links.Redeem(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "r-1", red.ID)
	assert.Equal(t, int64(7), red.LinkID)
	assert.True(t, red.Disposable)
	assert.True(t, red.Amount.Equal(decimal.NewFromInt(100)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeem_ConsumedDisposableRejected(t *testing.T) {
	mock := newMock(t)
	links := NewLinks(mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(int64(7)).WillReturnRows(redeemRow(true, true))
	mock.ExpectRollback()

	_, err := links.Redeem(context.Background(), 7)
	assert.ErrorIs(t, err, domain.ErrAlreadyConsumed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeem_ReusableNeverWrites(t *testing.T) {
	mock := newMock(t)
	links := NewLinks(mock)

	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).WithArgs(int64(9)).WillReturnRows(redeemRow(false, false))
		mock.ExpectCommit()
	}

	for i := 0; i < 3; i++ {
		red, err := links.Redeem(context.Background(), 9)
		require.NoError(t, err)
		assert.False(t, red.Disposable)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeem_MissingLink(t *testing.T) {
	mock := newMock(t)
	links := NewLinks(mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(int64(404)).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := links.Redeem(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NotErrorIs(t, err, domain.ErrAlreadyConsumed)
}

func TestRedeem_BeginFailure(t *testing.T) {
	mock := newMock(t)
	links := NewLinks(mock)

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	_, err := links.Redeem(context.Background(), 7)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}
