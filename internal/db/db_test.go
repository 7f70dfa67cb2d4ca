package db

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	dir := Migrations()
	files, err := fs.Glob(dir, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	var all strings.Builder
	for _, f := range files {
		b, err := fs.ReadFile(dir, f)
		require.NoError(t, err)
		assert.NotEmpty(t, strings.TrimSpace(string(b)), f)
		all.Write(b)
	}

	for _, table := range []string{"accounts", "users", "links", "transfers", "transfer_participants"} {
		assert.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"0001_a.sql": {Data: []byte("CREATE TABLE a (id int);")},
		"0002_b.sql": {Data: []byte("CREATE TABLE b (id int);")},
		"README.md":  {Data: []byte("not a migration")},
	}
}

func TestApplyMigrations_SkipsRecordedFiles(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs(int64(migrationLock)).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs("0001_a.sql").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs(int64(migrationLock)).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs("0002_b.sql").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`CREATE TABLE b`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCommit()

	require.NoError(t, ApplyMigrations(context.Background(), mock, testMigrations()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMigrations_FailureNamesFile(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs("0001_a.sql").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`CREATE TABLE a`).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err = ApplyMigrations(context.Background(), mock, testMigrations())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0001_a.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}
