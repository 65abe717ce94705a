package tiers

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockPersistentTier(t *testing.T) (*PersistentTier, sqlmock.Sqlmock) {
	t.Helper()
	rawDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { rawDB.Close() })

	mock.ExpectExec(`CREATE TABLE`).WillReturnResult(sqlmock.NewResult(0, 0))

	db := sqlx.NewDb(rawDB, "sqlmock")
	pt, err := NewPersistentTier(context.Background(), PersistentTierConfig{DB: db})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	return pt, mock
}

func TestPersistentTier_SetComponent_Upsert(t *testing.T) {
	pt, mock := newMockPersistentTier(t)

	mock.ExpectExec(`INSERT INTO components`).
		WithArgs("react", "button", "export const Button", "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"", int64(0), sqlmock.AnyArg(), int64(3600)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := pt.Set(context.Background(), "component:react:button", Value{Component: &Component{
		Framework: "react", Name: "button", SourceCode: "export const Button",
	}}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistentTier_GetComponent_ExpiredRowDeleted(t *testing.T) {
	pt, mock := newMockPersistentTier(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"framework", "name", "source_code", "demo_code", "metadata", "dependencies",
		"registry_dependencies", "github_sha", "file_size", "last_modified",
		"cached_at", "accessed_at", "access_count", "ttl_seconds", "age_seconds",
	}).AddRow("react", "button", "old code", "", []byte("{}"), "{}", "{}", "", int64(10), nil,
		now.Add(-2*time.Hour), now.Add(-2*time.Hour), int64(1), int64(60), int64(7200))

	mock.ExpectQuery(`SELECT \*, EXTRACT\(EPOCH FROM now\(\) - cached_at\)`).
		WithArgs("react", "button").
		WillReturnRows(rows)
	mock.ExpectExec(`DELETE FROM components`).
		WithArgs("react", "button").
		WillReturnResult(sqlmock.NewResult(0, 1))

	val, _, found, err := pt.Get(context.Background(), "component:react:button")
	require.NoError(t, err)
	require.False(t, found)
	require.True(t, val.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistentTier_GetComponent_Hit(t *testing.T) {
	pt, mock := newMockPersistentTier(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"framework", "name", "source_code", "demo_code", "metadata", "dependencies",
		"registry_dependencies", "github_sha", "file_size", "last_modified",
		"cached_at", "accessed_at", "access_count", "ttl_seconds", "age_seconds",
	}).AddRow("react", "card", "export const Card", "", []byte("{}"), "{}", "{}", "sha1", int64(42), nil,
		now.Add(-time.Minute), now.Add(-time.Minute), int64(4), int64(3600), int64(60))

	mock.ExpectQuery(`SELECT \*, EXTRACT\(EPOCH FROM now\(\) - cached_at\)`).
		WithArgs("react", "card").
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE components SET accessed_at`).
		WithArgs("react", "card").
		WillReturnResult(sqlmock.NewResult(0, 1))

	val, meta, found, err := pt.Get(context.Background(), "component:react:card")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, val.Component)
	require.Equal(t, "export const Card", val.Component.SourceCode)
	require.Equal(t, int64(5), meta.AccessCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistentTier_Delete(t *testing.T) {
	pt, mock := newMockPersistentTier(t)

	mock.ExpectExec(`DELETE FROM components`).WithArgs("react", "button").WillReturnResult(sqlmock.NewResult(0, 1))

	err := pt.Delete(context.Background(), "component:react:button")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistentTier_EnforceMaxSize_EvictsOldestUntilUnderBudget(t *testing.T) {
	pt, mock := newMockPersistentTier(t)
	pt.maxBytes = 500

	now := time.Now()
	mock.ExpectQuery(`SELECT\s+COALESCE\(\(SELECT SUM\(file_size\)`).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(int64(600)))

	mock.ExpectQuery(`SELECT framework, name, file_size, accessed_at FROM components`).
		WillReturnRows(sqlmock.NewRows([]string{"framework", "name", "file_size", "accessed_at"}).
			AddRow("react", "card", int64(300), now.Add(-time.Minute)))
	mock.ExpectQuery(`SELECT framework, name, total_size, accessed_at FROM blocks`).
		WillReturnRows(sqlmock.NewRows([]string{"framework", "name", "total_size", "accessed_at"}).
			AddRow("react", "hero", int64(200), now.Add(-time.Hour)))
	mock.ExpectQuery(`SELECT key, size, accessed_at FROM generic_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "size", "accessed_at"}).
			AddRow("metadata:styles", int64(100), now))

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM blocks WHERE framework=\$1 AND name=\$2`).
		WithArgs("react", "hero").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	evicted, err := pt.EnforceMaxSize(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), evicted, "oldest-accessed row alone frees enough bytes, eviction should stop there")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistentTier_Clear_Transactional(t *testing.T) {
	pt, mock := newMockPersistentTier(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM components`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM blocks`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM generic_entries`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := pt.Clear(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
