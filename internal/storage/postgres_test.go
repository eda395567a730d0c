package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/tenant"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
)

// GORM adds ORDER BY / LIMIT / RETURNING clauses that make exact matching brittle,
// so these tests use sqlmock.QueryMatcherRegexp with partial patterns.

const (
	testAccountID = "acct-test-123"
	testRunID     = "run-abc-456"
)

// AnyTime matches any time.Time argument
type AnyTime struct{}

// Match satisfies sqlmock.Argument interface
func (a AnyTime) Match(v driver.Value) bool {
	_, ok := v.(time.Time)
	return ok
}

func newTestRepo(t *testing.T) (*PostgresRepo, sqlmock.Sqlmock) {
	logger.Log = zaptest.NewLogger(t).Named("test")

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{
		Logger:                 gormLogger.Default.LogMode(gormLogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	return NewPostgresRepoFromDB(gormDB), mock
}

func accountContext() context.Context {
	return tenant.WithAccountID(context.Background(), testAccountID)
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"insufficient resources", &pgconn.PgError{Code: "53300"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"connection refused text", errors.New("dial tcp: connection refused"), true},
		{"plain error", errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransientError(tt.err))
		})
	}
}

func TestCheckConstraintViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", gorm.ErrRecordNotFound, apperrors.ErrNotFound},
		{"unique", &pgconn.PgError{Code: "23505", ConstraintName: "idx_calls_account_external"}, apperrors.ErrDuplicate},
		{"foreign key", &pgconn.PgError{Code: "23503"}, apperrors.ErrBadRequest},
		{"not null", &pgconn.PgError{Code: "23502", ColumnName: "account_id"}, apperrors.ErrBadRequest},
		{"truncation", &pgconn.PgError{Code: "22001"}, apperrors.ErrBadRequest},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, apperrors.ErrDatabase},
		{"connection", &pgconn.PgError{Code: "08000"}, apperrors.ErrDatabase},
		{"other pg", &pgconn.PgError{Code: "42P01"}, apperrors.ErrDatabase},
		{"generic", errors.New("boom"), apperrors.ErrDatabase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := checkConstraintViolation(tt.err)
			assert.ErrorIs(t, got, tt.want)
		})
	}
	assert.NoError(t, checkConstraintViolation(nil))
}

func TestPostgresRepo_CallExists(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "calls" WHERE account_id = \$1 AND external_call_id = \$2`).
		WithArgs(testAccountID, "call-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	exists, err := repo.CallExists(accountContext(), testAccountID, "call-1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_InsertCall(t *testing.T) {
	repo, mock := newTestRepo(t)

	call := &model.CallRecord{
		AccountID:       testAccountID,
		ExternalCallID:  "call-1",
		Direction:       model.CallDirectionInbound,
		DurationSeconds: 42,
		Cost:            decimal.RequireFromString("1.25"),
		StartedAt:       time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Tags:            []string{"lead"},
	}

	mock.ExpectQuery(`INSERT INTO "calls"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	err := repo.InsertCall(accountContext(), call)
	require.NoError(t, err)
	assert.Equal(t, int64(7), call.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_InsertCall_UniqueViolationIsDuplicate(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery(`INSERT INTO "calls"`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_calls_account_external"})

	err := repo.InsertCall(accountContext(), &model.CallRecord{
		AccountID:      testAccountID,
		ExternalCallID: "call-dup",
		Direction:      model.CallDirectionOutbound,
		StartedAt:      time.Now().UTC(),
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsDuplicateError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_InsertCall_RejectsOtherAccount(t *testing.T) {
	repo, mock := newTestRepo(t)

	err := repo.InsertCall(accountContext(), &model.CallRecord{AccountID: "acct-other", ExternalCallID: "call-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_ListCallExternalIDs(t *testing.T) {
	repo, mock := newTestRepo(t)

	window := model.DateRange{
		Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
	}
	mock.ExpectQuery(`SELECT "external_call_id" FROM "calls" WHERE account_id = \$1 AND started_at >= \$2 AND started_at <= \$3`).
		WithArgs(testAccountID, window.Start, window.End).
		WillReturnRows(sqlmock.NewRows([]string{"external_call_id"}).AddRow("call-1").AddRow("call-2"))

	ids, err := repo.ListCallExternalIDs(accountContext(), testAccountID, window)
	require.NoError(t, err)
	assert.Equal(t, []string{"call-1", "call-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_GetBilling_NotFound(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery(`SELECT \* FROM "account_billing" WHERE account_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}))

	billing, err := repo.GetBilling(accountContext(), "acct-missing")
	assert.Nil(t, billing)
	assert.True(t, apperrors.IsNotFoundError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_UpdateTokens(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).UTC()

	t.Run("writes when version matches", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectExec(`UPDATE "provider_credentials" SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		cred, err := repo.UpdateTokens(accountContext(), testAccountID, "access-2", "refresh-2", expiresAt, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(4), cred.Version)
		assert.Equal(t, "access-2", cred.AccessToken)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version is a conflict", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectExec(`UPDATE "provider_credentials" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		cred, err := repo.UpdateTokens(accountContext(), testAccountID, "access-2", "refresh-2", expiresAt, 3)
		assert.Nil(t, cred)
		assert.True(t, apperrors.IsConflictError(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRepo_CompleteRun(t *testing.T) {
	startedAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	columns := []string{"id", "account_id", "kind", "status", "started_at"}

	t.Run("completes an in-progress run", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM "sync_runs" WHERE id = \$1`).
			WillReturnRows(sqlmock.NewRows(columns).AddRow(testRunID, testAccountID, "manual", "in_progress", startedAt))
		mock.ExpectExec(`UPDATE "sync_runs" SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		run, err := repo.CompleteRun(accountContext(), testRunID, model.RunCompletion{
			Status:      model.RunStatusSuccess,
			CompletedAt: startedAt.Add(1500 * time.Millisecond),
			ProcessingSummary: model.ProcessingSummary{
				Saved: 3,
			},
		})
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusSuccess, run.Status)
		assert.Equal(t, int64(1500), run.DurationMs)
		assert.Equal(t, 3, run.ProcessingSummary.Saved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second completion is a conflict", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM "sync_runs" WHERE id = \$1`).
			WillReturnRows(sqlmock.NewRows(columns).AddRow(testRunID, testAccountID, "manual", "success", startedAt))
		mock.ExpectRollback()

		run, err := repo.CompleteRun(accountContext(), testRunID, model.RunCompletion{
			Status:      model.RunStatusFailed,
			CompletedAt: startedAt.Add(time.Second),
		})
		assert.Nil(t, run)
		assert.True(t, apperrors.IsConflictError(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRepo_LastSuccessfulRun_NotFound(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery(`SELECT \* FROM "sync_runs" WHERE account_id = \$1 AND kind = \$2 AND status = \$3`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	run, err := repo.LastSuccessfulRun(accountContext(), testAccountID, model.SyncKindAuto)
	assert.Nil(t, run)
	assert.True(t, apperrors.IsNotFoundError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_PurgeRunsOlderThan(t *testing.T) {
	repo, mock := newTestRepo(t)

	cutoff := time.Now().Add(-90 * 24 * time.Hour)
	mock.ExpectExec(`DELETE FROM "sync_runs" WHERE started_at < \$1`).
		WithArgs(AnyTime{}).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := repo.PurgeRunsOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
