package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMockWrapper(t *testing.T, settings Settings) (*SQLWrapper, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLWrapper(sqlx.NewDb(db, "postgres"), settings, zaptest.NewLogger(t)), mock
}

func TestSQLWrapperOperations(t *testing.T) {
	wrapper, mock := newMockWrapper(t, Settings{})
	ctx := context.Background()
	assert.Equal(t, "postgres", wrapper.DriverName())

	mock.ExpectPing()
	require.NoError(t, wrapper.PingContext(ctx))

	mock.ExpectQuery(`SELECT payload FROM kv WHERE session_key = \$1`).
		WithArgs("tasks:s1").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(`{}`)))

	var payload []byte
	require.NoError(t, wrapper.GetContext(ctx, &payload, wrapper.Rebind("SELECT payload FROM kv WHERE session_key = ?"), "tasks:s1"))
	assert.Equal(t, "{}", string(payload))

	mock.ExpectExec("DELETE FROM kv").
		WithArgs("tasks:s1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := wrapper.ExecContext(ctx, wrapper.Rebind("DELETE FROM kv WHERE session_key = ?"), "tasks:s1")
	require.NoError(t, err)
	affected, _ := result.RowsAffected()
	assert.Equal(t, int64(1), affected)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLWrapperNoRowsDoesNotTrip(t *testing.T) {
	wrapper, mock := newMockWrapper(t, Settings{FailureThreshold: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mock.ExpectQuery("SELECT payload FROM kv").WillReturnError(sql.ErrNoRows)
		var payload []byte
		err := wrapper.GetContext(ctx, &payload, "SELECT payload FROM kv WHERE session_key = $1", "missing")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	}
	assert.False(t, wrapper.IsOpen())
}

func TestSQLWrapperTripsOnFailures(t *testing.T) {
	wrapper, mock := newMockWrapper(t, Settings{FailureThreshold: 2})
	ctx := context.Background()
	const insert = "INSERT INTO kv (session_key, payload) VALUES ($1, $2)"

	for i := 0; i < 2; i++ {
		mock.ExpectExec("INSERT INTO kv").WillReturnError(errors.New("connection reset"))
		_, err := wrapper.ExecContext(ctx, insert, "k", "v")
		assert.Error(t, err)
	}
	require.True(t, wrapper.IsOpen())

	// Fails fast without reaching the database
	_, err := wrapper.ExecContext(ctx, insert, "k", "v")
	assert.ErrorIs(t, err, ErrOpen)
	assert.NoError(t, mock.ExpectationsWereMet())
}
