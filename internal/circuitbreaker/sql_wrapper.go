package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// SQLWrapper routes the queries the session store uses through a breaker
type SQLWrapper struct {
	db *sqlx.DB
	cb *Breaker
}

// NewSQLWrapper creates a database wrapper registered with the Default
// registry. The breaker is named after the driver so postgres and sqlite
// report separately.
func NewSQLWrapper(db *sqlx.DB, settings Settings, logger *zap.Logger) *SQLWrapper {
	cb := New(db.DriverName(), StoreService, settings.Merge(StoreSettings()), logger)
	Default.Register(cb)
	return &SQLWrapper{db: db, cb: cb}
}

// PingContext checks the connection
func (sw *SQLWrapper) PingContext(ctx context.Context) error {
	return sw.cb.Do(ctx, sw.db.PingContext)
}

// GetContext scans a single row into dest. sql.ErrNoRows reaches the caller
// but is not a breaker failure.
func (sw *SQLWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var queryErr error
	err := sw.cb.Do(ctx, func(ctx context.Context) error {
		queryErr = sw.db.GetContext(ctx, dest, query, args...)
		if errors.Is(queryErr, sql.ErrNoRows) {
			return nil
		}
		return queryErr
	})
	if err != nil {
		return err
	}
	return queryErr
}

// ExecContext runs a statement
func (sw *SQLWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := sw.cb.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = sw.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Rebind converts '?' placeholders into the driver's bindvar style
func (sw *SQLWrapper) Rebind(query string) string {
	return sw.db.Rebind(query)
}

// DriverName returns the name of the wrapped driver
func (sw *SQLWrapper) DriverName() string {
	return sw.db.DriverName()
}

// Close closes the underlying database
func (sw *SQLWrapper) Close() error {
	return sw.db.Close()
}

// IsOpen reports whether the breaker is rejecting calls
func (sw *SQLWrapper) IsOpen() bool {
	return sw.cb.State() == StateOpen
}
