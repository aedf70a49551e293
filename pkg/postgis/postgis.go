// Package postgis runs the FlatGeobuf conversion and the task spatial join
// inside a PostGIS database. Every call borrows one connection from the pool
// and returns it before the call ends.
package postgis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fmtmgo/pkg/errdefs"
)

// DB wraps the PostGIS connection pool.
type DB struct {
	*sql.DB
	logger *slog.Logger
}

// Open connects to PostGIS and checks that the extension is installed.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgis: %w", err)
	}
	db := &DB{DB: conn, logger: logger}

	var version string
	err = db.withConn(ctx, func(c *sql.Conn) error {
		return c.QueryRowContext(ctx, "SELECT postgis_lib_version()").Scan(&version)
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("Connected to PostGIS", "version", version)
	return db, nil
}

// withConn runs fn on a single pooled connection, released on every path.
func (db *DB) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return external("failed to acquire connection", err)
	}
	defer conn.Close()
	return fn(conn)
}

// external marks database failures as retryable by the caller. Cancelled
// and timed out contexts keep their own error.
func external(msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%w: %s: %w", errdefs.ErrExternal, msg, err)
}

// pgCode returns the SQLSTATE of a PostgreSQL error, or "".
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
