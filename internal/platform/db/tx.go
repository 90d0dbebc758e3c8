package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	dbConnKey contextKey = "db_conn"
	dbTxKey   contextKey = "db_tx"
)

// Queryable is satisfied by *pgxpool.Pool, *pgxpool.Conn, and pgx.Tx, letting
// repositories run the same SQL whether or not a transaction is active.
type Queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// WithConn stores an acquired pool connection in the context so that a
// request-scoped transaction can later be started against it.
func WithConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, dbConnKey, conn)
}

// ConnFromContext retrieves the connection stored by WithConn, if any.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(dbConnKey).(*pgxpool.Conn)
	return conn
}

// WithTx starts a transaction on the connection in context and returns a new
// context carrying it. The caller must commit or rollback the returned tx.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, fmt.Errorf("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, dbTxKey, tx), tx, nil
}

// TxFromContext retrieves the active transaction from context, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(dbTxKey).(pgx.Tx)
	return tx
}
