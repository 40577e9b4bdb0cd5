package database

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/demandcast/demandcast-go/internal/telemetry"
)

// maxTracedStatementLen bounds the db.statement attribute so span payloads
// stay small even for wide inserts.
const maxTracedStatementLen = 512

// TracedDB wraps a pgx pool and records one client span per database
// operation. It satisfies DatabasePool, so repositories take it unchanged.
type TracedDB struct {
	Pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewTracedDB wraps pool with the database tracer.
func NewTracedDB(pool *pgxpool.Pool) *TracedDB {
	return &TracedDB{
		Pool:   pool,
		tracer: telemetry.GetDatabaseTracer(),
	}
}

func (db *TracedDB) startSpan(ctx context.Context, name, sql string) (context.Context, trace.Span) {
	return db.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.statement", truncateStatement(sql)),
		),
	)
}

// Query executes a query that returns rows.
func (db *TracedDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := db.startSpan(ctx, "db.query", sql)
	defer span.End()

	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rows, err
}

// QueryRow executes a query that is expected to return at most one row. The
// span stays open until Scan runs because pgx defers execution until then.
func (db *TracedDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span := db.startSpan(ctx, "db.query_row", sql)
	return &tracedRow{row: db.Pool.QueryRow(ctx, sql, args...), span: span}
}

// Exec executes a query without returning rows.
func (db *TracedDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span := db.startSpan(ctx, "db.exec", sql)
	defer span.End()

	tag, err := db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return tag, err
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", tag.RowsAffected()))
	return tag, nil
}

// Begin starts a transaction whose statements are traced like pool calls.
func (db *TracedDB) Begin(ctx context.Context) (pgx.Tx, error) {
	ctx, span := db.startSpan(ctx, "db.begin", "BEGIN")
	defer span.End()

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return &TracedTx{Tx: tx, tracer: db.tracer}, nil
}

type tracedRow struct {
	row  pgx.Row
	span trace.Span
}

func (r *tracedRow) Scan(dest ...interface{}) error {
	defer r.span.End()

	err := r.row.Scan(dest...)
	// ErrNoRows is an expected outcome for lookups, not a failure.
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// TracedTx wraps a database transaction. It implements pgx.Tx so nested
// code cannot tell it apart from the raw transaction.
type TracedTx struct {
	Tx     pgx.Tx
	tracer trace.Tracer
}

func (tx *TracedTx) startSpan(ctx context.Context, name, sql string) (context.Context, trace.Span) {
	return tx.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.statement", truncateStatement(sql)),
		),
	)
}

// Query executes a query within the transaction.
func (tx *TracedTx) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := tx.startSpan(ctx, "db.tx.query", sql)
	defer span.End()

	rows, err := tx.Tx.Query(ctx, sql, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rows, err
}

// QueryRow executes a query that returns a single row within the transaction.
func (tx *TracedTx) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span := tx.startSpan(ctx, "db.tx.query_row", sql)
	return &tracedRow{row: tx.Tx.QueryRow(ctx, sql, args...), span: span}
}

// Exec executes a query without returning rows within the transaction.
func (tx *TracedTx) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span := tx.startSpan(ctx, "db.tx.exec", sql)
	defer span.End()

	tag, err := tx.Tx.Exec(ctx, sql, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return tag, err
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", tag.RowsAffected()))
	return tag, nil
}

// Commit commits the transaction.
func (tx *TracedTx) Commit(ctx context.Context) error {
	ctx, span := tx.startSpan(ctx, "db.tx.commit", "COMMIT")
	defer span.End()

	err := tx.Tx.Commit(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Rollback rolls back the transaction. Rollback after a successful Commit is
// the usual defer pattern, so ErrTxClosed is not recorded as a failure.
func (tx *TracedTx) Rollback(ctx context.Context) error {
	ctx, span := tx.startSpan(ctx, "db.tx.rollback", "ROLLBACK")
	defer span.End()

	err := tx.Tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Begin starts a nested transaction.
func (tx *TracedTx) Begin(ctx context.Context) (pgx.Tx, error) {
	nested, err := tx.Tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &TracedTx{Tx: nested, tracer: tx.tracer}, nil
}

// Conn returns the underlying connection.
func (tx *TracedTx) Conn() *pgx.Conn {
	return tx.Tx.Conn()
}

// CopyFrom copies bulk data into a table within the transaction.
func (tx *TracedTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	ctx, span := tx.startSpan(ctx, "db.tx.copy_from", "COPY "+tableName.Sanitize())
	defer span.End()

	rowsAffected, err := tx.Tx.CopyFrom(ctx, tableName, columnNames, rowSrc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rowsAffected, err
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", rowsAffected))
	return rowsAffected, nil
}

// LargeObjects returns the large object manager.
func (tx *TracedTx) LargeObjects() pgx.LargeObjects {
	return tx.Tx.LargeObjects()
}

// Prepare prepares a statement within the transaction.
func (tx *TracedTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return tx.Tx.Prepare(ctx, name, sql)
}

// SendBatch sends a batch of queries within the transaction.
func (tx *TracedTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return tx.Tx.SendBatch(ctx, b)
}

// RecordDatabaseError marks the active span, if any, with a database error.
func RecordDatabaseError(ctx context.Context, err error, operation string) {
	span := trace.SpanFromContext(ctx)
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err, trace.WithAttributes(attribute.String("db.operation", operation)))
	span.SetStatus(codes.Error, err.Error())
}

// AddDatabaseSpanAttributes annotates the active span with the touched table
// and affected row count.
func AddDatabaseSpanAttributes(ctx context.Context, table string, rowsAffected int64) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String("db.table", table),
		attribute.Int64("db.rows_affected", rowsAffected),
	)
}

func truncateStatement(sql string) string {
	sql = strings.Join(strings.Fields(sql), " ")
	if len(sql) > maxTracedStatementLen {
		return sql[:maxTracedStatementLen]
	}
	return sql
}
