package userstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const backendPostgres = "postgres"

// PostgresMirror writes presence into the is_online and last_seen columns of an
// existing users table. The table is owned by the CRUD backend; rows are never
// inserted here.
type PostgresMirror struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// PostgresOption configures PostgresMirror.
type PostgresOption func(*PostgresMirror) error

// WithSchema sets the schema holding the users table (default: "public").
func WithSchema(schema string) PostgresOption {
	return func(m *PostgresMirror) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		m.schema = schema
		return nil
	}
}

// WithTable sets the users table name (default: "users").
func WithTable(table string) PostgresOption {
	return func(m *PostgresMirror) error {
		table = strings.TrimSpace(table)
		if table == "" {
			return ErrInvalidInput
		}
		m.table = table
		return nil
	}
}

// NewPostgresMirror constructs a PostgresMirror. The pool stays owned by the caller.
func NewPostgresMirror(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresMirror, error) {
	m := &PostgresMirror{pool: pool, schema: "public", table: "users"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.pool == nil {
		return nil, ErrInvalidInput
	}
	return m, nil
}

func (m *PostgresMirror) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}
	users := m.ident()

	tag, err := m.pool.Exec(ctx,
		`UPDATE `+users+`
		    SET is_online = $2,
		        last_seen = $3
		  WHERE id = $1
		    AND (last_seen IS NULL OR last_seen <= $3)`,
		userID, online, lastSeen.UTC(),
	)
	if err != nil {
		return opErr(backendPostgres, "set_presence", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Either the user does not exist or a fresher write already landed.
	var exists bool
	err = m.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+users+` WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return opErr(backendPostgres, "set_presence", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (m *PostgresMirror) GetPresence(ctx context.Context, userID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Record{}, ErrInvalidInput
	}

	var (
		online   bool
		lastSeen *time.Time
	)
	err := m.pool.QueryRow(ctx,
		`SELECT COALESCE(is_online, false), last_seen
		   FROM `+m.ident()+`
		  WHERE id = $1`,
		userID,
	).Scan(&online, &lastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, opErr(backendPostgres, "get_presence", err)
	}

	rec := Record{UserID: userID, Online: online}
	if lastSeen != nil {
		rec.LastSeen = lastSeen.UTC()
	}
	return rec, nil
}

func (m *PostgresMirror) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := m.pool.Query(ctx,
		`UPDATE `+m.ident()+`
		    SET is_online = false
		  WHERE is_online = true
		    AND (last_seen IS NULL OR last_seen < $1)
		RETURNING id::text`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, opErr(backendPostgres, "mark_stale_offline", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, opErr(backendPostgres, "mark_stale_offline", err)
	}
	return ids, nil
}

func (m *PostgresMirror) Ping(ctx context.Context) error {
	return opErr(backendPostgres, "ping", m.pool.Ping(ctx))
}

// Close is a no-op; the pool belongs to the caller.
func (m *PostgresMirror) Close() error { return nil }

func (m *PostgresMirror) ident() string {
	return pgx.Identifier{m.schema, m.table}.Sanitize()
}
