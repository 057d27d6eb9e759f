// Package catalog resolves source table identifiers into display names and
// ordered column lists by querying the source database catalog. Lookups are
// cached for the process lifetime; failures are not cached, so a later call
// retries the query.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2snow/internal/types"
)

const (
	tableNameQuery = `SELECT cast($1::regclass as text)`

	columnsQuery = `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = (SELECT nspname FROM pg_namespace WHERE oid = (SELECT relnamespace FROM pg_class WHERE oid = $1))
		  AND table_name = (SELECT relname FROM pg_class WHERE oid = $1)
		ORDER BY ordinal_position`
)

// DB is the query surface the resolver needs. *pgxpool.Pool satisfies it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Resolver struct {
	db     DB
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu      sync.RWMutex
	names   map[types.TableID]string
	columns map[types.TableID][]string
}

func NewResolver(db DB, logger *zap.Logger) *Resolver {
	return &Resolver{
		db:      db,
		logger:  logger,
		names:   make(map[types.TableID]string),
		columns: make(map[types.TableID][]string),
	}
}

// Open connects a pool to the source catalog and returns a resolver that
// owns it. Close releases the pool.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Resolver, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect catalog: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	r := NewResolver(pool, logger)
	r.pool = pool
	return r, nil
}

func (r *Resolver) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// TableName returns the relation's display name, schema-qualified when it is
// outside the search path.
func (r *Resolver) TableName(ctx context.Context, id types.TableID) (string, error) {
	r.mu.RLock()
	name, ok := r.names[id]
	r.mu.RUnlock()
	if ok {
		return name, nil
	}

	if err := r.db.QueryRow(ctx, tableNameQuery, int32(id)).Scan(&name); err != nil {
		return "", fmt.Errorf("resolve table name for oid %d: %w", id, err)
	}

	r.mu.Lock()
	r.names[id] = name
	r.mu.Unlock()
	r.logger.Debug("resolved table name", zap.Uint32("table_id", uint32(id)), zap.String("name", name))
	return name, nil
}

// Columns returns the relation's column names in ordinal order. An empty
// result is treated as a failure so that a dropped or not-yet-visible table
// is retried instead of pinned to an empty list.
func (r *Resolver) Columns(ctx context.Context, id types.TableID) ([]string, error) {
	r.mu.RLock()
	cols, ok := r.columns[id]
	r.mu.RUnlock()
	if ok {
		return cols, nil
	}

	rows, err := r.db.Query(ctx, columnsQuery, int32(id))
	if err != nil {
		return nil, fmt.Errorf("resolve columns for oid %d: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scan column name for oid %d: %w", id, err)
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolve columns for oid %d: %w", id, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("no columns found for oid %d", id)
	}

	r.mu.Lock()
	r.columns[id] = cols
	r.mu.Unlock()
	r.logger.Debug("resolved columns", zap.Uint32("table_id", uint32(id)), zap.Int("count", len(cols)))
	return cols, nil
}
