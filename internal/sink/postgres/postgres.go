// Package postgres appends change records into per-table landing tables in
// a target PostgreSQL database. Landing tables carry one column per source
// column plus operation and sync_timestamp, and are expected to exist
// already (schema management happens outside the relay).
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2snow/internal/config"
	"github.com/mehmetymw/cdc2snow/internal/observability"
	"github.com/mehmetymw/cdc2snow/internal/types"
)

const (
	opInsert = "C"
	opUpdate = "U"
	opDelete = "D"
)

// Catalog resolves a table identifier into its display name and ordered
// column list.
type Catalog interface {
	TableName(ctx context.Context, id types.TableID) (string, error)
	Columns(ctx context.Context, id types.TableID) ([]string, error)
}

type Sink struct {
	pool   *pgxpool.Pool
	schema string
	cat    Catalog
	logger *zap.Logger
}

func New(ctx context.Context, cfg config.PostgresDestination, cat Catalog, logger *zap.Logger) (*Sink, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect landing database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping landing database: %w", err)
	}

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	logger.Info("postgres landing sink created", zap.String("schema", schema))
	return &Sink{pool: pool, schema: schema, cat: cat, logger: logger}, nil
}

func (s *Sink) Name() string { return "postgres_landing" }

func (s *Sink) TruncateTable(ctx context.Context, id types.TableID) error {
	landing := s.landingTable(ctx, id)
	ident := pgx.Identifier{s.schema, landing}.Sanitize()

	if _, err := s.pool.Exec(ctx, "TRUNCATE TABLE "+ident); err != nil {
		return fmt.Errorf("truncate %s: %w", ident, err)
	}
	s.logger.Info("landing table truncated", zap.String("table", landing))
	return nil
}

func (s *Sink) WriteRows(ctx context.Context, id types.TableID, rows []types.Row) error {
	if len(rows) == 0 {
		return nil
	}
	landing := s.landingTable(ctx, id)
	columns := s.resolveColumns(ctx, id)

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, row := range rows {
		queueInsert(batch, s.schema, landing, columns, row, opInsert, now)
	}
	return s.send(ctx, landing, batch)
}

func (s *Sink) WriteEvents(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	for id, group := range types.GroupByTable(events) {
		landing := s.landingTable(ctx, id)
		columns := s.resolveColumns(ctx, id)

		now := time.Now().UTC()
		batch := &pgx.Batch{}
		for _, e := range group {
			switch e.Kind {
			case types.EventInsert:
				queueInsert(batch, s.schema, landing, columns, e.Row, opInsert, now)
			case types.EventUpdate:
				queueInsert(batch, s.schema, landing, columns, e.Row, opUpdate, now)
			case types.EventDelete:
				if e.OldRow == nil {
					s.logger.Warn("delete event without pre-image, skipping", zap.String("table", landing))
					observability.DroppedDeletes.WithLabelValues(s.Name(), landing).Inc()
					continue
				}
				queueInsert(batch, s.schema, landing, columns, *e.OldRow, opDelete, now)
			}
		}
		if err := s.send(ctx, landing, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) send(ctx context.Context, landing string, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert into %s: %w", landing, err)
		}
	}
	s.logger.Debug("landing batch written", zap.String("table", landing), zap.Int("records", batch.Len()))
	return nil
}

// queueInsert appends one INSERT for the row. The statement text depends
// only on the column layout, so the driver's statement cache absorbs the
// per-row rebuild.
func queueInsert(batch *pgx.Batch, schema, landing string, columns []string, row types.Row, operation string, at time.Time) {
	names := make([]string, 0, len(row.Values)+2)
	args := make([]any, 0, len(row.Values)+2)
	for i, cell := range row.Values {
		name := fmt.Sprintf("col_%d", i)
		if i < len(columns) {
			name = columns[i]
		}
		names = append(names, pgx.Identifier{name}.Sanitize())
		args = append(args, cell.Value())
	}
	names = append(names, "operation", "sync_timestamp")
	args = append(args, operation, at)

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{schema, landing}.Sanitize(),
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "))
	batch.Queue(sql, args...)
}

// landingTable maps a table id to its landing name: landing_<table>, flat,
// lower-cased, with the source schema stripped.
func (s *Sink) landingTable(ctx context.Context, id types.TableID) string {
	name, err := s.cat.TableName(ctx, id)
	if err != nil {
		s.logger.Error("table name resolution failed, using fallback",
			zap.Uint32("table_id", uint32(id)), zap.Error(err))
		return fmt.Sprintf("landing_unknown_%d", id)
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return "landing_" + strings.ToLower(name)
}

func (s *Sink) resolveColumns(ctx context.Context, id types.TableID) []string {
	columns, err := s.cat.Columns(ctx, id)
	if err != nil {
		s.logger.Error("column resolution failed, records will use positional names",
			zap.Uint32("table_id", uint32(id)), zap.Error(err))
		return nil
	}
	return columns
}

func (s *Sink) Close() {
	s.pool.Close()
}
