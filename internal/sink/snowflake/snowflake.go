// Package snowflake delivers change events to Snowflake over the Snowpipe
// Streaming REST API. Each source table maps to a landing pipe named
// LANDING_<TABLE>, written through one logical channel whose continuation
// token is chained across submissions.
package snowflake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2snow/internal/config"
	"github.com/mehmetymw/cdc2snow/internal/observability"
	"github.com/mehmetymw/cdc2snow/internal/types"
)

// ChannelError reports a failed channel open. No token exists for the table
// after this error.
type ChannelError struct {
	Table string
	Err   error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("open channel for %s: %v", e.Table, e.Err) }
func (e *ChannelError) Unwrap() error { return e.Err }

// IngestError reports a failed batch submission. The cached token is left
// unchanged so the next attempt replays the last-known-good token.
type IngestError struct {
	Table string
	Err   error
}

func (e *IngestError) Error() string { return fmt.Sprintf("ingest into %s: %v", e.Table, e.Err) }
func (e *IngestError) Unwrap() error { return e.Err }

// Catalog resolves a table identifier into its display name and ordered
// column list.
type Catalog interface {
	TableName(ctx context.Context, id types.TableID) (string, error)
	Columns(ctx context.Context, id types.TableID) ([]string, error)
}

// Sink implements the destination surface against a streaming ingest client.
// One mutex guards the client handle and the token map together: writes to
// different tables on the same sink serialize, which keeps each table's
// token chain strictly sequential.
type Sink struct {
	client IngestClient
	cat    Catalog
	logger *zap.Logger

	mu     sync.Mutex
	tokens map[types.TableID]string
}

func New(cfg config.SnowflakeDestination, cat Catalog, logger *zap.Logger) (*Sink, error) {
	client, err := NewRestClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, cat, logger), nil
}

func NewWithClient(client IngestClient, cat Catalog, logger *zap.Logger) *Sink {
	return &Sink{
		client: client,
		cat:    cat,
		logger: logger,
		tokens: make(map[types.TableID]string),
	}
}

func (s *Sink) Name() string { return "snowflake_streaming_rest" }

// TruncateTable is a no-op: landing tables are append-only and keep the full
// change history.
func (s *Sink) TruncateTable(ctx context.Context, id types.TableID) error {
	s.logger.Info("truncate ignored, landing tables are append-only", zap.Uint32("table_id", uint32(id)))
	return nil
}

// WriteRows projects full rows as inserts and submits them in one batch.
func (s *Sink) WriteRows(ctx context.Context, id types.TableID, rows []types.Row) error {
	if len(rows) == 0 {
		s.logger.Warn("write rows called with empty batch", zap.Uint32("table_id", uint32(id)))
		return nil
	}

	table := s.resolveTableName(ctx, id)
	columns := s.resolveColumns(ctx, id)

	now := time.Now().UTC()
	records := make([]Record, len(rows))
	for i, row := range rows {
		records[i] = projectRow(row, columns, opInsert, now)
	}
	return s.submit(ctx, id, table, records)
}

// WriteEvents groups the batch by table and submits one batch per table.
// The first failing table aborts the call; tables not yet processed stay
// unwritten and come back through the dead letter path.
func (s *Sink) WriteEvents(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		s.logger.Warn("write events called with empty batch")
		return nil
	}

	for id, group := range types.GroupByTable(events) {
		table := s.resolveTableName(ctx, id)
		columns := s.resolveColumns(ctx, id)

		now := time.Now().UTC()
		records := make([]Record, 0, len(group))
		for _, e := range group {
			switch e.Kind {
			case types.EventInsert:
				records = append(records, projectRow(e.Row, columns, opInsert, now))
			case types.EventUpdate:
				records = append(records, projectRow(e.Row, columns, opUpdate, now))
			case types.EventDelete:
				if e.OldRow == nil {
					s.logger.Warn("delete event without pre-image, skipping", zap.String("table", table))
					observability.DroppedDeletes.WithLabelValues(s.Name(), table).Inc()
					continue
				}
				records = append(records, projectRow(*e.OldRow, columns, opDelete, now))
			}
		}

		if err := s.submit(ctx, id, table, records); err != nil {
			return err
		}
	}
	return nil
}

// submit acquires the channel for the table, opening it on first use, and
// appends the records under the current continuation token. An open channel
// is never reopened: reopening would break the server-side ordering bound to
// the token chain.
func (s *Sink) submit(ctx context.Context, id types.TableID, table string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok || token == "" {
		opened, err := s.client.OpenChannel(ctx, table, defaultChannel)
		if err != nil {
			return &ChannelError{Table: table, Err: err}
		}
		s.tokens[id] = opened
		token = opened
		s.logger.Info("channel opened", zap.String("table", table))
	}

	if len(records) == 0 {
		s.logger.Warn("no records to submit", zap.String("table", table))
		return nil
	}

	next, err := s.client.AppendRows(ctx, table, defaultChannel, records, token)
	if err != nil {
		return &IngestError{Table: table, Err: err}
	}
	s.tokens[id] = next

	s.logger.Debug("batch submitted",
		zap.String("table", table),
		zap.Int("records", len(records)))
	return nil
}

// resolveTableName maps a table id to its landing name. Resolution failure
// falls back to a synthetic name instead of failing the write; the fallback
// is not cached, so a later write retries resolution.
func (s *Sink) resolveTableName(ctx context.Context, id types.TableID) string {
	name, err := s.cat.TableName(ctx, id)
	if err != nil {
		s.logger.Error("table name resolution failed, using fallback",
			zap.Uint32("table_id", uint32(id)), zap.Error(err))
		return fmt.Sprintf("LANDING_UNKNOWN_%d", id)
	}
	// regclass may return schema.table; the landing namespace is flat.
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return "LANDING_" + strings.ToUpper(name)
}

func (s *Sink) resolveColumns(ctx context.Context, id types.TableID) []string {
	columns, err := s.cat.Columns(ctx, id)
	if err != nil {
		s.logger.Error("column resolution failed, rows will use positional names",
			zap.Uint32("table_id", uint32(id)), zap.Error(err))
		return nil
	}
	return columns
}
