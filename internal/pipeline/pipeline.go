// Package pipeline drives captured events to the configured destination:
// batches from the change channel, flushes by size or interval, parks
// refused batches in the dead letter store, and replays them on a timer
// through the same destination.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2snow/internal/config"
	"github.com/mehmetymw/cdc2snow/internal/observability"
	"github.com/mehmetymw/cdc2snow/internal/types"
)

// TableNamer resolves a table id to its display name for dead letter keys.
type TableNamer interface {
	TableName(ctx context.Context, id types.TableID) (string, error)
}

// DeadLetters is the buffer surface the pipeline parks and replays batches
// through.
type DeadLetters interface {
	Push(destID, table string, events []types.Event) error
	PopBatch(destID, table string, limit int) ([]types.Event, error)
	PendingTables(destID string) []string
	QueuedBatches(destID, table string) int
}

type Pipeline struct {
	dest   types.Destination
	destID string
	dlq    DeadLetters
	names  TableNamer
	cfg    config.Batching
	replay config.DLQConfig
	logger *zap.Logger

	mu    sync.Mutex
	batch []types.Event
}

func New(dest types.Destination, destID string, dlq DeadLetters, names TableNamer, cfg config.Batching, replay config.DLQConfig, logger *zap.Logger) *Pipeline {
	logger.Info("creating pipeline",
		zap.String("destination", destID),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("flush_interval_ms", cfg.FlushIntervalMs),
		zap.Int("replay_interval_ms", replay.ReplayIntervalMs))

	return &Pipeline{
		dest:   dest,
		destID: destID,
		dlq:    dlq,
		names:  names,
		cfg:    cfg,
		replay: replay,
		logger: logger,
	}
}

// Start consumes the change channel until it is closed, flushing the final
// partial batch before returning. Blocks; run it in its own goroutine.
func (p *Pipeline) Start(ctx context.Context, changes <-chan types.Event) {
	p.logger.Info("pipeline started")
	flushTicker := time.NewTicker(time.Duration(p.cfg.FlushIntervalMs) * time.Millisecond)
	defer flushTicker.Stop()
	replayTicker := time.NewTicker(time.Duration(p.replay.ReplayIntervalMs) * time.Millisecond)
	defer replayTicker.Stop()

	for {
		select {
		case ev, ok := <-changes:
			if !ok {
				p.logger.Info("change channel closed, flushing final batch")
				p.Flush(ctx)
				return
			}
			if p.add(ev) >= p.cfg.BatchSize {
				p.Flush(ctx)
			}
		case <-flushTicker.C:
			p.Flush(ctx)
		case <-replayTicker.C:
			p.Replay(ctx)
		}
	}
}

func (p *Pipeline) add(ev types.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batch = append(p.batch, ev)
	return len(p.batch)
}

// Flush delivers the pending batch, one destination call per table. A table
// whose write fails has its group pushed to the dead letter store under the
// resolved table name; other tables in the same batch still go out.
func (p *Pipeline) Flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.batch
	p.batch = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	for id, group := range types.GroupByTable(batch) {
		table := p.tableName(ctx, id)
		if err := p.dest.WriteEvents(ctx, group); err != nil {
			p.logger.Error("delivery failed, parking batch in dlq",
				zap.String("destination", p.destID),
				zap.String("table", table),
				zap.Int("events", len(group)),
				zap.Error(err))
			observability.DeliveryFailures.WithLabelValues(p.destID, table).Inc()
			p.park(table, group)
			continue
		}
		observability.DeliveredEvents.WithLabelValues(p.destID, table).Add(float64(len(group)))
		p.logger.Debug("batch delivered",
			zap.String("table", table),
			zap.Int("events", len(group)))
	}
}

// Replay drains the dead letter backlog for this destination, re-parking
// whatever the destination refuses again. At-least-once: a batch that was
// partially applied before failing is delivered again in full.
func (p *Pipeline) Replay(ctx context.Context) {
	for _, table := range p.dlq.PendingTables(p.destID) {
		events, err := p.dlq.PopBatch(p.destID, table, p.replay.ReplayBatchLimit)
		if err != nil {
			p.logger.Error("dlq pop failed", zap.String("table", table), zap.Error(err))
			continue
		}
		if len(events) == 0 {
			continue
		}

		if err := p.dest.WriteEvents(ctx, events); err != nil {
			p.logger.Warn("replay failed, batch stays parked",
				zap.String("destination", p.destID),
				zap.String("table", table),
				zap.Int("events", len(events)),
				zap.Error(err))
			p.park(table, events)
			continue
		}
		observability.ReplayedBatches.WithLabelValues(p.destID, table).Inc()
		observability.DLQDepth.WithLabelValues(p.destID, table).Set(float64(p.dlq.QueuedBatches(p.destID, table)))
		p.logger.Info("dlq batch replayed",
			zap.String("table", table),
			zap.Int("events", len(events)))
	}
}

func (p *Pipeline) park(table string, events []types.Event) {
	if err := p.dlq.Push(p.destID, table, events); err != nil {
		// Push only fails when the counter write fails; the batch itself is
		// queued in memory before that, so the events are not lost yet.
		p.logger.Error("dlq push failed", zap.String("table", table), zap.Error(err))
	}
	observability.DLQDepth.WithLabelValues(p.destID, table).Set(float64(p.dlq.QueuedBatches(p.destID, table)))
}

func (p *Pipeline) tableName(ctx context.Context, id types.TableID) string {
	name, err := p.names.TableName(ctx, id)
	if err != nil {
		p.logger.Warn("table name resolution failed for dlq key",
			zap.Uint32("table_id", uint32(id)), zap.Error(err))
		return fmt.Sprintf("unknown_%d", id)
	}
	return name
}

// Status is the health surface exposed under /healthz.
type Status struct {
	PendingBatch int
	DLQBatches   int
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	pending := len(p.batch)
	p.mu.Unlock()

	total := 0
	for _, table := range p.dlq.PendingTables(p.destID) {
		total += p.dlq.QueuedBatches(p.destID, table)
	}
	return Status{PendingBatch: pending, DLQBatches: total}
}
