// Package dlq buffers event batches that a destination refused, keyed by
// destination and table. Batches live in memory only; what survives a
// restart is the per-key batch counter, persisted in a small Pebble store so
// operators can see how much was in flight when the process died.
package dlq

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2snow/internal/types"
)

type queueKey struct {
	destID string
	table  string
}

type entry struct {
	events []types.Event
	at     time.Time
}

// Store is safe for concurrent use. One lock guards the whole queue map;
// pushes and pops for different keys serialize against each other, which
// keeps counter updates and queue state consistent without per-key locks.
type Store struct {
	logger *zap.Logger
	db     *pebble.DB

	mu     sync.RWMutex
	queues map[queueKey][]entry
}

// Open opens or creates the durable counter store at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open dlq store: %w", err)
	}
	logger.Info("dlq store initialized", zap.String("path", path))
	return &Store{
		logger: logger,
		db:     db,
		queues: make(map[queueKey][]entry),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Push appends one batch for the destination/table pair. Empty batches are
// ignored. The durable counter is set to the new queue length with a
// best-effort (unsynced) write.
func (s *Store) Push(destID, table string, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	key := queueKey{destID: destID, table: table}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[key] = append(s.queues[key], entry{events: events, at: time.Now().UTC()})

	count := len(s.queues[key])
	if err := s.writeCount(destID, table, count); err != nil {
		return err
	}
	s.logger.Debug("dlq push",
		zap.String("destination", destID),
		zap.String("table", table),
		zap.Int("events", len(events)),
		zap.Int("queued_batches", count))
	return nil
}

// PopBatch dequeues up to limit batches, oldest first, and returns their
// events concatenated in dequeue order. The limit counts batches, not
// events. Popping an unknown key returns nothing and leaves the counter
// untouched.
func (s *Store) PopBatch(destID, table string, limit int) ([]types.Event, error) {
	key := queueKey{destID: destID, table: table}

	s.mu.Lock()
	defer s.mu.Unlock()

	queue, ok := s.queues[key]
	if !ok {
		return nil, nil
	}

	var all []types.Event
	taken := 0
	for taken < limit && len(queue) > 0 {
		all = append(all, queue[0].events...)
		queue = queue[1:]
		taken++
	}
	s.queues[key] = queue

	if err := s.writeCount(destID, table, len(queue)); err != nil {
		return nil, err
	}
	s.logger.Debug("dlq pop",
		zap.String("destination", destID),
		zap.String("table", table),
		zap.Int("events", len(all)),
		zap.Int("remaining_batches", len(queue)))
	return all, nil
}

// IsEmpty reports whether nothing is queued for the destination/table pair.
func (s *Store) IsEmpty(destID, table string) bool {
	return s.QueuedBatches(destID, table) == 0
}

// QueuedBatches returns the live in-memory queue length for one key.
func (s *Store) QueuedBatches(destID, table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queues[queueKey{destID: destID, table: table}])
}

// CountForDestination returns the number of queued batches across all
// tables of one destination.
func (s *Store) CountForDestination(destID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for key, queue := range s.queues {
		if key.destID == destID {
			total += len(queue)
		}
	}
	return total
}

// PendingTables returns the tables with at least one queued batch for the
// destination, sorted for deterministic iteration.
func (s *Store) PendingTables(destID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tables []string
	for key, queue := range s.queues {
		if key.destID == destID && len(queue) > 0 {
			tables = append(tables, key.table)
		}
	}
	sort.Strings(tables)
	return tables
}

// StoredCount reads the durable batch counter, ignoring in-memory state.
// After a restart this is the only trace of what was queued.
func (s *Store) StoredCount(destID, table string) int {
	value, closer, err := s.db.Get(countKey(destID, table))
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			s.logger.Warn("dlq counter read failed", zap.String("destination", destID), zap.String("table", table), zap.Error(err))
		}
		return 0
	}
	defer closer.Close()

	n, err := strconv.Atoi(string(value))
	if err != nil {
		return 0
	}
	return n
}

func (s *Store) writeCount(destID, table string, count int) error {
	err := s.db.Set(countKey(destID, table), []byte(strconv.Itoa(count)), pebble.NoSync)
	if err != nil {
		return fmt.Errorf("update dlq counter: %w", err)
	}
	return nil
}

func countKey(destID, table string) []byte {
	return []byte(fmt.Sprintf("count:%s:%s", destID, table))
}
