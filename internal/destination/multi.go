package destination

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2snow/internal/types"
)

// JoinError reports a fan-out child that panicked instead of returning. It is
// surfaced like any child-reported error; callers distinguish it by type.
type JoinError struct {
	Child      string
	Diagnostic string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("destination %s aborted: %s", e.Child, e.Diagnostic)
}

// Multi fans every call out to an ordered list of child destinations. Each
// child runs in its own goroutine on its own deep copy of the arguments.
// Fan-out is not transactional: children that succeeded stay written even
// when a sibling fails, and the call reports the first failure in child
// declaration order, not completion order.
type Multi struct {
	children []types.Destination
	logger   *zap.Logger
}

func NewMulti(children []types.Destination, logger *zap.Logger) *Multi {
	return &Multi{children: children, logger: logger}
}

func (m *Multi) Name() string { return "multi_destination_wrapper" }

func (m *Multi) TruncateTable(ctx context.Context, id types.TableID) error {
	return m.fanOut("truncate_table", func(child types.Destination) error {
		return child.TruncateTable(ctx, id)
	})
}

func (m *Multi) WriteRows(ctx context.Context, id types.TableID, rows []types.Row) error {
	return m.fanOut("write_rows", func(child types.Destination) error {
		return child.WriteRows(ctx, id, types.CloneRows(rows))
	})
}

func (m *Multi) WriteEvents(ctx context.Context, events []types.Event) error {
	return m.fanOut("write_events", func(child types.Destination) error {
		return child.WriteEvents(ctx, types.CloneEvents(events))
	})
}

// fanOut waits for every child before looking at any result, then scans the
// results in submission order and returns the first error found.
func (m *Multi) fanOut(op string, call func(types.Destination) error) error {
	results := make([]error, len(m.children))

	var wg sync.WaitGroup
	for i, child := range m.children {
		wg.Add(1)
		go func(i int, child types.Destination) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = &JoinError{Child: child.Name(), Diagnostic: fmt.Sprint(r)}
				}
			}()
			results[i] = call(child)
		}(i, child)
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			m.logger.Error("destination write failed",
				zap.String("op", op),
				zap.String("destination", m.children[i].Name()),
				zap.Error(err))
			return err
		}
	}
	return nil
}
