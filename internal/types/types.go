package types

import "context"

// TableID is the source catalog identifier of a table (the relation OID on
// PostgreSQL). Stable for the lifetime of the process.
type TableID uint32

// Row is the positional sequence of cell values for one table row, aligned
// with the table's resolved column order.
type Row struct {
	Values []Cell
}

func (r Row) Clone() Row {
	out := Row{Values: make([]Cell, len(r.Values))}
	for i, c := range r.Values {
		out.Values[i] = c.Clone()
	}
	return out
}

type EventKind int

const (
	EventInsert EventKind = iota
	EventUpdate
	EventDelete
)

// Event is one captured row change. Row carries the new image for inserts
// and updates; OldRow carries the delete pre-image when the source's replica
// identity provided one, nil otherwise.
type Event struct {
	Kind    EventKind
	TableID TableID
	Row     Row
	OldRow  *Row
}

func (e Event) Clone() Event {
	out := e
	out.Row = e.Row.Clone()
	if e.OldRow != nil {
		old := e.OldRow.Clone()
		out.OldRow = &old
	}
	return out
}

// CloneEvents deep-copies a batch so that fan-out children never share
// mutable call state.
func CloneEvents(events []Event) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}

func CloneRows(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

// GroupByTable splits a batch into per-table batches, preserving the event
// order within each table.
func GroupByTable(events []Event) map[TableID][]Event {
	grouped := make(map[TableID][]Event)
	for _, e := range events {
		grouped[e.TableID] = append(grouped[e.TableID], e)
	}
	return grouped
}

// Destination is implemented by every delivery target the relay can write
// to, including the fan-out wrapper. Calls are synchronous; a nil return
// means the destination accepted the batch. Destinations do not retry.
type Destination interface {
	Name() string
	TruncateTable(ctx context.Context, id TableID) error
	WriteRows(ctx context.Context, id TableID, rows []Row) error
	WriteEvents(ctx context.Context, events []Event) error
}
