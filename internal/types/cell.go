package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CellKind discriminates the typed value carried by a Cell.
type CellKind int

const (
	KindNull CellKind = iota
	KindBool
	KindString
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindBytes
	KindJSON
	KindNumeric
	KindUUID
	KindDate
	KindTime
	KindTimestamp
	KindTimestampTZ
	KindArray
)

// Text layouts for the temporal kinds. Decode and projection agree on these.
const (
	DateLayout      = "2006-01-02"
	TimeLayout      = "15:04:05.999999"
	TimestampLayout = "2006-01-02 15:04:05.999999"
)

// Cell is one typed column value from the source system. Exactly the fields
// relevant to Kind are set; integer widths share Int and both float widths
// share Float, with Kind recording the source width.
type Cell struct {
	Kind  CellKind
	Bool  bool
	Str   string
	Int   int64
	Float float64
	Bytes []byte
	JSON  any
	Num   decimal.Decimal
	UUID  uuid.UUID
	Time  time.Time
	Elems []Cell
}

func NullCell() Cell                 { return Cell{Kind: KindNull} }
func BoolCell(v bool) Cell           { return Cell{Kind: KindBool, Bool: v} }
func StringCell(v string) Cell       { return Cell{Kind: KindString, Str: v} }
func Int16Cell(v int16) Cell         { return Cell{Kind: KindInt16, Int: int64(v)} }
func Int32Cell(v int32) Cell         { return Cell{Kind: KindInt32, Int: int64(v)} }
func Int64Cell(v int64) Cell         { return Cell{Kind: KindInt64, Int: v} }
func Float32Cell(v float32) Cell     { return Cell{Kind: KindFloat32, Float: float64(v)} }
func Float64Cell(v float64) Cell     { return Cell{Kind: KindFloat64, Float: v} }
func BytesCell(v []byte) Cell        { return Cell{Kind: KindBytes, Bytes: v} }
func JSONCell(v any) Cell            { return Cell{Kind: KindJSON, JSON: v} }
func NumericCell(v decimal.Decimal) Cell { return Cell{Kind: KindNumeric, Num: v} }
func UUIDCell(v uuid.UUID) Cell      { return Cell{Kind: KindUUID, UUID: v} }
func DateCell(v time.Time) Cell      { return Cell{Kind: KindDate, Time: v} }
func TimeCell(v time.Time) Cell      { return Cell{Kind: KindTime, Time: v} }
func TimestampCell(v time.Time) Cell { return Cell{Kind: KindTimestamp, Time: v} }

// TimestampTZCell keeps the original offset; projection formats it as RFC3339.
func TimestampTZCell(v time.Time) Cell { return Cell{Kind: KindTimestampTZ, Time: v} }

func ArrayCell(elems []Cell) Cell { return Cell{Kind: KindArray, Elems: elems} }

// Value returns the cell as a plain Go value suitable for database drivers:
// scalars unchanged, temporal kinds as time.Time, numeric as its canonical
// string, arrays as []any.
func (c Cell) Value() any {
	switch c.Kind {
	case KindNull:
		return nil
	case KindBool:
		return c.Bool
	case KindString:
		return c.Str
	case KindInt16:
		return int16(c.Int)
	case KindInt32:
		return int32(c.Int)
	case KindInt64:
		return c.Int
	case KindFloat32:
		return float32(c.Float)
	case KindFloat64:
		return c.Float
	case KindBytes:
		return c.Bytes
	case KindJSON:
		return c.JSON
	case KindNumeric:
		return c.Num.String()
	case KindUUID:
		return c.UUID.String()
	case KindDate, KindTime, KindTimestamp, KindTimestampTZ:
		return c.Time
	case KindArray:
		out := make([]any, len(c.Elems))
		for i, e := range c.Elems {
			out[i] = e.Value()
		}
		return out
	default:
		return fmt.Sprintf("%v", c)
	}
}

// Clone returns a deep copy. Cells are handed to concurrently running
// destinations that must not share mutable state.
func (c Cell) Clone() Cell {
	out := c
	if c.Bytes != nil {
		out.Bytes = append([]byte(nil), c.Bytes...)
	}
	if c.JSON != nil {
		out.JSON = cloneJSON(c.JSON)
	}
	if c.Elems != nil {
		out.Elems = make([]Cell, len(c.Elems))
		for i, e := range c.Elems {
			out.Elems[i] = e.Clone()
		}
	}
	return out
}

// cloneJSON deep-copies a decoded JSON tree. Scalars are immutable and are
// returned as-is.
func cloneJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneJSON(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneJSON(e)
		}
		return out
	default:
		return v
	}
}
