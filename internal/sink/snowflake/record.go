package snowflake

import (
	"fmt"
	"strings"
	"time"

	"github.com/mehmetymw/cdc2snow/internal/types"
)

// Operation markers carried in every projected record.
const (
	opInsert = "C"
	opUpdate = "U"
	opDelete = "D"
)

// Record is one flat projected row keyed by upper-cased column name, ready
// for JSON serialization toward the ingest API.
type Record map[string]any

// cellValue projects one cell into its JSON shape. Byte blobs are reduced to
// a length placeholder, the payload is not preserved. Arrays project
// elementwise with the same rules.
func cellValue(c types.Cell) any {
	switch c.Kind {
	case types.KindNull:
		return nil
	case types.KindBool:
		return c.Bool
	case types.KindString:
		return c.Str
	case types.KindInt16:
		return int16(c.Int)
	case types.KindInt32:
		return int32(c.Int)
	case types.KindInt64:
		return c.Int
	case types.KindFloat32:
		return float32(c.Float)
	case types.KindFloat64:
		return c.Float
	case types.KindBytes:
		return fmt.Sprintf("<bytes len=%d>", len(c.Bytes))
	case types.KindJSON:
		return c.JSON
	case types.KindNumeric:
		return c.Num.String()
	case types.KindUUID:
		return c.UUID.String()
	case types.KindDate:
		return c.Time.Format(types.DateLayout)
	case types.KindTime:
		return c.Time.Format(types.TimeLayout)
	case types.KindTimestamp:
		return c.Time.Format(types.TimestampLayout)
	case types.KindTimestampTZ:
		return c.Time.Format(time.RFC3339Nano)
	case types.KindArray:
		out := make([]any, len(c.Elems))
		for i, e := range c.Elems {
			out[i] = cellValue(e)
		}
		return out
	default:
		return fmt.Sprintf("%v", c)
	}
}

// projectRow flattens a row into a record. Column names come from the
// resolved column list, upper-cased; positions past the list fall back to
// COL_<i>. Two synthetic fields are appended: the operation marker and the
// capture timestamp.
func projectRow(row types.Row, columns []string, operation string, at time.Time) Record {
	rec := make(Record, len(row.Values)+2)
	for i, cell := range row.Values {
		name := fmt.Sprintf("COL_%d", i)
		if i < len(columns) {
			name = strings.ToUpper(columns[i])
		}
		rec[name] = cellValue(cell)
	}
	rec["OPERATION"] = operation
	rec["SYNC_TIMESTAMP"] = at.Format(time.RFC3339Nano)
	return rec
}
