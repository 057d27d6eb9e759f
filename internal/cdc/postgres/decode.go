package postgres

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/mehmetymw/cdc2snow/internal/types"
)

// decodeTuple converts one pgoutput tuple into a typed row, aligned with the
// relation's column order. Unchanged TOAST values are not shipped by the
// protocol and decode to null.
func decodeTuple(tuple *pglogrepl.TupleData, columns []column) types.Row {
	if tuple == nil {
		return types.Row{}
	}
	row := types.Row{Values: make([]types.Cell, len(tuple.Columns))}
	for i, col := range tuple.Columns {
		var oid uint32
		if i < len(columns) {
			oid = columns[i].oid
		}
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull, pglogrepl.TupleDataTypeToast:
			row.Values[i] = types.NullCell()
		case pglogrepl.TupleDataTypeText:
			row.Values[i] = decodeText(string(col.Data), oid)
		default:
			row.Values[i] = types.StringCell(string(col.Data))
		}
	}
	return row
}

// Text layouts Postgres uses for timestamptz output; offsets may carry hours
// only or hours and minutes.
var timestampTZLayouts = []string{
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
}

// decodeText parses one text-format column value by its type OID. Values
// that fail to parse keep their text form as a string cell rather than being
// dropped.
func decodeText(s string, oid uint32) types.Cell {
	switch oid {
	case pgtype.BoolOID:
		return types.BoolCell(s == "t")
	case pgtype.Int2OID:
		if v, err := strconv.ParseInt(s, 10, 16); err == nil {
			return types.Int16Cell(int16(v))
		}
	case pgtype.Int4OID:
		if v, err := strconv.ParseInt(s, 10, 32); err == nil {
			return types.Int32Cell(int32(v))
		}
	case pgtype.Int8OID:
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return types.Int64Cell(v)
		}
	case pgtype.Float4OID:
		if v, err := strconv.ParseFloat(s, 32); err == nil {
			return types.Float32Cell(float32(v))
		}
	case pgtype.Float8OID:
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return types.Float64Cell(v)
		}
	case pgtype.ByteaOID:
		if rest, ok := strings.CutPrefix(s, `\x`); ok {
			if b, err := hex.DecodeString(rest); err == nil {
				return types.BytesCell(b)
			}
		}
	case pgtype.JSONOID, pgtype.JSONBOID:
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return types.JSONCell(v)
		}
	case pgtype.NumericOID:
		if v, err := decimal.NewFromString(s); err == nil {
			return types.NumericCell(v)
		}
	case pgtype.UUIDOID:
		if v, err := uuid.Parse(s); err == nil {
			return types.UUIDCell(v)
		}
	case pgtype.DateOID:
		if v, err := time.Parse(types.DateLayout, s); err == nil {
			return types.DateCell(v)
		}
	case pgtype.TimeOID:
		if v, err := time.Parse(types.TimeLayout, s); err == nil {
			return types.TimeCell(v)
		}
	case pgtype.TimestampOID:
		if v, err := time.Parse(types.TimestampLayout, s); err == nil {
			return types.TimestampCell(v)
		}
	case pgtype.TimestamptzOID:
		for _, layout := range timestampTZLayouts {
			if v, err := time.Parse(layout, s); err == nil {
				return types.TimestampTZCell(v)
			}
		}
	default:
		if elemOID, ok := arrayElementOID(oid); ok {
			if elems, ok := parseArrayLiteral(s); ok {
				cells := make([]types.Cell, len(elems))
				for i, e := range elems {
					if e.null {
						cells[i] = types.NullCell()
						continue
					}
					cells[i] = decodeText(e.value, elemOID)
				}
				return types.ArrayCell(cells)
			}
		}
	}
	return types.StringCell(s)
}

// arrayElementOID maps a one-dimensional array type to its element type.
func arrayElementOID(oid uint32) (uint32, bool) {
	switch oid {
	case pgtype.BoolArrayOID:
		return pgtype.BoolOID, true
	case pgtype.ByteaArrayOID:
		return pgtype.ByteaOID, true
	case pgtype.Int2ArrayOID:
		return pgtype.Int2OID, true
	case pgtype.Int4ArrayOID:
		return pgtype.Int4OID, true
	case pgtype.Int8ArrayOID:
		return pgtype.Int8OID, true
	case pgtype.Float4ArrayOID:
		return pgtype.Float4OID, true
	case pgtype.Float8ArrayOID:
		return pgtype.Float8OID, true
	case pgtype.TextArrayOID:
		return pgtype.TextOID, true
	case pgtype.VarcharArrayOID:
		return pgtype.VarcharOID, true
	case pgtype.JSONArrayOID:
		return pgtype.JSONOID, true
	case pgtype.JSONBArrayOID:
		return pgtype.JSONBOID, true
	case pgtype.NumericArrayOID:
		return pgtype.NumericOID, true
	case pgtype.UUIDArrayOID:
		return pgtype.UUIDOID, true
	case pgtype.DateArrayOID:
		return pgtype.DateOID, true
	case pgtype.TimeArrayOID:
		return pgtype.TimeOID, true
	case pgtype.TimestampArrayOID:
		return pgtype.TimestampOID, true
	case pgtype.TimestamptzArrayOID:
		return pgtype.TimestamptzOID, true
	}
	return 0, false
}

type arrayElem struct {
	value string
	null  bool
}

// parseArrayLiteral splits a one-dimensional Postgres array literal such as
// {a,"b c",NULL} into its elements. Quoted elements may escape characters
// with a backslash. Multidimensional literals are rejected.
func parseArrayLiteral(s string) ([]arrayElem, bool) {
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil, false
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return []arrayElem{}, true
	}
	if strings.HasPrefix(inner, "{") {
		return nil, false
	}

	var elems []arrayElem
	var sb strings.Builder
	quoted := false
	inQuotes := false
	escaped := false

	flush := func() {
		v := sb.String()
		sb.Reset()
		if !quoted && v == "NULL" {
			elems = append(elems, arrayElem{null: true})
		} else {
			elems = append(elems, arrayElem{value: v})
		}
		quoted = false
	}

	for i := 0; i < len(inner); i++ {
		c := inner[i]
		switch {
		case escaped:
			sb.WriteByte(c)
			escaped = false
		case c == '\\' && inQuotes:
			escaped = true
		case c == '"':
			inQuotes = !inQuotes
			quoted = true
		case c == ',' && !inQuotes:
			flush()
		default:
			sb.WriteByte(c)
		}
	}
	if inQuotes || escaped {
		return nil, false
	}
	flush()
	return elems, true
}
