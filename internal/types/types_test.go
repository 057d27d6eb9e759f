package types

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCellCloneIsolatesBytes(t *testing.T) {
	orig := BytesCell([]byte{0xde, 0xad, 0xbe, 0xef})
	cp := orig.Clone()

	orig.Bytes[0] = 0x00
	if cp.Bytes[0] != 0xde {
		t.Fatalf("clone shares byte storage with original")
	}
}

func TestCellCloneIsolatesJSON(t *testing.T) {
	doc := map[string]any{
		"id":   float64(7),
		"tags": []any{"a", "b"},
	}
	orig := JSONCell(doc)
	cp := orig.Clone()

	doc["id"] = float64(8)
	doc["tags"].([]any)[0] = "mutated"

	got := cp.JSON.(map[string]any)
	if got["id"] != float64(7) {
		t.Fatalf("clone shares JSON map with original: got id %v", got["id"])
	}
	if got["tags"].([]any)[0] != "a" {
		t.Fatalf("clone shares nested JSON slice with original")
	}
}

func TestCellCloneIsolatesArrayElems(t *testing.T) {
	orig := ArrayCell([]Cell{BytesCell([]byte{1, 2}), Int32Cell(3)})
	cp := orig.Clone()

	orig.Elems[0].Bytes[0] = 99
	orig.Elems[1] = Int32Cell(42)

	if cp.Elems[0].Bytes[0] != 1 {
		t.Fatalf("clone shares element byte storage")
	}
	if cp.Elems[1].Int != 3 {
		t.Fatalf("clone shares element slice: got %d", cp.Elems[1].Int)
	}
}

func TestCellValueConversions(t *testing.T) {
	ts := time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)
	num := decimal.RequireFromString("12.3400")

	cases := []struct {
		name string
		cell Cell
		want any
	}{
		{"null", NullCell(), nil},
		{"bool", BoolCell(true), true},
		{"int16", Int16Cell(7), int16(7)},
		{"int64", Int64Cell(-9), int64(-9)},
		{"float64", Float64Cell(2.5), 2.5},
		{"string", StringCell("x"), "x"},
		{"numeric", NumericCell(num), "12.34"},
		{"timestamp", TimestampCell(ts), ts},
		{"array", ArrayCell([]Cell{Int64Cell(1), NullCell()}), []any{int64(1), nil}},
	}
	for _, tc := range cases {
		got := tc.cell.Value()
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%s: got %#v want %#v", tc.name, got, tc.want)
		}
	}
}

func TestEventCloneIsolatesOldRow(t *testing.T) {
	old := Row{Values: []Cell{StringCell("before")}}
	ev := Event{
		Kind:    EventDelete,
		TableID: 16384,
		Row:     Row{Values: []Cell{StringCell("after")}},
		OldRow:  &old,
	}
	cp := ev.Clone()

	old.Values[0] = StringCell("mutated")
	ev.Row.Values[0] = StringCell("mutated")

	if cp.OldRow.Values[0].Str != "before" {
		t.Fatalf("clone shares pre-image storage")
	}
	if cp.Row.Values[0].Str != "after" {
		t.Fatalf("clone shares row storage")
	}
}

func TestCloneEventsIndependentPerCall(t *testing.T) {
	events := []Event{
		{Kind: EventInsert, TableID: 1, Row: Row{Values: []Cell{BytesCell([]byte{1})}}},
	}
	a := CloneEvents(events)
	b := CloneEvents(events)

	a[0].Row.Values[0].Bytes[0] = 50
	if b[0].Row.Values[0].Bytes[0] != 1 {
		t.Fatalf("sibling clones share storage")
	}
	if events[0].Row.Values[0].Bytes[0] != 1 {
		t.Fatalf("clone mutated the source batch")
	}
}

func TestGroupByTablePreservesOrder(t *testing.T) {
	events := []Event{
		{Kind: EventInsert, TableID: 10, Row: Row{Values: []Cell{Int64Cell(1)}}},
		{Kind: EventInsert, TableID: 20, Row: Row{Values: []Cell{Int64Cell(2)}}},
		{Kind: EventUpdate, TableID: 10, Row: Row{Values: []Cell{Int64Cell(3)}}},
		{Kind: EventDelete, TableID: 10, Row: Row{Values: []Cell{Int64Cell(4)}}},
	}
	grouped := GroupByTable(events)

	if len(grouped) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(grouped))
	}
	got := grouped[10]
	if len(got) != 3 {
		t.Fatalf("table 10: expected 3 events, got %d", len(got))
	}
	for i, want := range []int64{1, 3, 4} {
		if got[i].Row.Values[0].Int != want {
			t.Fatalf("table 10 event %d: got %d want %d", i, got[i].Row.Values[0].Int, want)
		}
	}
}
