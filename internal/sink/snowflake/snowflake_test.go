package snowflake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2snow/internal/types"
)

type fakeCatalog struct {
	name      string
	nameErr   error
	cols      []string
	colsErr   error
	nameCalls int
	colCalls  int
}

func (f *fakeCatalog) TableName(ctx context.Context, id types.TableID) (string, error) {
	f.nameCalls++
	return f.name, f.nameErr
}

func (f *fakeCatalog) Columns(ctx context.Context, id types.TableID) ([]string, error) {
	f.colCalls++
	return f.cols, f.colsErr
}

type openCall struct {
	pipe    string
	channel string
}

type appendCall struct {
	pipe    string
	channel string
	token   string
	records []Record
}

type fakeClient struct {
	mu        sync.Mutex
	opens     []openCall
	appends   []appendCall
	openErr   error
	appendErr error
}

func (f *fakeClient) OpenChannel(ctx context.Context, pipe, channel string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, openCall{pipe: pipe, channel: channel})
	if f.openErr != nil {
		return "", f.openErr
	}
	return "tok-open", nil
}

func (f *fakeClient) AppendRows(ctx context.Context, pipe, channel string, records []Record, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, appendCall{pipe: pipe, channel: channel, token: token, records: records})
	if f.appendErr != nil {
		return "", f.appendErr
	}
	return fmt.Sprintf("tok-%d", len(f.appends)), nil
}

func insertEvent(id types.TableID, cells ...types.Cell) types.Event {
	return types.Event{Kind: types.EventInsert, TableID: id, Row: types.Row{Values: cells}}
}

func newTestSink(client IngestClient, cat Catalog) *Sink {
	return NewWithClient(client, cat, zap.NewNop())
}

func TestTokenChaining(t *testing.T) {
	client := &fakeClient{}
	cat := &fakeCatalog{name: "orders", cols: []string{"id"}}
	s := newTestSink(client, cat)
	ctx := context.Background()

	if err := s.WriteEvents(ctx, []types.Event{insertEvent(16384, types.Int64Cell(1))}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := s.WriteEvents(ctx, []types.Event{insertEvent(16384, types.Int64Cell(2))}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	if len(client.opens) != 1 {
		t.Fatalf("expected exactly one channel open, got %d", len(client.opens))
	}
	if len(client.appends) != 2 {
		t.Fatalf("expected two submissions, got %d", len(client.appends))
	}
	if client.appends[0].token != "tok-open" {
		t.Fatalf("first submission must carry the open token, got %q", client.appends[0].token)
	}
	if client.appends[1].token != "tok-1" {
		t.Fatalf("second submission must chain the first one's token, got %q", client.appends[1].token)
	}
}

func TestIngestFailureLeavesTokenUnchanged(t *testing.T) {
	client := &fakeClient{}
	cat := &fakeCatalog{name: "orders", cols: []string{"id"}}
	s := newTestSink(client, cat)
	ctx := context.Background()

	if err := s.WriteEvents(ctx, []types.Event{insertEvent(1, types.Int64Cell(1))}); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	client.appendErr = errors.New("throttled")
	err := s.WriteEvents(ctx, []types.Event{insertEvent(1, types.Int64Cell(2))})
	var ingest *IngestError
	if !errors.As(err, &ingest) {
		t.Fatalf("want IngestError, got %v", err)
	}

	// The retry must replay the last-known-good token.
	client.appendErr = nil
	if err := s.WriteEvents(ctx, []types.Event{insertEvent(1, types.Int64Cell(2))}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	last := client.appends[len(client.appends)-1]
	if last.token != "tok-1" {
		t.Fatalf("retry must reuse token from last success, got %q", last.token)
	}
	if len(client.opens) != 1 {
		t.Fatalf("failed ingest must not reopen the channel, opens=%d", len(client.opens))
	}
}

func TestOpenFailureIsChannelError(t *testing.T) {
	client := &fakeClient{openErr: errors.New("pipe does not exist")}
	cat := &fakeCatalog{name: "orders", cols: []string{"id"}}
	s := newTestSink(client, cat)

	err := s.WriteEvents(context.Background(), []types.Event{insertEvent(1, types.Int64Cell(1))})
	var channel *ChannelError
	if !errors.As(err, &channel) {
		t.Fatalf("want ChannelError, got %v", err)
	}
	if len(client.appends) != 0 {
		t.Fatalf("no submission may happen without a channel")
	}
}

func TestDeleteWithoutPreImageIsDropped(t *testing.T) {
	client := &fakeClient{}
	cat := &fakeCatalog{name: "orders", cols: []string{"id"}}
	s := newTestSink(client, cat)

	ev := types.Event{Kind: types.EventDelete, TableID: 1, Row: types.Row{Values: []types.Cell{types.Int64Cell(9)}}}
	if err := s.WriteEvents(context.Background(), []types.Event{ev}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(client.appends) != 0 {
		t.Fatalf("delete without pre-image must produce no records, got %d submissions", len(client.appends))
	}
}

func TestDeleteWithPreImageProjectsOldRow(t *testing.T) {
	client := &fakeClient{}
	cat := &fakeCatalog{name: "orders", cols: []string{"id"}}
	s := newTestSink(client, cat)

	old := types.Row{Values: []types.Cell{types.Int64Cell(7)}}
	ev := types.Event{Kind: types.EventDelete, TableID: 1, Row: types.Row{}, OldRow: &old}
	if err := s.WriteEvents(context.Background(), []types.Event{ev}); err != nil {
		t.Fatalf("write: %v", err)
	}

	rec := client.appends[0].records[0]
	if rec["OPERATION"] != opDelete {
		t.Fatalf("operation: got %v", rec["OPERATION"])
	}
	if rec["ID"] != int64(7) {
		t.Fatalf("pre-image value: got %v", rec["ID"])
	}
}

func TestLandingNameFromCatalog(t *testing.T) {
	client := &fakeClient{}
	cat := &fakeCatalog{name: "public.user_accounts", cols: []string{"id"}}
	s := newTestSink(client, cat)

	if err := s.WriteEvents(context.Background(), []types.Event{insertEvent(1, types.Int64Cell(1))}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := client.opens[0].pipe; got != "LANDING_USER_ACCOUNTS" {
		t.Fatalf("landing name: got %q", got)
	}
	if got := client.opens[0].channel; got != "default" {
		t.Fatalf("channel name: got %q", got)
	}
}

func TestNameFallbackIsNotCached(t *testing.T) {
	client := &fakeClient{}
	cat := &fakeCatalog{nameErr: errors.New("connection refused"), cols: []string{"id"}}
	s := newTestSink(client, cat)
	ctx := context.Background()

	if err := s.WriteEvents(ctx, []types.Event{insertEvent(42, types.Int64Cell(1))}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := client.opens[0].pipe; got != "LANDING_UNKNOWN_42" {
		t.Fatalf("fallback name: got %q", got)
	}

	// A later write retries resolution instead of pinning the fallback.
	cat.nameErr = nil
	cat.name = "orders"
	if err := s.WriteEvents(ctx, []types.Event{insertEvent(42, types.Int64Cell(2))}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if cat.nameCalls != 2 {
		t.Fatalf("expected resolution retry, calls=%d", cat.nameCalls)
	}
}

func TestColumnFailureFallsBackToPositionalNames(t *testing.T) {
	client := &fakeClient{}
	cat := &fakeCatalog{name: "orders", colsErr: errors.New("connection refused")}
	s := newTestSink(client, cat)

	ev := insertEvent(1, types.StringCell("a"), types.Int64Cell(2))
	if err := s.WriteEvents(context.Background(), []types.Event{ev}); err != nil {
		t.Fatalf("write: %v", err)
	}

	rec := client.appends[0].records[0]
	if rec["COL_0"] != "a" || rec["COL_1"] != int64(2) {
		t.Fatalf("positional fallback names missing: %v", rec)
	}
}

func TestWriteRowsProjectsInserts(t *testing.T) {
	client := &fakeClient{}
	cat := &fakeCatalog{name: "orders", cols: []string{"id", "note"}}
	s := newTestSink(client, cat)

	rows := []types.Row{{Values: []types.Cell{types.Int64Cell(1), types.StringCell("hi")}}}
	if err := s.WriteRows(context.Background(), 1, rows); err != nil {
		t.Fatalf("write rows: %v", err)
	}

	rec := client.appends[0].records[0]
	if rec["OPERATION"] != opInsert {
		t.Fatalf("rows must project as inserts, got %v", rec["OPERATION"])
	}
	if rec["ID"] != int64(1) || rec["NOTE"] != "hi" {
		t.Fatalf("column keys must be upper-cased: %v", rec)
	}
	if _, err := time.Parse(time.RFC3339Nano, rec["SYNC_TIMESTAMP"].(string)); err != nil {
		t.Fatalf("sync timestamp not RFC3339: %v", err)
	}
}

func TestTruncateIsNoop(t *testing.T) {
	client := &fakeClient{}
	s := newTestSink(client, &fakeCatalog{name: "orders"})
	if err := s.TruncateTable(context.Background(), 1); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if len(client.opens) != 0 || len(client.appends) != 0 {
		t.Fatalf("truncate must not touch the ingest API")
	}
}
