package snowflake

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2snow/internal/config"
)

func newTestRestClient(t *testing.T, serverURL string) *RestClient {
	t.Helper()
	_, pemStr := testKeyPair(t)
	c, err := NewRestClient(config.SnowflakeDestination{
		Account:    "org-acct",
		User:       "loader",
		Role:       "INGEST",
		URL:        serverURL,
		Database:   "ANALYTICS",
		Schema:     "LANDING",
		PrivateKey: pemStr,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new rest client: %v", err)
	}
	return c
}

func TestOpenChannelRequestShape(t *testing.T) {
	var gotReq *http.Request
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]any{"next_continuation_token": "tok-1"})
	}))
	defer server.Close()

	c := newTestRestClient(t, server.URL)
	token, err := c.OpenChannel(context.Background(), "LANDING_ORDERS", "default")
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("token: got %q", token)
	}

	if gotReq.Method != http.MethodPut {
		t.Errorf("method: got %s", gotReq.Method)
	}
	wantPath := "/v2/streaming/databases/ANALYTICS/schemas/LANDING/pipes/LANDING_ORDERS/channels/default"
	if gotReq.URL.Path != wantPath {
		t.Errorf("path: got %s want %s", gotReq.URL.Path, wantPath)
	}
	if auth := gotReq.Header.Get("Authorization"); !strings.HasPrefix(auth, "Bearer ") {
		t.Errorf("authorization header: got %q", auth)
	}
	if tt := gotReq.Header.Get("X-Snowflake-Authorization-Token-Type"); tt != "KEYPAIR_JWT" {
		t.Errorf("token type header: got %q", tt)
	}

	var body openChannelRequest
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Role != "INGEST" {
		t.Errorf("role in body: got %q", body.Role)
	}
}

func TestAppendRowsSendsNDJSONWithToken(t *testing.T) {
	var gotReq *http.Request
	var lines []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Clone(context.Background())
		sc := bufio.NewScanner(r.Body)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		json.NewEncoder(w).Encode(map[string]any{"next_continuation_token": "tok-2"})
	}))
	defer server.Close()

	c := newTestRestClient(t, server.URL)
	records := []Record{
		{"ID": int64(1), "OPERATION": "C"},
		{"ID": int64(2), "OPERATION": "U"},
	}
	next, err := c.AppendRows(context.Background(), "LANDING_ORDERS", "default", records, "tok-1")
	if err != nil {
		t.Fatalf("append rows: %v", err)
	}
	if next != "tok-2" {
		t.Fatalf("next token: got %q", next)
	}

	if gotReq.Method != http.MethodPost {
		t.Errorf("method: got %s", gotReq.Method)
	}
	if !strings.HasSuffix(gotReq.URL.Path, "/channels/default/rows") {
		t.Errorf("path: got %s", gotReq.URL.Path)
	}
	if got := gotReq.URL.Query().Get("continuationToken"); got != "tok-1" {
		t.Errorf("continuation token query: got %q", got)
	}

	if len(lines) != 2 {
		t.Fatalf("ndjson lines: got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line not json: %v", err)
	}
	if first["OPERATION"] != "C" {
		t.Errorf("first line: got %v", first)
	}
}

func TestClientSurfacesHTTPFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"pipe not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestRestClient(t, server.URL)
	_, err := c.OpenChannel(context.Background(), "LANDING_MISSING", "default")
	if err == nil {
		t.Fatalf("want error for 404")
	}
	if !strings.Contains(err.Error(), "status 404") || !strings.Contains(err.Error(), "pipe not found") {
		t.Fatalf("error should carry status and body, got %v", err)
	}
}
