package snowflake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2snow/internal/config"
)

// defaultChannel is the logical channel name used within each pipe. One
// channel per pipe is enough because the sink already serializes submissions
// per table.
const defaultChannel = "default"

// IngestClient is the remote surface the sink drives. Both calls return the
// next continuation token to chain into the following submission.
type IngestClient interface {
	OpenChannel(ctx context.Context, pipe, channel string) (string, error)
	AppendRows(ctx context.Context, pipe, channel string, records []Record, token string) (string, error)
}

type channelResponse struct {
	NextContinuationToken string `json:"next_continuation_token"`
	ClientSequencer       *int64 `json:"client_sequencer"`
}

type openChannelRequest struct {
	Role string `json:"role,omitempty"`
}

// RestClient talks to the streaming ingest REST API with key-pair JWT auth.
type RestClient struct {
	baseURL  string
	database string
	schema   string
	role     string
	auth     *AuthManager
	httpc    *http.Client
	logger   *zap.Logger
}

func NewRestClient(cfg config.SnowflakeDestination, logger *zap.Logger) (*RestClient, error) {
	auth, err := NewAuthManager(cfg.Account, cfg.User, cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("snowflake auth: %w", err)
	}

	base := cfg.URL
	if base == "" {
		base = auth.AccountURL()
	}
	return &RestClient{
		baseURL:  strings.TrimSuffix(base, "/"),
		database: cfg.Database,
		schema:   cfg.Schema,
		role:     cfg.Role,
		auth:     auth,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
	}, nil
}

func (c *RestClient) channelURL(pipe, channel string) string {
	return fmt.Sprintf("%s/v2/streaming/databases/%s/schemas/%s/pipes/%s/channels/%s",
		c.baseURL,
		url.PathEscape(c.database),
		url.PathEscape(c.schema),
		url.PathEscape(pipe),
		url.PathEscape(channel))
}

// OpenChannel creates or reopens the channel and returns its continuation
// token.
func (c *RestClient) OpenChannel(ctx context.Context, pipe, channel string) (string, error) {
	body, err := json.Marshal(openChannelRequest{Role: c.role})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.channelURL(pipe, channel), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("open channel %s/%s: %w", pipe, channel, err)
	}
	c.logger.Debug("channel opened", zap.String("pipe", pipe), zap.String("channel", channel))
	return resp.NextContinuationToken, nil
}

// AppendRows submits one batch as NDJSON under the given continuation token
// and returns the token for the next submission.
func (c *RestClient) AppendRows(ctx context.Context, pipe, channel string, records []Record, token string) (string, error) {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return "", fmt.Errorf("encode record: %w", err)
		}
	}

	u := c.channelURL(pipe, channel) + "/rows"
	if token != "" {
		u += "?continuationToken=" + url.QueryEscape(token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("append %d rows to %s/%s: %w", len(records), pipe, channel, err)
	}
	return resp.NextContinuationToken, nil
}

func (c *RestClient) do(req *http.Request) (*channelResponse, error) {
	jwt, err := c.auth.GenerateJWT(time.Now())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("X-Snowflake-Authorization-Token-Type", "KEYPAIR_JWT")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out channelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
