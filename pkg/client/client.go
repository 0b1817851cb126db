// Package client is a thin HTTP client over one node's §6 wire surface,
// grounded on pkg/supabase's Client (http.Client + JSON request/response
// helpers, a typed APIError decoded off the error envelope). It serves two
// callers: internal/replication.Coordinator (as a PrimaryLink, pulling WAL
// ranges from a primary) and anything outside this repository that wants
// to talk to a node the way internal/httpapi expects to be talked to.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jeju-network/node/internal/node"
	"github.com/jeju-network/node/internal/sqlengine"
	"github.com/jeju-network/node/internal/walwire"
)

// Client talks to one node's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client against baseURL (e.g. "http://node-1:8080").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient overrides the underlying http.Client, e.g. to set a
// shorter timeout for replication polling.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// APIError mirrors httputil.errorBody's wire shape (this package cannot
// import internal/httputil directly, being outside the module's internal
// tree's visibility from external callers).
type APIError struct {
	Kind       string                 `json:"kind"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: %s: %s (status=%d)", e.Kind, e.Message, e.StatusCode)
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

// QueryRequest is POST /query's body.
type QueryRequest struct {
	DatabaseID          string          `json:"databaseId"`
	SQL                 string          `json:"sql"`
	Params              []walwire.Value `json:"params,omitempty"`
	RequiredWalPosition *uint64         `json:"requiredWalPosition,omitempty"`
}

// QueryResponse is POST /query's 200 body.
type QueryResponse struct {
	Rows         []sqlengine.Row `json:"rows"`
	RowsAffected int64           `json:"rowsAffected"`
	LastInsertID int64           `json:"lastInsertId"`
	ReadOnly     bool            `json:"readOnly"`
	WalPosition  uint64          `json:"walPosition"`
}

// Query runs a single SQL statement against databaseID.
func (c *Client) Query(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	var resp QueryResponse
	err := c.doJSON(ctx, http.MethodPost, "/query", req, &resp)
	return resp, err
}

type walRangeResponse struct {
	Entries         []walwire.Entry `json:"entries"`
	CurrentPosition uint64          `json:"currentPosition"`
}

// GetWALEntries implements replication.PrimaryLink by calling GET /wal on
// the remote node this Client points at.
func (c *Client) GetWALEntries(databaseID string, fromPosition uint64, limit int) (node.WALRangeResult, error) {
	q := url.Values{}
	q.Set("databaseId", databaseID)
	q.Set("fromPosition", strconv.FormatUint(fromPosition, 10))
	q.Set("limit", strconv.Itoa(limit))

	var resp walRangeResponse
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.doJSON(ctx, http.MethodGet, "/wal?"+q.Encode(), nil, &resp); err != nil {
		return node.WALRangeResult{}, err
	}
	return node.WALRangeResult{Entries: resp.Entries, CurrentPosition: resp.CurrentPosition}, nil
}

type walApplyRequest struct {
	DatabaseID string          `json:"databaseId"`
	Entries    []walwire.Entry `json:"entries"`
}

type walApplyResponse struct {
	Accepted    bool   `json:"accepted"`
	NewPosition uint64 `json:"newPosition"`
}

// ApplyWALEntries pushes entries to a remote node's POST /wal/apply.
// Unused by replication.Coordinator (which applies locally via
// internal/node.Node directly) but completes the client's mirror of the
// wire contract for external callers.
func (c *Client) ApplyWALEntries(ctx context.Context, databaseID string, entries []walwire.Entry) (uint64, error) {
	var resp walApplyResponse
	req := walApplyRequest{DatabaseID: databaseID, Entries: entries}
	if err := c.doJSON(ctx, http.MethodPost, "/wal/apply", req, &resp); err != nil {
		return 0, err
	}
	return resp.NewPosition, nil
}

// Health is GET /health's 200 body.
type Health struct {
	Status    string                 `json:"status"`
	NodeID    string                 `json:"nodeId"`
	Uptime    float64                `json:"uptime"`
	Stats     map[string]interface{} `json:"stats"`
	Timestamp int64                  `json:"timestamp"`
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, dest interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope errorEnvelope
		if decodeErr := json.NewDecoder(resp.Body).Decode(&envelope); decodeErr != nil {
			return &APIError{Kind: "UNKNOWN", Message: fmt.Sprintf("request failed with status %d", resp.StatusCode), StatusCode: resp.StatusCode}
		}
		envelope.Error.StatusCode = resp.StatusCode
		return &envelope.Error
	}

	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
