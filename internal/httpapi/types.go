// Package httpapi wires the Node, the relay Store, rate limiting, and
// metrics into the HTTP/WebSocket surface spec.md §6 describes. It is
// deliberately thin: it decodes requests, dispatches to internal/node or
// internal/relay, and encodes responses — no business logic of its own
// (spec.md §4.8).
package httpapi

import (
	"github.com/jeju-network/node/internal/sqlengine"
	"github.com/jeju-network/node/internal/walwire"
)

// queryRequest is the body of POST /query.
type queryRequest struct {
	DatabaseID          string          `json:"databaseId"`
	SQL                 string          `json:"sql"`
	Params              []walwire.Value `json:"params,omitempty"`
	RequiredWalPosition *uint64         `json:"requiredWalPosition,omitempty"`
}

// queryResponse is the body of POST /query's 200 response.
type queryResponse struct {
	Rows         []sqlengine.Row `json:"rows"`
	RowsAffected int64           `json:"rowsAffected"`
	LastInsertID int64           `json:"lastInsertId"`
	ReadOnly     bool            `json:"readOnly"`
	WalPosition  uint64          `json:"walPosition"`
}

// batchStatement is one entry of POST /batch's queries array.
type batchStatement struct {
	SQL    string          `json:"sql"`
	Params []walwire.Value `json:"params,omitempty"`
}

// batchRequest is the body of POST /batch.
type batchRequest struct {
	DatabaseID    string           `json:"databaseId"`
	Queries       []batchStatement `json:"queries"`
	Transactional bool             `json:"transactional"`
}

// batchResult mirrors one sqlengine.Result within a batch response.
type batchResult struct {
	Rows         []sqlengine.Row `json:"rows"`
	RowsAffected int64           `json:"rowsAffected"`
	LastInsertID int64           `json:"lastInsertId"`
	ReadOnly     bool            `json:"readOnly"`
}

// batchResponse is the body of POST /batch's 200 response.
type batchResponse struct {
	Results     []batchResult `json:"results"`
	WalPosition uint64        `json:"walPosition"`
}

// healthStats carries the process-level resource figures spec.md §6
// groups under /health's "stats" field.
type healthStats struct {
	MemoryUsedBytes  uint64  `json:"memoryUsedBytes"`
	MemoryTotalBytes uint64  `json:"memoryTotalBytes"`
	DiskUsedBytes    uint64  `json:"diskUsedBytes"`
	DiskTotalBytes   uint64  `json:"diskTotalBytes"`
	CPUPercent       float64 `json:"cpuPercent"`
	DatabaseCount    int     `json:"databaseCount"`
	EventsDropped    uint64  `json:"eventsDropped"`
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status    string      `json:"status"`
	NodeID    string      `json:"nodeId"`
	Version   string      `json:"version"`
	Uptime    float64     `json:"uptime"`
	Stats     healthStats `json:"stats"`
	Timestamp int64       `json:"timestamp"`
}

// walEntryWire is the wire shape of one WAL entry, already exactly what
// walwire.Entry marshals to (spec.md §6's "WAL entry on the wire") — this
// alias exists only to name the element type of the Entries fields below.
type walEntryWire = walwire.Entry

// walRangeResponse is the body of GET /wal's 200 response.
type walRangeResponse struct {
	Entries         []walEntryWire `json:"entries"`
	CurrentPosition uint64         `json:"currentPosition"`
}

// walApplyRequest is the body of POST /wal/apply.
type walApplyRequest struct {
	DatabaseID string         `json:"databaseId"`
	Entries    []walEntryWire `json:"entries"`
}

// walApplyResponse is the body of POST /wal/apply's 200 response.
type walApplyResponse struct {
	Accepted    bool   `json:"accepted"`
	NewPosition uint64 `json:"newPosition"`
}

// sendResponse is the body of POST /send's 200 response.
type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	CID       string `json:"cid"`
	Timestamp int64  `json:"timestamp"`
	Delivered bool   `json:"delivered"`
}

// readResponse is the body of POST /read/:id's 200 response.
type readResponse struct {
	Status string `json:"status"`
}
