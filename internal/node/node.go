// Package node provides the top-level facade composing the SQL executor,
// WAL engine, and database manager, and exposing the externally visible
// operations the HTTP adapter and replication coordinator call
// (spec.md §4.4).
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	nodeerrors "github.com/jeju-network/node/internal/errors"
	"github.com/jeju-network/node/internal/dbmanager"
	"github.com/jeju-network/node/internal/logging"
	"github.com/jeju-network/node/internal/sqlengine"
	"github.com/jeju-network/node/internal/walwire"
)

// Status is the Node's own lifecycle state, distinct from any one
// database's replication state.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExiting Status = "exiting"
)

// EventType names a Node lifecycle event.
type EventType string

const (
	EventNodeRegistered  EventType = "node:registered"
	EventDatabaseCreated EventType = "database:created"
	EventDatabaseDeleted EventType = "database:deleted"
	EventWALAppended     EventType = "wal:appended"
)

// Event is published to every registered handler whose buffer has room; a
// handler whose buffer is full misses it, and EventsDropped counts the loss.
type Event struct {
	Type       EventType
	DatabaseID string
	At         time.Time
}

// eventBufferSize bounds each handler's channel; a slow consumer drops
// events rather than stalling the publisher (spec.md §9: "broadcast
// channel with bounded buffering... consumers drop with an 'events
// lagging' indicator").
const eventBufferSize = 256

// Node composes the database manager and publishes lifecycle events.
type Node struct {
	ID      string
	logger  *logging.Logger
	manager *dbmanager.Manager

	mu       sync.RWMutex
	status   Status
	handlers []chan Event

	eventsDroppedMu sync.Mutex
	eventsDropped   uint64
}

// New constructs a Node with the given id and manager, in StatusPending.
func New(id string, manager *dbmanager.Manager, logger *logging.Logger) *Node {
	return &Node{ID: id, manager: manager, logger: logger, status: StatusPending}
}

// Start transitions pending -> active and publishes node:registered.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.status != StatusPending {
		n.mu.Unlock()
		return fmt.Errorf("node: cannot start from status %s", n.status)
	}
	n.status = StatusActive
	n.mu.Unlock()

	n.publish(Event{Type: EventNodeRegistered, At: time.Now()})
	return nil
}

// Stop transitions active -> exiting and closes every handler channel,
// draining whatever remains buffered. Callers should stop submitting new
// operations before calling Stop.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.status != StatusActive {
		n.mu.Unlock()
		return fmt.Errorf("node: cannot stop from status %s", n.status)
	}
	n.status = StatusExiting
	handlers := n.handlers
	n.handlers = nil
	n.mu.Unlock()

	for _, ch := range handlers {
		close(ch)
	}
	return nil
}

// Status returns the Node's current lifecycle status.
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// OnEvent registers a handler channel; the returned channel receives every
// subsequent event once, except that an event is dropped for it when its
// buffer is full.
func (n *Node) OnEvent() <-chan Event {
	ch := make(chan Event, eventBufferSize)
	n.mu.Lock()
	n.handlers = append(n.handlers, ch)
	n.mu.Unlock()
	return ch
}

func (n *Node) publish(evt Event) {
	n.mu.RLock()
	handlers := n.handlers
	n.mu.RUnlock()

	for _, ch := range handlers {
		select {
		case ch <- evt:
		default:
			n.eventsDroppedMu.Lock()
			n.eventsDropped++
			n.eventsDroppedMu.Unlock()
			if n.logger != nil {
				n.logger.WithContext(context.Background()).WithFields(map[string]interface{}{
					"event_type": evt.Type,
				}).Warn("events lagging: dropped event for a full handler channel")
			}
		}
	}
}

// EventsDropped returns the cumulative count of dropped events, exposed via
// /metrics.
func (n *Node) EventsDropped() uint64 {
	n.eventsDroppedMu.Lock()
	defer n.eventsDroppedMu.Unlock()
	return n.eventsDropped
}

// ExecuteRequest is the input to Execute.
type ExecuteRequest struct {
	DatabaseID          string
	SQL                 string
	Params              []walwire.Value
	RequiredWalPosition *uint64
}

// ExecuteResult mirrors sqlengine.Result plus the WAL position the
// statement (if mutating) landed at.
type ExecuteResult struct {
	sqlengine.Result
	WalPosition uint64
}

// Execute runs one statement against a database. If RequiredWalPosition is
// set and exceeds the local WAL position, it fails with NodeBehind so a
// read-your-writes client can retry elsewhere.
func (n *Node) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	db, err := n.manager.Get(req.DatabaseID)
	if err != nil {
		return ExecuteResult{}, err
	}

	current := db.WalPosition()
	if req.RequiredWalPosition != nil && *req.RequiredWalPosition > current {
		return ExecuteResult{}, nodeerrors.NodeBehind(*req.RequiredWalPosition, current)
	}

	res, err := db.SQL().Execute(ctx, req.SQL, req.Params)
	if err != nil {
		return ExecuteResult{}, err
	}

	if res.ReadOnly {
		return ExecuteResult{Result: res, WalPosition: current}, nil
	}

	entry, err := db.WAL().Append(req.SQL, req.Params, time.Now().UnixMilli())
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("node: append wal entry: %w", err)
	}
	n.publish(Event{Type: EventWALAppended, DatabaseID: req.DatabaseID, At: time.Now()})
	return ExecuteResult{Result: res, WalPosition: entry.Position}, nil
}

// BatchRequest is the input to BatchExecute.
type BatchRequest struct {
	DatabaseID    string
	Statements    []sqlengine.Statement
	Transactional bool
}

// BatchResult is the aggregate outcome of a batch.
type BatchResult struct {
	Results     []sqlengine.Result
	WalPosition uint64
}

// BatchExecute runs a batch of statements, logging each mutating statement
// to the WAL in order after the batch commits.
func (n *Node) BatchExecute(ctx context.Context, req BatchRequest) (BatchResult, error) {
	db, err := n.manager.Get(req.DatabaseID)
	if err != nil {
		return BatchResult{}, err
	}

	results, err := db.SQL().ExecuteBatch(ctx, req.Statements, req.Transactional)
	if err != nil {
		return BatchResult{}, err
	}

	var lastPosition uint64
	for i, res := range results {
		if res.ReadOnly {
			continue
		}
		entry, appendErr := db.WAL().Append(req.Statements[i].SQL, req.Statements[i].Params, time.Now().UnixMilli())
		if appendErr != nil {
			return BatchResult{}, fmt.Errorf("node: append batch wal entry: %w", appendErr)
		}
		lastPosition = entry.Position
	}
	if lastPosition > 0 {
		n.publish(Event{Type: EventWALAppended, DatabaseID: req.DatabaseID, At: time.Now()})
	} else {
		lastPosition = db.WalPosition()
	}

	return BatchResult{Results: results, WalPosition: lastPosition}, nil
}

// WALRangeResult is the primary half of the replication contract.
type WALRangeResult struct {
	Entries         []walwire.Entry
	CurrentPosition uint64
}

// LocalWalPosition returns databaseID's current WAL position, letting a
// replication coordinator compute its next pull without holding a full
// Node reference (see replication.LocalApplier).
func (n *Node) LocalWalPosition(databaseID string) (uint64, error) {
	db, err := n.manager.Get(databaseID)
	if err != nil {
		return 0, err
	}
	return db.WalPosition(), nil
}

// GetWALEntries serves a follower's pull request.
func (n *Node) GetWALEntries(databaseID string, fromPosition uint64, limit int) (WALRangeResult, error) {
	db, err := n.manager.Get(databaseID)
	if err != nil {
		return WALRangeResult{}, err
	}
	entries, err := db.WAL().ReadRange(fromPosition, limit)
	if err != nil {
		return WALRangeResult{}, fmt.Errorf("node: read wal range: %w", err)
	}
	return WALRangeResult{Entries: entries, CurrentPosition: db.WalPosition()}, nil
}

// ApplyWALEntries is the replica half: it appends each entry to the local
// WAL (verifying hash-chain continuity) and replays its SQL against the
// local database engine. Entries already applied are skipped, making this
// safe to call repeatedly with overlapping ranges.
func (n *Node) ApplyWALEntries(ctx context.Context, databaseID string, entries []walwire.Entry) error {
	db, err := n.manager.Get(databaseID)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		beforePosition := db.WalPosition()
		if err := db.WAL().AppendVerified(entry); err != nil {
			return err
		}
		if db.WalPosition() == beforePosition {
			continue // already applied
		}
		if _, err := db.SQL().Execute(ctx, entry.SQL, entry.Params); err != nil {
			return fmt.Errorf("node: replay wal entry %d: %w", entry.Position, err)
		}
	}
	n.publish(Event{Type: EventWALAppended, DatabaseID: databaseID, At: time.Now()})
	return nil
}

// Manager exposes the underlying database manager for creation/deletion
// callers (internal/httpapi) that need it directly.
func (n *Node) Manager() *dbmanager.Manager { return n.manager }

// PublishDatabaseCreated lets dbmanager-adjacent callers (the HTTP create
// handler) notify subscribers after a database is provisioned.
func (n *Node) PublishDatabaseCreated(databaseID string) {
	n.publish(Event{Type: EventDatabaseCreated, DatabaseID: databaseID, At: time.Now()})
}

// PublishDatabaseDeleted notifies subscribers after a database is removed.
func (n *Node) PublishDatabaseDeleted(databaseID string) {
	n.publish(Event{Type: EventDatabaseDeleted, DatabaseID: databaseID, At: time.Now()})
}
