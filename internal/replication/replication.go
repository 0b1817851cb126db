// Package replication converges a follower's databases to their primary's
// state by pulling WAL ranges and applying them idempotently (spec.md
// §4.5). The pull/retry/backoff shape is grounded on
// ppriyankuu-godkv's internal/cluster Replicator.sendReplicateRequest; the
// state vocabulary borrows from ar4mirez-maia's internal/replication
// Role/WALEntry types, though this node models entry checksums as a SHA-256
// hash chain rather than a standalone CRC32.
package replication

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jeju-network/node/internal/logging"
	"github.com/jeju-network/node/internal/node"
	"github.com/jeju-network/node/internal/walwire"
)

// State is a follower-database's position in the convergence state
// machine.
type State string

const (
	StateCatchingUp State = "catching_up"
	StateLive       State = "live"
	StateFaulted    State = "faulted"
)

// PullLimit is how many entries a follower asks for per tick. Exactly this
// many coming back means there is more to fetch; fewer means the follower
// has caught up.
const PullLimit = 256

// PrimaryLink is the only thing a follower's pull loop needs from a
// primary: a narrow interface that breaks the Node <-> Coordinator
// ownership cycle (spec.md §9's "capability set" redesign applied to the
// primary side of replication — the coordinator depends on this
// interface, not on *node.Node).
type PrimaryLink interface {
	GetWALEntries(databaseID string, fromPosition uint64, limit int) (node.WALRangeResult, error)
}

// LocalApplier is the only thing a follower's pull loop needs from the
// local node: idempotent entry application and the current local
// position.
type LocalApplier interface {
	ApplyWALEntries(ctx context.Context, databaseID string, entries []walwire.Entry) error
	LocalWalPosition(databaseID string) (uint64, error)
}

// FollowerStatus is the externally observable state of one
// follower-database pair.
type FollowerStatus struct {
	DatabaseID string
	State      State
	LastError  string
	LastPullAt time.Time
}

type followerEntry struct {
	mu     sync.Mutex
	status FollowerStatus
	cancel context.CancelFunc
}

// Coordinator runs one pull loop per followed database.
type Coordinator struct {
	primary PrimaryLink
	local   LocalApplier
	logger  *logging.Logger

	mu        sync.Mutex
	followers map[string]*followerEntry
}

// NewCoordinator constructs a Coordinator pulling from primary and
// applying to local.
func NewCoordinator(primary PrimaryLink, local LocalApplier, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		primary:   primary,
		local:     local,
		logger:    logger,
		followers: make(map[string]*followerEntry),
	}
}

// Follow starts (or restarts, if not already running) the pull loop for
// databaseID.
func (c *Coordinator) Follow(ctx context.Context, databaseID string) {
	c.mu.Lock()
	if _, exists := c.followers[databaseID]; exists {
		c.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	fe := &followerEntry{
		status: FollowerStatus{DatabaseID: databaseID, State: StateCatchingUp},
		cancel: cancel,
	}
	c.followers[databaseID] = fe
	c.mu.Unlock()

	go c.pullLoop(loopCtx, databaseID, fe)
}

// Unfollow stops the pull loop for databaseID, if running.
func (c *Coordinator) Unfollow(databaseID string) {
	c.mu.Lock()
	fe, exists := c.followers[databaseID]
	if exists {
		delete(c.followers, databaseID)
	}
	c.mu.Unlock()
	if exists {
		fe.cancel()
	}
}

// Status returns the current FollowerStatus for databaseID, or false if
// not followed.
func (c *Coordinator) Status(databaseID string) (FollowerStatus, bool) {
	c.mu.Lock()
	fe, exists := c.followers[databaseID]
	c.mu.Unlock()
	if !exists {
		return FollowerStatus{}, false
	}
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.status, true
}

// maxRetries bounds the exponential backoff before a primary is declared
// unreachable and the follower is marked faulted (spec.md §4.5: "primary
// unreachable beyond a bounded retry budget").
const maxRetries = 6

func (c *Coordinator) pullLoop(ctx context.Context, databaseID string, fe *followerEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.tick(ctx, databaseID, fe) {
			return // faulted; stop the loop for good
		}
	}
}

// tick runs one pull-apply cycle, retrying transient failures with
// exponential backoff. It returns true if the database was faulted and the
// loop should stop.
func (c *Coordinator) tick(ctx context.Context, databaseID string, fe *followerEntry) bool {
	local, err := c.local.LocalWalPosition(databaseID)
	if err != nil {
		return c.fault(fe, fmt.Errorf("read local position: %w", err))
	}

	entries, err := c.pullWithBackoff(ctx, databaseID, local+1)
	if err != nil {
		return c.fault(fe, err)
	}

	if len(entries) == 0 {
		c.setState(fe, StateLive)
		select {
		case <-ctx.Done():
		case <-time.After(500 * time.Millisecond):
		}
		return false
	}

	// Any apply failure is fatal for this database: a bad hash means the
	// chain is broken, and every other error (SQL replay failure, schema
	// drift) means this replica can no longer trust its local state
	// relative to the primary's. Neither is safe to retry blindly.
	if err := c.local.ApplyWALEntries(ctx, databaseID, entries); err != nil {
		return c.fault(fe, err)
	}

	if len(entries) == PullLimit {
		c.setState(fe, StateCatchingUp)
	} else {
		c.setState(fe, StateLive)
	}
	fe.mu.Lock()
	fe.status.LastPullAt = time.Now()
	fe.mu.Unlock()
	return false
}

// pullWithBackoff retries transient PrimaryLink failures with exponential
// backoff, capped at maxRetries attempts.
func (c *Coordinator) pullWithBackoff(ctx context.Context, databaseID string, from uint64) ([]walwire.Entry, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))*100) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		result, err := c.primary.GetWALEntries(databaseID, from, PullLimit)
		if err == nil {
			return result.Entries, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("primary unreachable after %d attempts: %w", maxRetries, lastErr)
}

func (c *Coordinator) setState(fe *followerEntry, state State) {
	fe.mu.Lock()
	fe.status.State = state
	fe.mu.Unlock()
}

// fault marks fe faulted. Returns true always, for use as a tail call in
// tick.
func (c *Coordinator) fault(fe *followerEntry, err error) bool {
	fe.mu.Lock()
	fe.status.State = StateFaulted
	fe.status.LastError = err.Error()
	fe.mu.Unlock()
	if c.logger != nil {
		c.logger.WithContext(context.Background()).WithFields(map[string]interface{}{
			"database_id": fe.status.DatabaseID,
		}).WithError(err).Error("replica faulted")
	}
	return true
}
