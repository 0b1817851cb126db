package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	nodeerrors "github.com/jeju-network/node/internal/errors"
	"github.com/jeju-network/node/internal/node"
	"github.com/jeju-network/node/internal/walwire"
)

// fakePrimary serves canned WAL ranges, optionally failing the first N
// calls to exercise the retry/backoff path.
type fakePrimary struct {
	mu         sync.Mutex
	entries    []walwire.Entry
	failCount  int
	callsSeen  int
	unreachable bool
}

func (f *fakePrimary) GetWALEntries(databaseID string, fromPosition uint64, limit int) (node.WALRangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callsSeen++
	if f.unreachable {
		return node.WALRangeResult{}, errors.New("connection refused")
	}
	if f.failCount > 0 {
		f.failCount--
		return node.WALRangeResult{}, errors.New("transient failure")
	}
	var out []walwire.Entry
	for _, e := range f.entries {
		if e.Position >= fromPosition {
			out = append(out, e)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	var current uint64
	if len(f.entries) > 0 {
		current = f.entries[len(f.entries)-1].Position
	}
	return node.WALRangeResult{Entries: out, CurrentPosition: current}, nil
}

// fakeLocal tracks applied entries and the local position in memory,
// standing in for a real node.Node + dbmanager pairing.
type fakeLocal struct {
	mu       sync.Mutex
	position uint64
	applied  []walwire.Entry
	applyErr error
}

func (f *fakeLocal) LocalWalPosition(databaseID string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeLocal) ApplyWALEntries(ctx context.Context, databaseID string, entries []walwire.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	for _, e := range entries {
		if e.Position > f.position {
			f.position = e.Position
			f.applied = append(f.applied, e)
		}
	}
	return nil
}

func testEntries(n int) []walwire.Entry {
	var out []walwire.Entry
	prev := walwire.ZeroHash
	for i := 1; i <= n; i++ {
		e := walwire.Entry{
			Position:  uint64(i),
			SQL:       "insert into t values (?)",
			Timestamp: int64(1000 + i),
			PrevHash:  prev,
		}
		e.Hash = walwire.ComputeHash(e.Position, e.SQL, e.Params, e.Timestamp, e.PrevHash)
		prev = e.Hash
		out = append(out, e)
	}
	return out
}

func TestFollowConvergesToLiveWhenCaughtUp(t *testing.T) {
	primary := &fakePrimary{entries: testEntries(3)}
	local := &fakeLocal{}
	c := NewCoordinator(primary, local, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Follow(ctx, "db-1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if status, ok := c.Status("db-1"); ok && status.State == StateLive {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, ok := c.Status("db-1")
	if !ok {
		t.Fatalf("expected a followed status for db-1")
	}
	if status.State != StateLive {
		t.Fatalf("State = %s, want %s", status.State, StateLive)
	}
	local.mu.Lock()
	pos := local.position
	local.mu.Unlock()
	if pos != 3 {
		t.Fatalf("local position = %d, want 3", pos)
	}
}

func TestFollowRetriesTransientFailures(t *testing.T) {
	primary := &fakePrimary{entries: testEntries(1), failCount: 2}
	local := &fakeLocal{}
	c := NewCoordinator(primary, local, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Follow(ctx, "db-1")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		local.mu.Lock()
		pos := local.position
		local.mu.Unlock()
		if pos == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the follower to recover from transient failures and converge")
}

func TestFollowFaultsWhenApplyFails(t *testing.T) {
	primary := &fakePrimary{entries: testEntries(1)}
	local := &fakeLocal{applyErr: nodeerrors.HashChainBroken("db-1")}
	c := NewCoordinator(primary, local, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Follow(ctx, "db-1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if status, ok := c.Status("db-1"); ok && status.State == StateFaulted {
			if status.LastError == "" {
				t.Fatalf("expected a recorded error on the faulted status")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the follower to fault on a hash-chain-broken apply error")
}

func TestFollowFaultsWhenPrimaryUnreachable(t *testing.T) {
	primary := &fakePrimary{unreachable: true}
	local := &fakeLocal{}
	c := NewCoordinator(primary, local, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Follow(ctx, "db-1")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if status, ok := c.Status("db-1"); ok && status.State == StateFaulted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected the follower to fault once the retry budget is exhausted")
}

func TestUnfollowStopsThePullLoop(t *testing.T) {
	primary := &fakePrimary{entries: testEntries(1)}
	local := &fakeLocal{}
	c := NewCoordinator(primary, local, nil)

	c.Follow(context.Background(), "db-1")
	time.Sleep(50 * time.Millisecond)
	c.Unfollow("db-1")

	if _, ok := c.Status("db-1"); ok {
		t.Fatalf("expected no status after Unfollow")
	}
}
