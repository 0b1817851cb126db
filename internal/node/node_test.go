package node

import (
	"context"
	"testing"

	"github.com/jeju-network/node/internal/dbmanager"
	nodeerrors "github.com/jeju-network/node/internal/errors"
	"github.com/jeju-network/node/internal/walwire"
)

func newTestNode(t *testing.T) (*Node, *dbmanager.Database) {
	t.Helper()
	mgr, err := dbmanager.New(t.TempDir())
	if err != nil {
		t.Fatalf("dbmanager.New: %v", err)
	}
	n := New("node-1", mgr, nil)
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	db, err := mgr.Create(context.Background(), dbmanager.CreateRequest{
		Name:   "t1",
		Schema: "CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT)",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return n, db
}

func TestExecuteAppendsWalOnMutation(t *testing.T) {
	n, db := newTestNode(t)
	res, err := n.Execute(context.Background(), ExecuteRequest{
		DatabaseID: db.ID,
		SQL:        "INSERT INTO items (label) VALUES (?)",
		Params:     []walwire.Value{walwire.StringValue("widget")},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.WalPosition != 2 { // position 1 is the schema statement
		t.Fatalf("WalPosition = %d, want 2", res.WalPosition)
	}
}

func TestExecuteReadDoesNotAppendWal(t *testing.T) {
	n, db := newTestNode(t)
	before := db.WalPosition()
	res, err := n.Execute(context.Background(), ExecuteRequest{
		DatabaseID: db.ID,
		SQL:        "SELECT * FROM items",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.ReadOnly {
		t.Fatalf("expected a read-only result")
	}
	if db.WalPosition() != before {
		t.Fatalf("WalPosition changed for a read-only statement: %d != %d", db.WalPosition(), before)
	}
}

func TestExecuteFailsWhenBehindRequiredPosition(t *testing.T) {
	n, db := newTestNode(t)
	required := db.WalPosition() + 10
	_, err := n.Execute(context.Background(), ExecuteRequest{
		DatabaseID:          db.ID,
		SQL:                 "SELECT * FROM items",
		RequiredWalPosition: &required,
	})
	ne, ok := nodeerrors.As(err)
	if !ok || ne.Kind != nodeerrors.KindNodeBehind {
		t.Fatalf("expected NodeBehind, got %v", err)
	}
}

func TestGetWALEntriesAndApplyWALEntriesConverge(t *testing.T) {
	primaryNode, primaryDB := newTestNode(t)
	if _, err := primaryNode.Execute(context.Background(), ExecuteRequest{
		DatabaseID: primaryDB.ID,
		SQL:        "INSERT INTO items (label) VALUES (?)",
		Params:     []walwire.Value{walwire.StringValue("a")},
	}); err != nil {
		t.Fatalf("Execute on primary: %v", err)
	}

	rangeResult, err := primaryNode.GetWALEntries(primaryDB.ID, 1, 0)
	if err != nil {
		t.Fatalf("GetWALEntries: %v", err)
	}

	replicaMgr, err := dbmanager.New(t.TempDir())
	if err != nil {
		t.Fatalf("dbmanager.New: %v", err)
	}
	replicaNode := New("node-2", replicaMgr, nil)
	if err := replicaNode.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := replicaMgr.RegisterReplica(primaryDB.ID, primaryDB.Name, primaryDB.EncryptionMode); err != nil {
		t.Fatalf("RegisterReplica: %v", err)
	}

	if err := replicaNode.ApplyWALEntries(context.Background(), primaryDB.ID, rangeResult.Entries); err != nil {
		t.Fatalf("ApplyWALEntries: %v", err)
	}

	replicaDB, err := replicaMgr.Get(primaryDB.ID)
	if err != nil {
		t.Fatalf("Get replica: %v", err)
	}
	if replicaDB.WalPosition() != primaryDB.WalPosition() {
		t.Fatalf("replica position %d != primary position %d", replicaDB.WalPosition(), primaryDB.WalPosition())
	}

	// Re-applying the same range must be a no-op.
	if err := replicaNode.ApplyWALEntries(context.Background(), primaryDB.ID, rangeResult.Entries); err != nil {
		t.Fatalf("ApplyWALEntries (replay): %v", err)
	}
	if replicaDB.WalPosition() != primaryDB.WalPosition() {
		t.Fatalf("replaying entries changed replica position")
	}
}

func TestOnEventDeliversLifecycleEvents(t *testing.T) {
	mgr, err := dbmanager.New(t.TempDir())
	if err != nil {
		t.Fatalf("dbmanager.New: %v", err)
	}
	n := New("node-1", mgr, nil)
	events := n.OnEvent()
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Type != EventNodeRegistered {
			t.Fatalf("Type = %s, want %s", evt.Type, EventNodeRegistered)
		}
	default:
		t.Fatalf("expected node:registered to be delivered synchronously into the buffered channel")
	}
}
