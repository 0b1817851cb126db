package dbmanager

import (
	"context"
	"testing"

	nodeerrors "github.com/jeju-network/node/internal/errors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t)
	db, err := m.Create(context.Background(), CreateRequest{
		Name:   "tenant-a",
		Schema: "CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT)",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if db.Role != RolePrimary {
		t.Fatalf("Role = %s, want primary", db.Role)
	}
	if db.WalPosition() != 1 {
		t.Fatalf("WalPosition() = %d, want 1 (schema entry)", db.WalPosition())
	}

	got, err := m.Get(db.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "tenant-a" {
		t.Fatalf("Name = %s, want tenant-a", got.Name)
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create(context.Background(), CreateRequest{Name: "dup"}); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := m.Create(context.Background(), CreateRequest{Name: "dup"})
	if err == nil {
		t.Fatalf("expected second Create with the same name to fail")
	}
	ne, ok := nodeerrors.As(err)
	if !ok || ne.Kind != nodeerrors.KindValidation {
		t.Fatalf("expected a Validation NodeError, got %v", err)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get("does-not-exist")
	ne, ok := nodeerrors.As(err)
	if !ok || ne.Kind != nodeerrors.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeleteRemovesDatabase(t *testing.T) {
	m := newTestManager(t)
	db, err := m.Create(context.Background(), CreateRequest{Name: "to-delete"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Delete(db.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(db.ID); err == nil {
		t.Fatalf("expected Get to fail after Delete")
	}
	// The name should be free again.
	if _, err := m.Create(context.Background(), CreateRequest{Name: "to-delete"}); err != nil {
		t.Fatalf("expected the name to be reusable after Delete, got: %v", err)
	}
}

func TestGetByName(t *testing.T) {
	m := newTestManager(t)
	db, err := m.Create(context.Background(), CreateRequest{Name: "_relay"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := m.GetByName("_relay")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if got.ID != db.ID {
		t.Fatalf("GetByName returned a different database")
	}
	if _, err := m.GetByName("does-not-exist"); err == nil {
		t.Fatalf("expected GetByName to fail for an unknown name")
	}
}

func TestListReturnsAllDatabases(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"a", "b", "c"} {
		if _, err := m.Create(context.Background(), CreateRequest{Name: name}); err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
	}
	if len(m.List()) != 3 {
		t.Fatalf("List() length = %d, want 3", len(m.List()))
	}
}
