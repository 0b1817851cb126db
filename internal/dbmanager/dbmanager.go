// Package dbmanager owns the lifecycle of databases hosted by this node:
// creation, deletion, lookup, and the per-database isolation that keeps one
// tenant's file layout invisible to another (spec.md §4.3).
package dbmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	nodeerrors "github.com/jeju-network/node/internal/errors"
	"github.com/jeju-network/node/internal/sqlengine"
	"github.com/jeju-network/node/internal/walengine"
)

// EncryptionMode is inert metadata as far as the core is concerned, except
// for TeeEncrypted, which a Node surfaces to a separate TEE execution path
// outside this package's scope.
type EncryptionMode string

const (
	EncryptionNone         EncryptionMode = "none"
	EncryptionAtRest       EncryptionMode = "at_rest"
	EncryptionTeeEncrypted EncryptionMode = "tee_encrypted"
)

// Role is a database's replication role on this node.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// ReplicationPolicy configures how many replicas a database wants and in
// which region. It is stored with the database's metadata and is otherwise
// inert within a single node; internal/catalog does not record it.
type ReplicationPolicy struct {
	ReplicaCount int    `json:"replicaCount"`
	Region       string `json:"region"`
}

// Database is one independently provisioned, isolated relational store.
type Database struct {
	ID             string             `json:"databaseId"`
	Name           string             `json:"name"`
	EncryptionMode EncryptionMode     `json:"encryptionMode"`
	Replication    ReplicationPolicy  `json:"replication"`
	Role           Role               `json:"role"`
	CreatedAt      time.Time          `json:"createdAt"`

	sql *sqlengine.Engine
	wal *walengine.Engine
}

// SQL returns the database's statement executor.
func (d *Database) SQL() *sqlengine.Engine { return d.sql }

// WAL returns the database's write-ahead log.
func (d *Database) WAL() *walengine.Engine { return d.wal }

// WalPosition returns the highest committed WAL position for this database.
func (d *Database) WalPosition() uint64 { return d.wal.Position() }

// CreateRequest describes a new database.
type CreateRequest struct {
	Name           string
	Schema         string
	EncryptionMode EncryptionMode
	Replication    ReplicationPolicy
	Role           Role
}

// Manager creates, lists, and deletes databases, keeping each one's file
// pair (sqlite file + WAL log) under its own subdirectory of dataDir.
type Manager struct {
	dataDir string

	mu        sync.RWMutex
	databases map[string]*Database
	byName    map[string]string // name -> databaseId
}

// New constructs a Manager rooted at dataDir, creating the databases
// subdirectory if absent.
func New(dataDir string) (*Manager, error) {
	dbRoot := filepath.Join(dataDir, "databases")
	if err := os.MkdirAll(dbRoot, 0o755); err != nil {
		return nil, fmt.Errorf("dbmanager: create %s: %w", dbRoot, err)
	}
	return &Manager{
		dataDir:   dataDir,
		databases: make(map[string]*Database),
		byName:    make(map[string]string),
	}, nil
}

func (m *Manager) databaseDir(databaseID string) string {
	return filepath.Join(m.dataDir, "databases", databaseID)
}

// Create provisions a new database: allocates an id, creates its files,
// and applies the initial schema as WAL position 1 (schema statements
// enter the log as regular entries).
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Database, error) {
	m.mu.Lock()
	if _, taken := m.byName[req.Name]; taken {
		m.mu.Unlock()
		return nil, nodeerrors.NameTaken(req.Name)
	}
	m.mu.Unlock()

	databaseID := uuid.NewString()
	dir := m.databaseDir(databaseID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dbmanager: create dir for %s: %w", databaseID, err)
	}

	sqlEngine, err := sqlengine.Open(filepath.Join(dir, "data.db"))
	if err != nil {
		return nil, fmt.Errorf("dbmanager: open sql engine for %s: %w", databaseID, err)
	}
	walEngine, err := walengine.Open(filepath.Join(dir, "wal.log"))
	if err != nil {
		sqlEngine.Close()
		return nil, fmt.Errorf("dbmanager: open wal engine for %s: %w", databaseID, err)
	}

	role := req.Role
	if role == "" {
		role = RolePrimary
	}
	db := &Database{
		ID:             databaseID,
		Name:           req.Name,
		EncryptionMode: req.EncryptionMode,
		Replication:    req.Replication,
		Role:           role,
		CreatedAt:      time.Now(),
		sql:            sqlEngine,
		wal:            walEngine,
	}

	if req.Schema != "" {
		if _, err := walEngine.Append(req.Schema, nil, time.Now().UnixMilli()); err != nil {
			sqlEngine.Close()
			walEngine.Close()
			return nil, fmt.Errorf("dbmanager: log schema for %s: %w", databaseID, err)
		}
		if err := sqlEngine.ApplySchema(ctx, req.Schema); err != nil {
			sqlEngine.Close()
			walEngine.Close()
			return nil, err
		}
	}

	m.mu.Lock()
	m.databases[databaseID] = db
	m.byName[req.Name] = databaseID
	m.mu.Unlock()

	return db, nil
}

// Get looks up a database by id.
func (m *Manager) Get(databaseID string) (*Database, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.databases[databaseID]
	if !ok {
		return nil, nodeerrors.NotFound("database not found").WithDetails("database_id", databaseID)
	}
	return db, nil
}

// GetByName looks up a database by its human-assigned name, used by
// callers that provision a reserved, well-known database (internal/relay's
// "_relay" store) and must find it again idempotently across restarts
// within a process.
func (m *Manager) GetByName(name string) (*Database, error) {
	m.mu.RLock()
	databaseID, ok := m.byName[name]
	m.mu.RUnlock()
	if !ok {
		return nil, nodeerrors.NotFound("database not found").WithDetails("name", name)
	}
	return m.Get(databaseID)
}

// List returns every database known to this node.
func (m *Manager) List() []*Database {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Database, 0, len(m.databases))
	for _, db := range m.databases {
		out = append(out, db)
	}
	return out
}

// Delete destroys a database's file and its log, releasing file handles
// first.
func (m *Manager) Delete(databaseID string) error {
	m.mu.Lock()
	db, ok := m.databases[databaseID]
	if !ok {
		m.mu.Unlock()
		return nodeerrors.NotFound("database not found").WithDetails("database_id", databaseID)
	}
	delete(m.databases, databaseID)
	delete(m.byName, db.Name)
	m.mu.Unlock()

	db.sql.Close()
	db.wal.Close()

	if err := os.RemoveAll(m.databaseDir(databaseID)); err != nil {
		return fmt.Errorf("dbmanager: remove files for %s: %w", databaseID, err)
	}
	return nil
}

// CurrentWalPosition returns the highest committed WAL position for
// databaseID.
func (m *Manager) CurrentWalPosition(databaseID string) (uint64, error) {
	db, err := m.Get(databaseID)
	if err != nil {
		return 0, err
	}
	return db.WalPosition(), nil
}

// RegisterReplica adopts an existing, already-provisioned database
// directory for a replica role (used by internal/replication when a
// follower first learns of a database from its primary).
func (m *Manager) RegisterReplica(databaseID, name string, encryptionMode EncryptionMode) (*Database, error) {
	m.mu.Lock()
	if _, exists := m.databases[databaseID]; exists {
		m.mu.Unlock()
		return m.Get(databaseID)
	}
	m.mu.Unlock()

	dir := m.databaseDir(databaseID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dbmanager: create replica dir for %s: %w", databaseID, err)
	}
	sqlEngine, err := sqlengine.Open(filepath.Join(dir, "data.db"))
	if err != nil {
		return nil, fmt.Errorf("dbmanager: open replica sql engine for %s: %w", databaseID, err)
	}
	walEngine, err := walengine.Open(filepath.Join(dir, "wal.log"))
	if err != nil {
		sqlEngine.Close()
		return nil, fmt.Errorf("dbmanager: open replica wal engine for %s: %w", databaseID, err)
	}

	db := &Database{
		ID:             databaseID,
		Name:           name,
		EncryptionMode: encryptionMode,
		Role:           RoleReplica,
		CreatedAt:      time.Now(),
		sql:            sqlEngine,
		wal:            walEngine,
	}

	m.mu.Lock()
	m.databases[databaseID] = db
	m.byName[name] = databaseID
	m.mu.Unlock()

	return db, nil
}
