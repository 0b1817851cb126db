// Package catalog is the optional Postgres-resident cluster roster
// (spec.md's supplemental component): a shared table of which nodes exist,
// what role each holds, and when it was last seen. It is pure convenience
// for primary discovery and operational visibility — nothing in
// internal/node, internal/replication, or internal/relay depends on it,
// and a cluster with no catalog configured still replicates and relays
// correctly as long as each replica is told its primary's address directly
// (internal/config.NodeConfig.ReplicaOf).
//
// Grounded on system/platform/database (sql.Open + Ping connection
// opening) and system/platform/migrations (embedded SQL migrations),
// adapted to run through golang-migrate's iofs source instead of a raw
// ExecContext loop, and internal/platform/database/store (sqlx-based CRUD
// over *sqlx.DB) for the query shape.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Role mirrors internal/dbmanager.Role's vocabulary at the node level
// (every database on a node shares the node's own primary/replica role in
// this system's single-writer-per-node design).
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// Entry is one node's row in the roster.
type Entry struct {
	NodeID        string    `db:"node_id"`
	Role          Role      `db:"role"`
	AdvertiseAddr string    `db:"advertise_addr"`
	RegisteredAt  time.Time `db:"registered_at"`
	LastHeartbeat time.Time `db:"last_heartbeat"`
}

// Catalog is a connection to the shared roster database.
type Catalog struct {
	db *sqlx.DB
}

// Open connects to dsn, runs pending migrations, and returns a ready
// Catalog. The caller owns the returned Catalog and must call Close when
// done.
func Open(ctx context.Context, dsn string) (*Catalog, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("catalog: ping postgres: %w", err)
	}

	if err := runMigrations(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &Catalog{db: sqlx.NewDb(sqlDB, "postgres")}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("catalog: open migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("catalog: init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("catalog: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("catalog: apply migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Register upserts this node's roster entry, refreshing its heartbeat.
func (c *Catalog) Register(ctx context.Context, nodeID string, role Role, advertiseAddr string) error {
	const query = `
		INSERT INTO nodes (node_id, role, advertise_addr, registered_at, last_heartbeat)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (node_id) DO UPDATE SET
			role = EXCLUDED.role,
			advertise_addr = EXCLUDED.advertise_addr,
			last_heartbeat = now()
	`
	_, err := c.db.ExecContext(ctx, query, nodeID, string(role), advertiseAddr)
	if err != nil {
		return fmt.Errorf("catalog: register %s: %w", nodeID, err)
	}
	return nil
}

// Heartbeat refreshes nodeID's last-seen timestamp without touching its
// role or address.
func (c *Catalog) Heartbeat(ctx context.Context, nodeID string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE nodes SET last_heartbeat = now() WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("catalog: heartbeat %s: %w", nodeID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: heartbeat %s: %w", nodeID, err)
	}
	if rows == 0 {
		return fmt.Errorf("catalog: heartbeat %s: node not registered", nodeID)
	}
	return nil
}

// Get returns one node's roster entry.
func (c *Catalog) Get(ctx context.Context, nodeID string) (Entry, error) {
	var e Entry
	err := c.db.GetContext(ctx, &e, `SELECT node_id, role, advertise_addr, registered_at, last_heartbeat FROM nodes WHERE node_id = $1`, nodeID)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: get %s: %w", nodeID, err)
	}
	return e, nil
}

// List returns every node currently in the roster, primaries first.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := c.db.SelectContext(ctx, &entries, `
		SELECT node_id, role, advertise_addr, registered_at, last_heartbeat
		FROM nodes
		ORDER BY role = 'primary' DESC, node_id
	`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return entries, nil
}

// Stale returns every node whose last heartbeat is older than maxAge —
// candidates for operator alerting or eventual eviction; this package does
// not evict on its own.
func (c *Catalog) Stale(ctx context.Context, maxAge time.Duration) ([]Entry, error) {
	var entries []Entry
	err := c.db.SelectContext(ctx, &entries, `
		SELECT node_id, role, advertise_addr, registered_at, last_heartbeat
		FROM nodes
		WHERE last_heartbeat < $1
		ORDER BY node_id
	`, time.Now().Add(-maxAge))
	if err != nil {
		return nil, fmt.Errorf("catalog: stale: %w", err)
	}
	return entries, nil
}
