// Package relay implements the message relay store: envelope ingress with
// replay defense, write-through persistence into a Node-hosted database,
// online delivery over WebSocket, and pending-queue replay for offline
// recipients (spec.md §4.6). It persists through internal/node exactly
// like any other tenant database — "a Node-hosted database" per spec — so
// durability and ordering come from the same WAL/SQL executor every other
// database uses.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	nodeerrors "github.com/jeju-network/node/internal/errors"
	"github.com/jeju-network/node/internal/dbmanager"
	"github.com/jeju-network/node/internal/node"
	"github.com/jeju-network/node/internal/walwire"
)

// relayDatabaseName is the reserved, well-known database every relay
// instance on a node shares, created through the ordinary Database
// Manager path like any tenant database.
const relayDatabaseName = "_relay"

const relaySchema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	from_address TEXT NOT NULL,
	to_address TEXT NOT NULL,
	content BLOB NOT NULL,
	timestamp INTEGER NOT NULL,
	signature TEXT,
	cid TEXT NOT NULL,
	delivered INTEGER NOT NULL DEFAULT 0,
	read_at INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_to ON messages (to_address, delivered);
`

// MaxEnvelopeBytes is the ingress size ceiling (spec.md §4.6 step 4).
const MaxEnvelopeBytes = 1 << 20

// freshness window: spec.md §4.6 step 2.
const (
	maxEnvelopeAge  = 5 * time.Minute
	maxEnvelopeSkew = 30 * time.Second
)

// EncryptedContent is the opaque ciphertext payload plus the data needed
// to decrypt it client-side; the relay never inspects it.
type EncryptedContent struct {
	Ciphertext         string `json:"ciphertext"`
	EphemeralPublicKey string `json:"ephemeralPublicKey"`
	Nonce              string `json:"nonce"`
}

// Envelope is one relay payload. Field order is fixed (Go struct field
// order is marshal order) because it doubles as the canonical byte
// encoding the content identifier is computed over.
type Envelope struct {
	ID               string           `json:"id"`
	From             string           `json:"from"`
	To               string           `json:"to"`
	EncryptedContent EncryptedContent `json:"encryptedContent"`
	Timestamp        int64            `json:"timestamp"`
	Signature        string           `json:"signature,omitempty"`
}

// CID computes the content identifier: "b" + lowercase base32 of the
// SHA-256 digest of the canonical envelope bytes, shaped like a CIDv1
// string without pulling in an IPFS multicodec library — nothing here
// resolves or pins content, so the shape alone is enough to give messages
// a stable, collision-resistant label.
func (e Envelope) CID() (string, error) {
	canonical, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("relay: canonicalize envelope: %w", err)
	}
	digest := sha256.Sum256(canonical)
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(digest[:])
	return "b" + strings.ToLower(encoded), nil
}

// SendResult is the outcome of a successful Send.
type SendResult struct {
	MessageID string
	CID       string
	Timestamp int64
	Delivered bool
}

// Cache is the capability set the store's fast-path lookup depends on
// (spec.md §9's redesign note: explicit capability set over inheritance).
// Two implementations exist: localCache (in-process striped map) and a
// go-redis-backed one for multi-process relay fan-out.
type Cache interface {
	Has(ctx context.Context, id string) (bool, error)
	Put(ctx context.Context, env Envelope) error
	Get(ctx context.Context, id string) (Envelope, bool, error)
	MarkDelivered(ctx context.Context, id string) error
}

// Store is the relay's ingress/retrieval/delivery facade.
type Store struct {
	n          *node.Node
	databaseID string
	cache      Cache

	mu      sync.RWMutex
	pending map[string][]string // address -> message ids awaiting delivery

	subscribers *subscriberRegistry
}

// Open provisions (or adopts, if already provisioned) the reserved _relay
// database on n and constructs a Store backed by cache.
func Open(ctx context.Context, n *node.Node, cache Cache) (*Store, error) {
	mgr := n.Manager()
	db, err := mgr.GetByName(relayDatabaseName)
	if err != nil {
		db, err = mgr.Create(ctx, dbmanager.CreateRequest{Name: relayDatabaseName, Schema: relaySchema})
		if err != nil {
			return nil, fmt.Errorf("relay: provision store database: %w", err)
		}
	}

	s := &Store{
		n:           n,
		databaseID:  db.ID,
		cache:       cache,
		pending:     make(map[string][]string),
		subscribers: newSubscriberRegistry(),
	}
	if err := s.loadPending(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// loadPending rebuilds the in-memory pending-per-recipient index from the
// durable store at startup; the database remains the source of truth, the
// map is purely a fast-path cache over it.
func (s *Store) loadPending(ctx context.Context) error {
	res, err := s.n.Execute(ctx, node.ExecuteRequest{
		DatabaseID: s.databaseID,
		SQL:        "SELECT id, to_address FROM messages WHERE delivered = 0 ORDER BY timestamp",
	})
	if err != nil {
		return fmt.Errorf("relay: load pending: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range res.Rows {
		to, _ := row["to_address"].(string)
		id, _ := row["id"].(string)
		s.pending[to] = append(s.pending[to], id)
	}
	return nil
}

// Send runs the full ingress contract (spec.md §4.6): shape/freshness/size
// validation, replay-defense via id uniqueness, CID computation,
// write-through persistence, and best-effort online delivery.
func (s *Store) Send(ctx context.Context, env Envelope, rawSize int) (SendResult, error) {
	if rawSize > MaxEnvelopeBytes {
		return SendResult{}, nodeerrors.PayloadTooLarge("envelope exceeds the size ceiling").
			WithDetails("limit_bytes", MaxEnvelopeBytes)
	}
	if err := validateShape(env); err != nil {
		return SendResult{}, err
	}
	if err := validateFreshness(env.Timestamp, time.Now()); err != nil {
		return SendResult{}, err
	}

	exists, err := s.cache.Has(ctx, env.ID)
	if err != nil {
		return SendResult{}, fmt.Errorf("relay: check cache: %w", err)
	}
	if !exists {
		row, err := s.lookupRow(ctx, env.ID)
		if err != nil {
			return SendResult{}, err
		}
		exists = row != nil
	}
	if exists {
		return SendResult{}, nodeerrors.Validation("duplicate message id").WithDetails("id", env.ID)
	}

	cid, err := env.CID()
	if err != nil {
		return SendResult{}, err
	}

	content, err := json.Marshal(env.EncryptedContent)
	if err != nil {
		return SendResult{}, fmt.Errorf("relay: marshal content: %w", err)
	}
	if _, err := s.n.Execute(ctx, node.ExecuteRequest{
		DatabaseID: s.databaseID,
		SQL:        "INSERT INTO messages (id, from_address, to_address, content, timestamp, signature, cid, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		Params: []walwire.Value{
			walwire.StringValue(env.ID),
			walwire.StringValue(env.From),
			walwire.StringValue(env.To),
			walwire.BytesValue(content),
			walwire.IntValue(env.Timestamp),
			walwire.StringValue(env.Signature),
			walwire.StringValue(cid),
			walwire.IntValue(time.Now().UnixMilli()),
		},
	}); err != nil {
		return SendResult{}, err
	}
	if err := s.cache.Put(ctx, env); err != nil {
		return SendResult{}, fmt.Errorf("relay: populate cache: %w", err)
	}

	s.mu.Lock()
	s.pending[env.To] = append(s.pending[env.To], env.ID)
	s.mu.Unlock()

	delivered := s.tryDeliver(ctx, env)
	return SendResult{MessageID: env.ID, CID: cid, Timestamp: env.Timestamp, Delivered: delivered}, nil
}

// tryDeliver attempts an immediate online delivery to env.To, marking the
// message delivered and notifying env.From with a receipt on success. It
// never returns an error: a subscriber that is gone or back-pressured just
// leaves the message pending for the next authenticated subscribe.
func (s *Store) tryDeliver(ctx context.Context, env Envelope) bool {
	if !s.subscribers.send(env.To, wsMessage{Type: "message", Envelope: &env}) {
		return false
	}
	if err := s.markDelivered(ctx, env.ID, env.To); err != nil {
		return false
	}
	s.subscribers.send(env.From, wsMessage{
		Type:      "delivery_receipt",
		MessageID: env.ID,
		At:        time.Now().UnixMilli(),
	})
	return true
}

func (s *Store) markDelivered(ctx context.Context, id, to string) error {
	if _, err := s.n.Execute(ctx, node.ExecuteRequest{
		DatabaseID: s.databaseID,
		SQL:        "UPDATE messages SET delivered = 1 WHERE id = ?",
		Params:     []walwire.Value{walwire.StringValue(id)},
	}); err != nil {
		return fmt.Errorf("relay: mark delivered: %w", err)
	}
	if err := s.cache.MarkDelivered(ctx, id); err != nil {
		return fmt.Errorf("relay: mark delivered in cache: %w", err)
	}
	s.mu.Lock()
	s.removePendingLocked(to, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) removePendingLocked(address, id string) {
	ids := s.pending[address]
	for i, pendingID := range ids {
		if pendingID == id {
			s.pending[address] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// Pending returns message ids awaiting delivery to address, a snapshot of
// the fast-path index (the database remains authoritative).
func (s *Store) Pending(address string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.pending[address]))
	copy(out, s.pending[address])
	return out
}

// Messages returns every message addressed to address, newest last.
func (s *Store) Messages(ctx context.Context, address string) ([]Envelope, error) {
	res, err := s.n.Execute(ctx, node.ExecuteRequest{
		DatabaseID: s.databaseID,
		SQL:        "SELECT id, from_address, to_address, content, timestamp, signature FROM messages WHERE to_address = ? ORDER BY timestamp",
		Params:     []walwire.Value{walwire.StringValue(address)},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Envelope, 0, len(res.Rows))
	for _, row := range res.Rows {
		env, err := envelopeFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Message returns the single message identified by id.
func (s *Store) Message(ctx context.Context, id string) (Envelope, error) {
	row, err := s.lookupRow(ctx, id)
	if err != nil {
		return Envelope{}, err
	}
	if row == nil {
		return Envelope{}, nodeerrors.NotFound("message not found").WithDetails("id", id)
	}
	return envelopeFromRow(row)
}

// MarkRead records a read receipt for id and notifies the sender.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	row, err := s.lookupRow(ctx, id)
	if err != nil {
		return err
	}
	if row == nil {
		return nodeerrors.NotFound("message not found").WithDetails("id", id)
	}
	now := time.Now()
	if _, err := s.n.Execute(ctx, node.ExecuteRequest{
		DatabaseID: s.databaseID,
		SQL:        "UPDATE messages SET read_at = ? WHERE id = ?",
		Params:     []walwire.Value{walwire.IntValue(now.UnixMilli()), walwire.StringValue(id)},
	}); err != nil {
		return err
	}
	from, _ := row["from_address"].(string)
	s.subscribers.send(from, wsMessage{Type: "read_receipt", MessageID: id, At: now.UnixMilli()})
	return nil
}

func (s *Store) lookupRow(ctx context.Context, id string) (map[string]interface{}, error) {
	res, err := s.n.Execute(ctx, node.ExecuteRequest{
		DatabaseID: s.databaseID,
		SQL:        "SELECT id, from_address, to_address, content, timestamp, signature FROM messages WHERE id = ?",
		Params:     []walwire.Value{walwire.StringValue(id)},
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	return res.Rows[0], nil
}

func envelopeFromRow(row map[string]interface{}) (Envelope, error) {
	env := Envelope{}
	env.ID, _ = row["id"].(string)
	env.From, _ = row["from_address"].(string)
	env.To, _ = row["to_address"].(string)
	env.Signature, _ = row["signature"].(string)
	switch ts := row["timestamp"].(type) {
	case int64:
		env.Timestamp = ts
	case float64:
		env.Timestamp = int64(ts)
	}
	var content []byte
	switch c := row["content"].(type) {
	case []byte:
		content = c
	case string:
		content = []byte(c)
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &env.EncryptedContent); err != nil {
			return Envelope{}, fmt.Errorf("relay: decode content: %w", err)
		}
	}
	return env, nil
}

func validateShape(env Envelope) error {
	if env.ID == "" {
		return nodeerrors.Validation("envelope id is required")
	}
	if env.From == "" || env.To == "" {
		return nodeerrors.Validation("envelope from/to are required")
	}
	if env.EncryptedContent.Ciphertext == "" {
		return nodeerrors.Validation("envelope encryptedContent.ciphertext is required")
	}
	return nil
}

func validateFreshness(timestampMillis int64, now time.Time) error {
	ts := time.UnixMilli(timestampMillis)
	if ts.Before(now.Add(-maxEnvelopeAge)) {
		return nodeerrors.Validation("envelope timestamp too old").WithDetails("timestamp", timestampMillis)
	}
	if ts.After(now.Add(maxEnvelopeSkew)) {
		return nodeerrors.Validation("envelope timestamp too far in the future").WithDetails("timestamp", timestampMillis)
	}
	return nil
}
