package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	nodeerrors "github.com/jeju-network/node/internal/errors"
)

// maxSubscribers bounds concurrent WebSocket subscribers (spec.md §6).
const maxSubscribers = 10_000

// maxInboundMessageBytes bounds one inbound WebSocket frame (spec.md §6).
const maxInboundMessageBytes = 1 << 20

// wsMessage is every server->client frame shape the relay WebSocket sends
// (spec.md §6: "subscribed", "message", "delivery_receipt", "read_receipt",
// "error"), collapsed into one struct since Go has no tagged union.
type wsMessage struct {
	Type      string    `json:"type"`
	Envelope  *Envelope `json:"envelope,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	At        int64     `json:"at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// subscribeRequest is the first client->server frame on a new connection.
type subscribeRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// subscriber is one live WebSocket bound to an address. Writes are
// serialized through writeMu since gorilla/websocket forbids concurrent
// writers on the same connection.
type subscriber struct {
	conn       *websocket.Conn
	generation uint64
	writeMu    sync.Mutex
}

func (s *subscriber) send(msg wsMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// subscriberRegistry is the address -> (transport, generation) map spec.md
// §9's redesign note describes: a resubscribe bumps generation so a racing
// close callback for the prior connection no-ops instead of evicting the
// new one.
type subscriberRegistry struct {
	mu        sync.RWMutex
	byAddress map[string]*subscriber
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{byAddress: make(map[string]*subscriber)}
}

func (r *subscriberRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddress)
}

// register replaces any existing subscriber for address, returning the new
// generation, or ok=false if the registry is at capacity and address is
// not already subscribed.
func (r *subscriberRegistry) register(address string, conn *websocket.Conn) (generation uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, exists := r.byAddress[address]
	if !exists && len(r.byAddress) >= maxSubscribers {
		return 0, false
	}
	generation = 1
	if exists {
		generation = existing.generation + 1
	}
	r.byAddress[address] = &subscriber{conn: conn, generation: generation}
	return generation, true
}

// unregister removes address's subscriber only if it is still at
// generation — a stale close callback from a since-replaced connection is
// a safe no-op.
func (r *subscriberRegistry) unregister(address string, generation uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.byAddress[address]; ok && sub.generation == generation {
		delete(r.byAddress, address)
	}
}

// send delivers msg to address's live subscriber, if any. Returns false
// (not an error) for "no subscriber" or a write failure — either way the
// message stays pending for the next authenticated subscribe.
func (r *subscriberRegistry) send(address string, msg wsMessage) bool {
	r.mu.RLock()
	sub, ok := r.byAddress[address]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return sub.send(msg) == nil
}

// upgrader performs no origin check beyond what the HTTP adapter's CORS
// middleware already enforces ahead of the upgrade.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the connection, authenticates the subscribe handshake,
// replays pending messages, and then blocks reading (solely to detect
// close) until the socket goes away.
func (s *Store) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxInboundMessageBytes)

	var req subscribeRequest
	if err := conn.ReadJSON(&req); err != nil {
		conn.WriteJSON(wsMessage{Type: "error", Error: "malformed subscribe request"})
		return
	}

	challenge := SubscribeChallenge(req.Address, req.Timestamp)
	recovered, err := VerifyAuth(challenge, req.Signature, req.Timestamp, time.Now())
	if err != nil {
		conn.WriteJSON(wsMessage{Type: "error", Error: "authentication failed"})
		return
	}
	if recovered.String() != req.Address {
		conn.WriteJSON(wsMessage{Type: "error", Error: "signature does not match address"})
		return
	}

	generation, ok := s.subscribers.register(req.Address, conn)
	if !ok {
		conn.WriteJSON(wsMessage{Type: "error", Error: "server at capacity"})
		return
	}
	defer s.subscribers.unregister(req.Address, generation)

	if err := conn.WriteJSON(wsMessage{Type: "subscribed"}); err != nil {
		return
	}
	s.replayPending(r.Context(), req.Address)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// replayPending delivers every message still pending for address, marking
// each delivered as it is sent (spec.md §4.6: "offline recipients replay
// pending on next authenticated subscribe, and each replay marks-as-delivered").
func (s *Store) replayPending(ctx context.Context, address string) {
	for _, id := range s.Pending(address) {
		env, err := s.Message(ctx, id)
		if err != nil {
			if ne, ok := nodeerrors.As(err); ok && ne.Kind == nodeerrors.KindNotFound {
				continue
			}
			continue
		}
		if !s.subscribers.send(address, wsMessage{Type: "message", Envelope: &env}) {
			continue
		}
		if err := s.markDelivered(ctx, id, address); err != nil {
			continue
		}
	}
}
