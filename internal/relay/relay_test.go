package relay

import (
	"context"
	"testing"
	"time"

	"github.com/jeju-network/node/internal/dbmanager"
	nodeerrors "github.com/jeju-network/node/internal/errors"
	"github.com/jeju-network/node/internal/node"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mgr, err := dbmanager.New(t.TempDir())
	if err != nil {
		t.Fatalf("dbmanager.New: %v", err)
	}
	n := node.New("node-1", mgr, nil)
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s, err := Open(context.Background(), n, NewLocalCache())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func testEnvelope(id string) Envelope {
	return Envelope{
		ID:   id,
		From: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		To:   "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		EncryptedContent: EncryptedContent{
			Ciphertext:         "c2lnbmVk",
			EphemeralPublicKey: "cHVi",
			Nonce:              "bm9uY2U=",
		},
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestSendPersistsAndReturnsCID(t *testing.T) {
	s := newTestStore(t)
	env := testEnvelope("msg-1")

	result, err := s.Send(context.Background(), env, 256)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.MessageID != "msg-1" {
		t.Fatalf("MessageID = %s, want msg-1", result.MessageID)
	}
	if result.CID == "" || result.CID[0] != 'b' {
		t.Fatalf("CID = %q, want a 'b'-prefixed content identifier", result.CID)
	}

	got, err := s.Message(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if got.From != env.From || got.To != env.To {
		t.Fatalf("Message roundtrip mismatch: got %+v, want %+v", got, env)
	}
}

func TestSendRejectsDuplicateID(t *testing.T) {
	s := newTestStore(t)
	env := testEnvelope("dup-1")
	if _, err := s.Send(context.Background(), env, 256); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	_, err := s.Send(context.Background(), env, 256)
	ne, ok := nodeerrors.As(err)
	if !ok || ne.Kind != nodeerrors.KindValidation {
		t.Fatalf("expected a Validation (duplicate) error, got %v", err)
	}
}

func TestSendRejectsStaleTimestamp(t *testing.T) {
	s := newTestStore(t)
	env := testEnvelope("old-1")
	env.Timestamp = time.Now().Add(-10 * time.Minute).UnixMilli()
	_, err := s.Send(context.Background(), env, 256)
	ne, ok := nodeerrors.As(err)
	if !ok || ne.Kind != nodeerrors.KindValidation {
		t.Fatalf("expected a Validation (too old) error, got %v", err)
	}
}

func TestSendRejectsFutureTimestamp(t *testing.T) {
	s := newTestStore(t)
	env := testEnvelope("future-1")
	env.Timestamp = time.Now().Add(time.Minute).UnixMilli()
	_, err := s.Send(context.Background(), env, 256)
	ne, ok := nodeerrors.As(err)
	if !ok || ne.Kind != nodeerrors.KindValidation {
		t.Fatalf("expected a Validation (too new) error, got %v", err)
	}
}

func TestSendRejectsOversizedEnvelope(t *testing.T) {
	s := newTestStore(t)
	env := testEnvelope("big-1")
	_, err := s.Send(context.Background(), env, MaxEnvelopeBytes+1)
	ne, ok := nodeerrors.As(err)
	if !ok || ne.Kind != nodeerrors.KindPayloadTooLarge {
		t.Fatalf("expected PayloadTooLarge, got %v", err)
	}
}

func TestMessagesReturnsMailboxInOrder(t *testing.T) {
	s := newTestStore(t)
	first := testEnvelope("mbox-1")
	second := testEnvelope("mbox-2")
	second.Timestamp = first.Timestamp + 1
	if _, err := s.Send(context.Background(), first, 256); err != nil {
		t.Fatalf("Send first: %v", err)
	}
	if _, err := s.Send(context.Background(), second, 256); err != nil {
		t.Fatalf("Send second: %v", err)
	}

	msgs, err := s.Messages(context.Background(), first.To)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].ID != "mbox-1" || msgs[1].ID != "mbox-2" {
		t.Fatalf("unexpected ordering: %+v", msgs)
	}
}

func TestPendingTracksUndeliveredMessages(t *testing.T) {
	s := newTestStore(t)
	env := testEnvelope("pending-1")
	if _, err := s.Send(context.Background(), env, 256); err != nil {
		t.Fatalf("Send: %v", err)
	}
	pending := s.Pending(env.To)
	if len(pending) != 1 || pending[0] != "pending-1" {
		t.Fatalf("Pending(%s) = %v, want [pending-1]", env.To, pending)
	}
}

func TestMarkReadSucceedsForExistingMessage(t *testing.T) {
	s := newTestStore(t)
	env := testEnvelope("read-1")
	if _, err := s.Send(context.Background(), env, 256); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.MarkRead(context.Background(), "read-1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
}

func TestMarkReadFailsForUnknownMessage(t *testing.T) {
	s := newTestStore(t)
	err := s.MarkRead(context.Background(), "does-not-exist")
	ne, ok := nodeerrors.As(err)
	if !ok || ne.Kind != nodeerrors.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
