package relay

import (
	"fmt"
	"time"

	nodeerrors "github.com/jeju-network/node/internal/errors"
	"github.com/jeju-network/node/internal/relaysig"
)

// authWindow bounds how old an x-jeju-timestamp header may be; the same
// 5-minute tolerance spec.md §4.6/§5 applies to the WebSocket subscribe
// timestamp, reused here for every signed-challenge endpoint.
const authWindow = 5 * time.Minute

// SubscribeChallenge is the exact string spec.md §6 prescribes for the
// WebSocket subscribe handshake.
func SubscribeChallenge(address string, timestampMillis int64) string {
	return fmt.Sprintf("Subscribe to Jeju messages:%s:%d", address, timestampMillis)
}

// MailboxChallenge authenticates a GET /messages/:address read.
func MailboxChallenge(address string, timestampMillis int64) string {
	return fmt.Sprintf("Jeju mailbox:%s:%d", address, timestampMillis)
}

// MessageChallenge authenticates a GET /message/:id read.
func MessageChallenge(id string, timestampMillis int64) string {
	return fmt.Sprintf("Jeju message:%s:%d", id, timestampMillis)
}

// ReadChallenge authenticates a POST /read/:id read-receipt.
func ReadChallenge(id string, timestampMillis int64) string {
	return fmt.Sprintf("Jeju read:%s:%d", id, timestampMillis)
}

// VerifyAuth recovers the signer of challenge and checks timestampMillis
// falls within authWindow of now, per spec.md §6's "recovers the signer's
// address from the signature" retrieval-endpoint contract.
func VerifyAuth(challenge, signatureHex string, timestampMillis int64, now time.Time) (relaysig.Address, error) {
	ts := time.UnixMilli(timestampMillis)
	if ts.Before(now.Add(-authWindow)) || ts.After(now.Add(authWindow)) {
		return relaysig.Address{}, nodeerrors.Auth("authentication timestamp expired")
	}
	addr, err := relaysig.RecoverAddress([]byte(challenge), signatureHex)
	if err != nil {
		return relaysig.Address{}, nodeerrors.Auth("invalid signature").WithDetails("reason", err.Error())
	}
	return addr, nil
}

// Authorize checks that recovered equals one of the acceptable principals
// (case-insensitive address comparison after canonical "0x" rendering).
func Authorize(recovered relaysig.Address, allowed ...string) error {
	for _, principal := range allowed {
		addr, err := relaysig.ParseAddress(principal)
		if err != nil {
			continue
		}
		if addr == recovered {
			return nil
		}
	}
	return nodeerrors.Auth("signer is not authorized for this resource")
}
