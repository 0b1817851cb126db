// Package relaysig recovers an Ethereum-style address from a recoverable
// secp256k1 signature over a challenge string (spec.md §4.6/§6). It wraps
// github.com/decred/dcrd/dcrec/secp256k1/v4 — already a teacher indirect
// dependency — rather than vendoring a curve implementation, and uses
// golang.org/x/crypto/sha3's Keccak-256 for address derivation the same
// way Ethereum addressing does.
package relaysig

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// AddressSize is the byte length of an address (the low 20 bytes of a
// Keccak-256 digest over the uncompressed public key).
const AddressSize = 20

// Address is a recovered signer identity, rendered as "0x"+hex.
type Address [AddressSize]byte

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress decodes a "0x"-prefixed or bare hex address string.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("relaysig: decode address: %w", err)
	}
	if len(raw) != AddressSize {
		return Address{}, fmt.Errorf("relaysig: address must be %d bytes, got %d", AddressSize, len(raw))
	}
	var addr Address
	copy(addr[:], raw)
	return addr, nil
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// AddressFromPublicKey derives the address bound to an uncompressed
// secp256k1 public key.
func AddressFromPublicKey(pub *secp256k1.PublicKey) Address {
	uncompressed := pub.SerializeUncompressed() // 0x04 || X(32) || Y(32)
	hash := Keccak256(uncompressed[1:])
	var addr Address
	copy(addr[:], hash[12:])
	return addr
}

// RecoverAddress recovers the address that signed message, given a
// "0x"-prefixed or bare hex-encoded 65-byte compact recoverable signature
// (decred's RecoverCompact layout: a 1-byte recovery header followed by
// 32-byte R and 32-byte S).
func RecoverAddress(message []byte, signatureHex string) (Address, error) {
	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return Address{}, err
	}
	hash := Keccak256(message)
	pubKey, _, err := ecdsa.RecoverCompact(sig, hash[:])
	if err != nil {
		return Address{}, fmt.Errorf("relaysig: recover signature: %w", err)
	}
	return AddressFromPublicKey(pubKey), nil
}

// Sign produces a "0x"-prefixed compact recoverable signature over message,
// for use by tests and by client-side tooling that exercises this package.
func Sign(priv *secp256k1.PrivateKey, message []byte) string {
	hash := Keccak256(message)
	sig := ecdsa.SignCompact(priv, hash[:], false)
	return "0x" + hex.EncodeToString(sig)
}

func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("relaysig: decode signature: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("relaysig: signature must be 65 bytes, got %d", len(sig))
	}
	return sig, nil
}
