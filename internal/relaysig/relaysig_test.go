package relaysig

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestRecoverAddressMatchesSigner(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	want := AddressFromPublicKey(priv.PubKey())

	message := []byte("Subscribe to Jeju messages:" + want.String() + ":1700000000000")
	sig := Sign(priv, message)

	got, err := RecoverAddress(message, sig)
	if err != nil {
		t.Fatalf("RecoverAddress: %v", err)
	}
	if got != want {
		t.Fatalf("recovered %s, want %s", got, want)
	}
}

func TestRecoverAddressRejectsTamperedMessage(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	signer := AddressFromPublicKey(priv.PubKey())
	message := []byte("challenge:" + signer.String())
	sig := Sign(priv, message)

	got, err := RecoverAddress([]byte("challenge:tampered"), sig)
	if err != nil {
		t.Fatalf("RecoverAddress: %v", err)
	}
	if got == signer {
		t.Fatalf("expected a different (wrong) recovered address for a tampered message")
	}
}

func TestParseAddressRoundTrips(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	addr := AddressFromPublicKey(priv.PubKey())

	parsed, err := ParseAddress(addr.String())
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if parsed != addr {
		t.Fatalf("parsed = %s, want %s", parsed, addr)
	}
}

func TestParseAddressRejectsWrongLength(t *testing.T) {
	if _, err := ParseAddress("0x1234"); err == nil {
		t.Fatalf("expected an error for a too-short address")
	}
}
