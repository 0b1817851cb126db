// Package walwire defines the WAL entry shape shared by the on-disk log
// format and the HTTP replication wire format (spec.md §3, §4.2), adapted
// from the record/field layout in LeeNgari-RDBMS's internal/wal package and
// the WALEntry shape in ar4mirez-maia's internal/replication package.
package walwire

import (
	"encoding/json"
	"fmt"
)

// AlgoTag identifies the hash algorithm used to chain entries together.
// Reserved as a single byte ahead of every on-disk frame so the format can
// add algorithms later without breaking existing logs (spec.md §9).
type AlgoTag byte

const (
	// AlgoSHA256 is the only algorithm this node currently produces or
	// accepts.
	AlgoSHA256 AlgoTag = 0x01
)

// HashSize is the width, in bytes, of every Hash/PrevHash value.
const HashSize = 32

// Hash is a fixed-width digest, typically a SHA-256 sum.
type Hash [HashSize]byte

// ZeroHash is PrevHash for the first entry in a database's chain
// (position 1).
var ZeroHash Hash

func (h Hash) String() string {
	return fmt.Sprintf("%x", [HashSize]byte(h))
}

// MarshalJSON renders Hash as a hex string for the replication wire format.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON parses a hex string produced by MarshalJSON.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := decodeHex(s)
	if err != nil {
		return fmt.Errorf("walwire: invalid hash %q: %w", s, err)
	}
	if len(decoded) != HashSize {
		return fmt.Errorf("walwire: hash %q has %d bytes, want %d", s, len(decoded), HashSize)
	}
	copy(h[:], decoded)
	return nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexNibble(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

// ValueKind discriminates the closed set of SQL parameter types a caller
// may bind. Keeping this a closed union (rather than interface{} wrapped
// around Go's native types) means the wire and disk encodings never need
// to guess a type back out of JSON's number/string/bool primitives.
type ValueKind string

const (
	KindNull   ValueKind = "null"
	KindBool   ValueKind = "bool"
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindString ValueKind = "string"
	KindBytes  ValueKind = "bytes"
)

// Value is one positional SQL parameter.
type Value struct {
	Kind ValueKind `json:"kind"`

	Bool   bool    `json:"bool,omitempty"`
	Int    int64   `json:"int,omitempty"`
	Float  float64 `json:"float,omitempty"`
	String string  `json:"string,omitempty"`
	Bytes  []byte  `json:"bytes,omitempty"`
}

func NullValue() Value           { return Value{Kind: KindNull} }
func BoolValue(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func IntValue(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func StringValue(v string) Value { return Value{Kind: KindString, String: v} }
func BytesValue(v []byte) Value  { return Value{Kind: KindBytes, Bytes: v} }

// Native returns the Go value a database/sql driver expects for this
// parameter.
func (v Value) Native() interface{} {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.String
	case KindBytes:
		return v.Bytes
	default:
		return nil
	}
}

// ValueFromNative wraps a value returned by database/sql or supplied by an
// HTTP caller's decoded JSON into the closed Value union.
func ValueFromNative(v interface{}) (Value, error) {
	switch t := v.(type) {
	case nil:
		return NullValue(), nil
	case bool:
		return BoolValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case float64:
		// JSON numbers decode as float64; an integral value is still an
		// int64 parameter as far as SQL binding is concerned only when the
		// caller explicitly marks it so. From raw JSON we keep it float64
		// to avoid silently truncating fractional input.
		return FloatValue(t), nil
	case string:
		return StringValue(t), nil
	case []byte:
		return BytesValue(t), nil
	default:
		return Value{}, fmt.Errorf("walwire: unsupported parameter type %T", v)
	}
}

// Entry is one committed WAL record: the unit replicated over HTTP and
// appended to the per-database on-disk log (spec.md §3 "WAL Entry").
type Entry struct {
	Position  uint64  `json:"position"`
	SQL       string  `json:"sql"`
	Params    []Value `json:"params,omitempty"`
	Timestamp int64   `json:"timestamp"` // unix millis
	PrevHash  Hash    `json:"prevHash"`
	Hash      Hash    `json:"hash"`
}
