package walwire

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// ComputeHash derives the tamper-evident chain hash for an entry: a SHA-256
// digest over position, SQL text, encoded params, timestamp and prevHash,
// in that order (spec.md §3 "hash computed deterministically over
// {position, sql, params, timestamp, prevHash}").
func ComputeHash(position uint64, sql string, params []Value, timestampMillis int64, prevHash Hash) Hash {
	h := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], position)
	h.Write(buf[:])

	h.Write([]byte(sql))

	for _, p := range params {
		writeValue(h, p)
	}

	binary.BigEndian.PutUint64(buf[:], uint64(timestampMillis))
	h.Write(buf[:])

	h.Write(prevHash[:])

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

type hashWriter interface {
	Write(p []byte) (int, error)
}

func writeValue(h hashWriter, v Value) {
	h.Write([]byte{0, byte(len(v.Kind))})
	h.Write([]byte(v.Kind))
	switch v.Kind {
	case KindBool:
		if v.Bool {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	case KindInt:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v.Int))
		h.Write(buf[:])
	case KindFloat:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v.Float))
		h.Write(buf[:])
	case KindString:
		h.Write([]byte(v.String))
	case KindBytes:
		h.Write(v.Bytes)
	}
}
