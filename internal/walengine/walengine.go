// Package walengine implements the per-database write-ahead log: monotonic
// position assignment, hash-chained durability, and crash-safe recovery
// (spec.md §4.2). The append-allocate-under-mutex-then-flush shape is
// grounded on LeeNgari-RDBMS's internal/wal writeRecord; the frame layout
// trades that format's fixed binary header for a length-prefixed JSON
// payload so the on-disk and HTTP replication encodings are identical.
package walengine

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	nodeerrors "github.com/jeju-network/node/internal/errors"
	"github.com/jeju-network/node/internal/walwire"
)

// lengthPrefixSize is the width, in bytes, of the big-endian frame length
// that follows the algorithm tag.
const lengthPrefixSize = 4

// Engine is the append-only log for a single database. One Engine instance
// owns one file; callers must not share an Engine across goroutines without
// relying on its own locking (every exported method is safe for concurrent
// use).
type Engine struct {
	mu   sync.Mutex
	file *os.File
	path string

	position uint64
	head     walwire.Hash
}

// Open opens (creating if absent) the WAL file at path and replays it to
// recover position and head hash. A partially-written trailing frame (the
// result of a crash mid-append) is discarded rather than treated as
// corruption.
func Open(path string) (*Engine, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walengine: open %s: %w", path, err)
	}

	e := &Engine{file: f, path: path, head: walwire.ZeroHash}
	if err := e.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return e, nil
}

// recover scans the file from the start, validating and replaying each
// frame, and truncates at the first invalid or incomplete frame so the log
// resumes cleanly after a crash.
func (e *Engine) recover() error {
	if _, err := e.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("walengine: seek: %w", err)
	}
	r := bufio.NewReader(e.file)

	var offset int64
	for {
		frameStart := offset
		tagBuf := make([]byte, 1)
		n, err := io.ReadFull(r, tagBuf)
		offset += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			break // partial tag byte: truncate here
		}
		if walwire.AlgoTag(tagBuf[0]) != walwire.AlgoSHA256 {
			return fmt.Errorf("walengine: %s: unknown algorithm tag 0x%02x at offset %d", e.path, tagBuf[0], frameStart)
		}

		lenBuf := make([]byte, lengthPrefixSize)
		n, err = io.ReadFull(r, lenBuf)
		offset += int64(n)
		if err != nil {
			break // partial length prefix: truncate
		}
		length := binary.BigEndian.Uint32(lenBuf)

		payload := make([]byte, length)
		n, err = io.ReadFull(r, payload)
		offset += int64(n)
		if err != nil {
			break // partial payload: truncate
		}

		var entry walwire.Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			break // corrupt trailing frame: truncate
		}
		if entry.Position != e.position+1 {
			return nodeerrors.HashChainBroken(e.path).
				WithDetails("expected_position", e.position+1).
				WithDetails("found_position", entry.Position)
		}
		if entry.PrevHash != e.head {
			return nodeerrors.HashChainBroken(e.path).
				WithDetails("position", entry.Position)
		}
		e.position = entry.Position
		e.head = entry.Hash
	}

	if err := e.file.Truncate(offset); err != nil {
		return fmt.Errorf("walengine: truncate to %d: %w", offset, err)
	}
	if _, err := e.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("walengine: seek end: %w", err)
	}
	return nil
}

// Append assigns the next position, computes the chained hash, writes the
// frame, and fsyncs before returning — durability is guaranteed by the time
// Append returns successfully.
func (e *Engine) Append(sql string, params []walwire.Value, timestampMillis int64) (walwire.Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	position := e.position + 1
	entry := walwire.Entry{
		Position:  position,
		SQL:       sql,
		Params:    params,
		Timestamp: timestampMillis,
		PrevHash:  e.head,
		Hash:      walwire.ComputeHash(position, sql, params, timestampMillis, e.head),
	}

	if err := e.writeFrameLocked(entry); err != nil {
		return walwire.Entry{}, err
	}
	return entry, nil
}

// AppendVerified writes an entry produced elsewhere (a replication pull
// from a primary) after recomputing its hash and checking position/prevHash
// continuity — this is both the idempotent-apply and tamper-detection path
// for followers (spec.md §4.5, §8). An entry at or below the current
// position is treated as already applied and silently skipped, the same
// outcome a retried pull would need. A continuity or hash mismatch returns
// HashChainBroken and leaves the log untouched.
func (e *Engine) AppendVerified(entry walwire.Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if entry.Position <= e.position {
		return nil // already applied; idempotent no-op
	}
	if entry.Position != e.position+1 {
		return nodeerrors.HashChainBroken(e.path).
			WithDetails("expected_position", e.position+1).
			WithDetails("found_position", entry.Position)
	}
	if entry.PrevHash != e.head {
		return nodeerrors.HashChainBroken(e.path).
			WithDetails("position", entry.Position).
			WithDetails("reason", "prevHash does not match local head")
	}
	recomputed := walwire.ComputeHash(entry.Position, entry.SQL, entry.Params, entry.Timestamp, entry.PrevHash)
	if recomputed != entry.Hash {
		return nodeerrors.HashChainBroken(e.path).
			WithDetails("position", entry.Position).
			WithDetails("reason", "hash does not match recomputed value")
	}

	return e.writeFrameLocked(entry)
}

// writeFrameLocked serializes and fsyncs entry, then advances position/head.
// Callers must hold mu.
func (e *Engine) writeFrameLocked(entry walwire.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("walengine: marshal entry: %w", err)
	}

	frame := make([]byte, 1+lengthPrefixSize+len(payload))
	frame[0] = byte(walwire.AlgoSHA256)
	binary.BigEndian.PutUint32(frame[1:1+lengthPrefixSize], uint32(len(payload)))
	copy(frame[1+lengthPrefixSize:], payload)

	if _, err := e.file.Write(frame); err != nil {
		return fmt.Errorf("walengine: write frame: %w", err)
	}
	if err := e.file.Sync(); err != nil {
		return fmt.Errorf("walengine: fsync: %w", err)
	}

	e.position = entry.Position
	e.head = entry.Hash
	return nil
}

// Position returns the highest committed position (0 if the log is empty).
func (e *Engine) Position() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

// Head returns the hash of the most recently appended entry, or the zero
// hash for an empty log.
func (e *Engine) Head() walwire.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.head
}

// ReadRange returns entries with position in [from, from+limit), in order.
// limit <= 0 reads to the end of the log.
func (e *Engine) ReadRange(from uint64, limit int) ([]walwire.Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("walengine: seek: %w", err)
	}
	r := bufio.NewReader(e.file)

	var out []walwire.Entry
	for {
		if limit > 0 && len(out) >= limit {
			break
		}
		tagBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, tagBuf); err != nil {
			break
		}
		lenBuf := make([]byte, lengthPrefixSize)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return nil, fmt.Errorf("walengine: truncated length prefix reading range")
		}
		length := binary.BigEndian.Uint32(lenBuf)
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("walengine: truncated frame reading range")
		}
		var entry walwire.Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("walengine: decode frame: %w", err)
		}
		if entry.Position >= from {
			out = append(out, entry)
		}
	}

	if _, err := e.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("walengine: seek end: %w", err)
	}
	return out, nil
}

// Close releases the underlying file handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Close()
}
