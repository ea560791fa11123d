// Package audit implements the hash-chained, optionally HMAC-signed,
// append-only audit log that brackets every pipeline run.
package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sentinelmesh/oversight/pkg/pipeline"
)

// Entry is one line of the audit log.
type Entry struct {
	Seq      int64          `json:"seq"`
	Event    string         `json:"event"`
	TSISO    string         `json:"ts_iso"`
	Actor    string         `json:"actor,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	PrevHash string         `json:"prev_hash"`
	Hash     string         `json:"hash"`
	Sig      string         `json:"sig,omitempty"`
}

// Log is a single-writer, append-only, hash-chained audit sink backed
// by a line-buffered file handle.
type Log struct {
	mu         sync.Mutex
	file       *os.File
	writer     *bufio.Writer
	actor      string
	signSecret string
	seq        int64
	prevHash   string

	// now is overridable in tests.
	now func() time.Time
}

// Options configures a Log's behavior.
type Options struct {
	Path           string
	Actor          string
	SignSecret     string
	VerifyOnStart  bool
	RequireSigning bool
}

var zeroHash = strings.Repeat("0", 64)

// Open opens (or creates) the audit log at opts.Path, optionally
// verifying the existing chain before accepting new appends.
func Open(opts Options) (*Log, error) {
	if opts.VerifyOnStart {
		if err := Verify(opts.Path, opts.RequireSigning); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, pipeline.NewStoreError(opts.Path, "failed to open audit log", err)
	}

	seq, prevHash, err := tail(opts.Path)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Log{
		file:       f,
		writer:     bufio.NewWriter(f),
		actor:      opts.Actor,
		signSecret: opts.SignSecret,
		seq:        seq,
		prevHash:   prevHash,
		now:        time.Now,
	}, nil
}

// tail reads an existing audit file to determine the last sequence
// number and hash, so a reopened log continues the chain rather than
// restarting it.
func tail(path string) (seq int64, prevHash string, err error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		if os.IsNotExist(openErr) {
			return 0, zeroHash, nil
		}
		return 0, "", pipeline.NewStoreError(path, "failed to open audit log for tail", openErr)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var last Entry
	found := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return 0, "", pipeline.NewAuditTamperedError(path, "failed to parse existing audit entry", err)
		}
		last = e
		found = true
	}
	if err := scanner.Err(); err != nil {
		return 0, "", pipeline.NewStoreError(path, "failed to scan audit log", err)
	}
	if !found {
		return 0, zeroHash, nil
	}
	return last.Seq, last.Hash, nil
}

// Append writes a new entry to the chain and flushes it before
// returning, so every append is durable.
func (l *Log) Append(event string, payload map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry := Entry{
		Seq:      l.seq,
		Event:    event,
		TSISO:    l.now().UTC().Format(time.RFC3339Nano),
		Actor:    l.actor,
		Payload:  payload,
		PrevHash: l.prevHash,
	}

	hash, err := computeHash(entry)
	if err != nil {
		return Entry{}, pipeline.NewStoreError("", "failed to hash audit entry", err)
	}
	entry.Hash = hash

	if l.signSecret != "" {
		entry.Sig = sign(l.signSecret, hash)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, pipeline.NewStoreError("", "failed to marshal audit entry", err)
	}
	if _, err := l.writer.Write(line); err != nil {
		return Entry{}, pipeline.NewStoreError("", "failed to write audit entry", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return Entry{}, pipeline.NewStoreError("", "failed to write audit entry", err)
	}
	if err := l.writer.Flush(); err != nil {
		return Entry{}, pipeline.NewStoreError("", "failed to flush audit entry", err)
	}

	l.prevHash = hash
	return entry, nil
}

// Close flushes and closes the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// computeHash recomputes the canonical hash of an entry's chained
// fields (everything but hash and sig), matching the bytes that were
// hashed when the entry was first appended.
func computeHash(e Entry) (string, error) {
	canonical, err := json.Marshal(map[string]any{
		"seq":     e.Seq,
		"event":   e.Event,
		"ts_iso":  e.TSISO,
		"actor":   e.Actor,
		"payload": e.Payload,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(e.PrevHash), canonical...))
	return hex.EncodeToString(sum[:]), nil
}

func sign(secret, hash string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(hash))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reads an existing audit file and recomputes each entry's hash
// and chain linkage, failing fast at the first mismatch. If
// requireSigning is set, any entry lacking a signature also fails
// verification.
func Verify(path string, requireSigning bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return pipeline.NewStoreError(path, "failed to open audit log for verification", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	prevHash := zeroHash
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return pipeline.NewAuditTamperedError(path, fmt.Sprintf("malformed entry at line %d", lineNo), err)
		}
		if e.PrevHash != prevHash {
			return pipeline.NewAuditTamperedError(path, fmt.Sprintf("chain break at line %d", lineNo), nil)
		}
		recomputed, err := computeHash(e)
		if err != nil {
			return pipeline.NewStoreError(path, "failed to recompute hash during verification", err)
		}
		if recomputed != e.Hash {
			return pipeline.NewAuditTamperedError(path, fmt.Sprintf("hash mismatch at line %d", lineNo), nil)
		}
		if requireSigning && e.Sig == "" {
			return pipeline.NewAuditUnsignedError(path, fmt.Sprintf("missing signature at line %d", lineNo), nil)
		}
		prevHash = e.Hash
	}
	if err := scanner.Err(); err != nil {
		return pipeline.NewStoreError(path, "failed to scan audit log during verification", err)
	}
	return nil
}
