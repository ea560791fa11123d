package audit

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLog_AppendChainsHashes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(Options{Path: path, Actor: "test"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer l.Close()

	e1, err := l.Append("run_start", map[string]any{"config_hash": "abc"})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if e1.PrevHash != zeroHash {
		t.Errorf("expected first entry's prev_hash to be zero, got %q", e1.PrevHash)
	}

	e2, err := l.Append("ingest_done", map[string]any{"count": 3})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("expected second entry to chain from first, got prev_hash=%q want %q", e2.PrevHash, e1.Hash)
	}
	if e2.Seq != 2 {
		t.Errorf("expected seq 2, got %d", e2.Seq)
	}
}

func TestLog_AppendSignsWhenSecretConfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(Options{Path: path, SignSecret: "k"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer l.Close()

	e, err := l.Append("run_start", nil)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if e.Sig == "" {
		t.Error("expected signature to be set when sign_secret is configured")
	}
}

func TestVerify_DetectsTamper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := l.Append("run_start", map[string]any{"x": 1}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := l.Append("ingest_done", map[string]any{"count": 1}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	l.Close()

	if err := Verify(path, false); err != nil {
		t.Fatalf("expected clean log to verify, got %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	data[10] ^= 0xFF
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := Verify(path, false); err == nil {
		t.Fatal("expected tampered log to fail verification")
	}
}

func TestVerify_RequireSigningFailsUnsignedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := l.Append("run_start", nil); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	l.Close()

	if err := Verify(path, true); err == nil {
		t.Fatal("expected unsigned entry to fail verification when signing is required")
	}
}

func TestOpen_ReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l1, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	e1, err := l1.Append("run_start", nil)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	l1.Close()

	l2, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()

	e2, err := l2.Append("run_start", nil)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if e2.Seq != 2 {
		t.Errorf("expected reopened log to continue seq, got %d", e2.Seq)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("expected reopened log to chain from prior hash")
	}
}
