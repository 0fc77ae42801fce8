package kvstore

import (
	"bytes"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agent.db"), bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set("lock_state", `{"locked":true}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get("lock_state")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != `{"locked":true}` {
		t.Fatalf("value mismatch: %q", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSecureValueEncryptedAtRest(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetSecure("auth_token", "s3cret-token"); err != nil {
		t.Fatalf("set secure: %v", err)
	}

	// Transparent decryption through Get.
	got, err := s.Get("auth_token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "s3cret-token" {
		t.Fatalf("decrypted value mismatch: %q", got)
	}

	// The raw row must not contain the plaintext.
	var raw []byte
	if err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, "auth_token").Scan(&raw); err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if strings.Contains(string(raw), "s3cret-token") {
		t.Fatal("secure value stored in plaintext")
	}
}

func TestOverwriteFlipsSecureFlag(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetSecure("k", "secret"); err != nil {
		t.Fatalf("set secure: %v", err)
	}
	if err := s.Set("k", "plain"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get("k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "plain" {
		t.Fatalf("expected plain overwrite, got %q", got)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Remove("k"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove("k"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if _, err := s.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Fatal("key should be gone")
	}
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	_ = s.Set("a", "1")
	_ = s.SetSecure("b", "2")
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected empty store, got %v", keys)
	}
}

func TestConcurrentWritersLastWriteWins(t *testing.T) {
	s := openTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = s.Set("counter", "x")
				_, err := s.Get("counter")
				if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, sql.ErrConnDone) {
					t.Errorf("get: %v", err)
				}
			}
		}()
	}
	wg.Wait()
}

func TestShortMasterKeyRejected(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "x.db"), []byte("short")); err == nil {
		t.Fatal("expected error for short master key")
	}
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "master.key")
	k1, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	k2, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("key must be stable across loads")
	}
	if len(k1) != 32 {
		t.Fatalf("unexpected key length %d", len(k1))
	}
}
