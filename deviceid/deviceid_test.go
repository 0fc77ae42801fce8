package deviceid

import (
	"bytes"
	"path/filepath"
	"testing"

	"aegis/kvstore"

	"github.com/google/uuid"
)

func TestGetIsStable(t *testing.T) {
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "kv.db"), bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	first, err := Get(store)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("not a uuid: %q", first)
	}
	second, err := Get(store)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if first != second {
		t.Fatalf("device id not stable: %q vs %q", first, second)
	}
}
