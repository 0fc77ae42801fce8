package hasher

import (
	"os"
	"path/filepath"
	"testing"

	"aegis/logger"
)

func init() {
	logger.Init("error")
}

func TestFingerprint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := Fingerprint(path)
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Errorf("sha256 mismatch: %s", got)
	}

	// Determinism on identical bytes.
	if Fingerprint(path) != got {
		t.Error("fingerprint not deterministic")
	}
}

func TestFingerprintMissingFile(t *testing.T) {
	got := Fingerprint(filepath.Join(t.TempDir(), "does-not-exist"))
	if got != "" {
		t.Errorf("expected empty fingerprint for missing file, got %q", got)
	}
}

func TestFingerprintEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := Fingerprint(path); got != want {
		t.Errorf("empty file sha256 mismatch: %s", got)
	}
}

func TestFingerprintBytes(t *testing.T) {
	if FingerprintBytes([]byte("hello world")) != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Error("bytes fingerprint mismatch")
	}
}
