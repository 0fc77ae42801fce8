package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsPathWithin(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "sub", "file.txt")
	if err := os.MkdirAll(filepath.Dir(inside), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(inside, []byte("x"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if !IsPathWithin(inside, root) {
		t.Fatal("expected path inside root")
	}
	if IsPathWithin(filepath.Dir(root), root) {
		t.Fatal("parent must not be within root")
	}
	if IsPathWithin("/etc/passwd", root) {
		t.Fatal("unrelated path must not be within root")
	}
}

func TestIsPathWithinMultipleRoots(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	target := filepath.Join(b, "f")
	if err := os.WriteFile(target, []byte("x"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !IsPathWithin(target, a, b) {
		t.Fatal("expected match against second root")
	}
}
