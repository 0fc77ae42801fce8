package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPatternMatcherDefaults(t *testing.T) {
	m := NewPatternMatcher(nil, nil)
	if !m.ShouldInclude("/any/path") {
		t.Fatal("empty matcher should include everything")
	}
	var nilMatcher *PatternMatcher
	if !nilMatcher.ShouldInclude("/any/path") {
		t.Fatal("nil matcher should include everything")
	}
}

func TestPatternMatcherInclude(t *testing.T) {
	m := NewPatternMatcher([]string{"*.apk"}, nil)
	if !m.ShouldInclude("/downloads/app.apk") {
		t.Fatal("glob include failed")
	}
	if m.ShouldInclude("/downloads/readme.txt") {
		t.Fatal("non-matching file included")
	}
}

func TestPatternMatcherExclude(t *testing.T) {
	m := NewPatternMatcher(nil, []string{"quarantine"})
	if m.ShouldInclude("/data/app/quarantine/abc") {
		t.Fatal("exclude regex failed")
	}
	if !m.ShouldInclude("/data/app/docs/abc") {
		t.Fatal("unrelated path excluded")
	}
}

func TestExcludeSubtreeIsExactUnderMetacharacters(t *testing.T) {
	dir := t.TempDir()
	// A root that would misbehave as a regex: "+" and "(" are taken
	// literally by containment matching.
	root := filepath.Join(dir, "q+(1)")
	if err := os.MkdirAll(root, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	m := NewPatternMatcher(nil, nil)
	m.ExcludeSubtree(root)

	if m.ShouldInclude(filepath.Join(root, "deadbeef")) {
		t.Fatal("file inside the excluded subtree included")
	}
	if m.ShouldInclude(filepath.Join(root, "nested", "deadbeef")) {
		t.Fatal("nested file inside the excluded subtree included")
	}
	if !m.ShouldInclude(filepath.Join(dir, "q+(1)extra", "file")) {
		t.Fatal("sibling with a common prefix wrongly excluded")
	}
	if !m.ShouldInclude(filepath.Join(dir, "elsewhere", "file")) {
		t.Fatal("unrelated path wrongly excluded")
	}
}

func TestPatternMatcherBadRegexIgnored(t *testing.T) {
	m := NewPatternMatcher(nil, []string{"["})
	if !m.ShouldInclude("/data/x") {
		t.Fatal("invalid pattern should not exclude")
	}
}
