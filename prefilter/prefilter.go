package prefilter

import (
	"bufio"
	"os"
	"strings"

	"aegis/logger"

	"github.com/FastFilter/xorfilter"
	"github.com/cespare/xxhash/v2"
)

// Filter is a probabilistic membership filter over the known-threat
// fingerprint set. A negative answer is definitive (the fingerprint is not in
// the threat database), so negatives can be classified clean locally without
// a lookup round-trip. Positives may be false and must still be confirmed by
// the classification oracle.
type Filter struct {
	fuse *xorfilter.BinaryFuse8
	size int
}

// New builds a filter from hex-encoded fingerprints. An empty set yields a
// nil filter, which MayContain treats as "always consult the oracle".
func New(fingerprints []string) (*Filter, error) {
	if len(fingerprints) == 0 {
		return nil, nil
	}
	keys := make([]uint64, 0, len(fingerprints))
	seen := make(map[uint64]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		fp = strings.ToLower(strings.TrimSpace(fp))
		if fp == "" {
			continue
		}
		key := xxhash.Sum64String(fp)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	fuse, err := xorfilter.PopulateBinaryFuse8(keys)
	if err != nil {
		return nil, err
	}
	return &Filter{fuse: fuse, size: len(keys)}, nil
}

// LoadFile reads a newline-delimited fingerprint snapshot. Missing snapshot
// files are not an error: the agent simply falls back to always consulting
// the oracle.
func LoadFile(path string) (*Filter, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debugf("No threat fingerprint snapshot at %s", path)
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var fingerprints []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fingerprints = append(fingerprints, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return New(fingerprints)
}

// MayContain reports whether the fingerprint could be in the threat set.
func (f *Filter) MayContain(fingerprint string) bool {
	if f == nil || f.fuse == nil {
		return true
	}
	return f.fuse.Contains(xxhash.Sum64String(strings.ToLower(fingerprint)))
}

// Len returns the number of fingerprints the filter was built from.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return f.size
}
