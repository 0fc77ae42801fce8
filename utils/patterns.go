package utils

import (
	"path/filepath"
	"regexp"
)

// PatternMatcher filters scan candidates by include/exclude patterns. Each
// pattern is tried both as a glob against the base name and as a regular
// expression against the whole path. Whole directory subtrees can be fenced
// off with ExcludeSubtree, which matches by path containment instead of by
// pattern.
type PatternMatcher struct {
	includeGlobs []string
	includeRegex []*regexp.Regexp
	excludeGlobs []string
	excludeRegex []*regexp.Regexp
	excludeDirs  []string
}

func NewPatternMatcher(includePatterns, excludePatterns []string) *PatternMatcher {
	return &PatternMatcher{
		includeGlobs: append([]string(nil), includePatterns...),
		includeRegex: compileRegex(includePatterns),
		excludeGlobs: append([]string(nil), excludePatterns...),
		excludeRegex: compileRegex(excludePatterns),
	}
}

// ExcludeSubtree fences off entire directory subtrees. Containment is exact:
// metacharacters in the roots are taken literally, unlike exclude patterns.
func (m *PatternMatcher) ExcludeSubtree(roots ...string) {
	m.excludeDirs = append(m.excludeDirs, roots...)
}

func (m *PatternMatcher) ShouldInclude(path string) bool {
	if m == nil {
		return true
	}
	if len(m.excludeDirs) > 0 && IsPathWithin(path, m.excludeDirs...) {
		return false
	}
	if (len(m.includeGlobs) > 0 || len(m.includeRegex) > 0) && !m.matches(path, m.includeGlobs, m.includeRegex) {
		return false
	}
	if (len(m.excludeGlobs) > 0 || len(m.excludeRegex) > 0) && m.matches(path, m.excludeGlobs, m.excludeRegex) {
		return false
	}
	return true
}

func (m *PatternMatcher) matches(path string, globs []string, regexes []*regexp.Regexp) bool {
	for _, pattern := range globs {
		if matched, _ := filepath.Match(pattern, filepath.Base(path)); matched {
			return true
		}
	}
	for _, re := range regexes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func compileRegex(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		out = append(out, re)
	}
	return out
}
