package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

// Mode controls how file paths are externalized in reports. The default is
// ModeHome: raw absolute device paths never leave the device unless the
// operator explicitly configures ModeNone.
type Mode string

const (
	ModeNone     Mode = "none"
	ModeRelative Mode = "relative"
	ModeHome     Mode = "home"
	ModeFilename Mode = "filename"
	ModeHashed   Mode = "hashed"
)

const hashedPrefix = "hashed:"

// ParseMode normalizes a mode string, falling back to ModeHome for unknown
// values.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeNone:
		return ModeNone
	case ModeRelative:
		return ModeRelative
	case ModeFilename:
		return ModeFilename
	case ModeHashed:
		return ModeHashed
	default:
		return ModeHome
	}
}

var homePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^/home/[^/]+`),
	regexp.MustCompile(`^/Users/[^/]+`),
	regexp.MustCompile(`^/root`),
	regexp.MustCompile(`^/data/(?:user/\d+|data)/[^/]+`),
	regexp.MustCompile(`^/var/mobile/Containers/Data/Application/[^/]+`),
	regexp.MustCompile(`^C:\\Users\\[^\\]+`),
}

// Path rewrites path according to mode. It is idempotent: applying the same
// mode to its own output yields the same string.
func Path(path string, mode Mode, root, salt string) string {
	switch mode {
	case ModeNone:
		return normalize(path)
	case ModeRelative:
		return relative(path, root)
	case ModeFilename:
		return filepath.Base(normalize(path))
	case ModeHashed:
		return hashed(path, salt)
	default:
		return home(path)
	}
}

func normalize(path string) string {
	if path == "" {
		return path
	}
	return filepath.Clean(path)
}

func relative(path, root string) string {
	cleaned := normalize(path)
	if root == "" {
		return cleaned
	}
	rel, err := filepath.Rel(normalize(root), cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return cleaned
	}
	return rel
}

func home(path string) string {
	cleaned := normalize(path)
	for _, re := range homePatterns {
		if re.MatchString(cleaned) {
			return re.ReplaceAllString(cleaned, "~")
		}
	}
	return cleaned
}

func hashed(path, salt string) string {
	if strings.HasPrefix(path, hashedPrefix) {
		return path
	}
	sum := sha256.Sum256([]byte(salt + path))
	return hashedPrefix + hex.EncodeToString(sum[:])
}
