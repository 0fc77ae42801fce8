package walker

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"aegis/logger"
	"aegis/utils"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

// Profile selects which roots are enumerated and how deep the traversal goes.
type Profile string

const (
	ProfileQuick Profile = "quick"
	ProfileFull  Profile = "full"
)

// DefaultMaxFileSize bounds the size of files selected for scanning. Larger
// files are skipped, not reported as errors.
const DefaultMaxFileSize = 100 * 1024 * 1024

// ScanFile is one filesystem entry selected for scanning. It lives only for
// the duration of a single scan pass.
type ScanFile struct {
	URI  string
	Name string
	Size int64
	Path string
}

// Options configures a Walker. QuickRoots are always enumerated; FullRoots
// (e.g. shared download directories) are added only for ProfileFull, which is
// also the only profile that descends into subdirectories.
type Options struct {
	QuickRoots  []string
	FullRoots   []string
	MaxFileSize int64
	Matcher     *utils.PatternMatcher
	IOLimiter   *rate.Limiter
}

type Walker struct {
	opts Options
}

func New(opts Options) *Walker {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	return &Walker{opts: opts}
}

// Enumerate returns the candidate set for the given profile. Directories that
// cannot be listed are skipped with a warning; only context cancellation
// aborts the walk.
func (w *Walker) Enumerate(ctx context.Context, profile Profile) ([]ScanFile, error) {
	roots := append([]string(nil), w.opts.QuickRoots...)
	recursive := false
	if profile == ProfileFull {
		roots = append(roots, w.opts.FullRoots...)
		recursive = true
	}

	var files []ScanFile
	seen := make(map[string]struct{})
	for _, root := range roots {
		if err := w.walkRoot(ctx, root, recursive, func(f ScanFile) {
			if _, dup := seen[f.Path]; dup {
				return
			}
			seen[f.Path] = struct{}{}
			files = append(files, f)
		}); err != nil {
			return nil, err
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// walkRoot traverses one root with an explicit worklist instead of recursion
// so adversarially deep trees cannot exhaust the stack.
func (w *Walker) walkRoot(ctx context.Context, root string, recursive bool, emit func(ScanFile)) error {
	info, err := os.Stat(root)
	if err != nil {
		logger.Warnf("Skipping scan root %s: %v", root, err)
		return nil
	}
	if !info.IsDir() {
		w.consider(root, info, emit)
		return nil
	}

	stack := []string{root}
	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Warnf("Failed to list %s: %v", dir, err)
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				if recursive {
					stack = append(stack, path)
				}
				continue
			}
			if w.opts.IOLimiter != nil {
				if err := w.opts.IOLimiter.Wait(ctx); err != nil {
					return err
				}
			}
			w.considerEntry(path, entry, emit)
		}
	}
	return nil
}

func (w *Walker) considerEntry(path string, entry fs.DirEntry, emit func(ScanFile)) {
	info, err := entry.Info()
	if err != nil {
		logger.Warnf("Failed to stat %s: %v", path, err)
		return
	}
	w.consider(path, info, emit)
}

func (w *Walker) consider(path string, info fs.FileInfo, emit func(ScanFile)) {
	if !info.Mode().IsRegular() {
		return
	}
	if !w.opts.Matcher.ShouldInclude(path) {
		return
	}
	if info.Size() > w.opts.MaxFileSize {
		logger.Debugf("Skipping %s: %s exceeds size cap", path, humanize.Bytes(uint64(info.Size())))
		return
	}
	emit(ScanFile{
		URI:  "file://" + path,
		Name: info.Name(),
		Size: info.Size(),
		Path: path,
	})
}
