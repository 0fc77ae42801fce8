package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"aegis/logger"
)

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

// Options configures the scan stall watchdog. StallThreshold of zero or a
// nil ProgressFn disables probing entirely.
type Options struct {
	// StallThreshold is how long the scanned-file counter may sit still
	// before artifacts are dumped.
	StallThreshold time.Duration
	// Dir receives the dumped artifacts.
	Dir string
	// GoroutineDumpOnClose writes a goroutine profile when the watchdog
	// shuts down, for post-run leak inspection.
	GoroutineDumpOnClose bool
	// ProgressFn reports the cumulative number of files scanned.
	ProgressFn func() int64

	nowFn           func() time.Time
	profileLookupFn func(name string) profileWriter
}

// Watchdog watches scan progress and dumps a JSON stall event plus a
// goroutine profile when a run stops advancing. A stalled scan on a mobile
// device usually means a wedged filesystem or a hung lookup; the artifacts
// give something to attach to a bug report.
type Watchdog struct {
	opts Options

	mu             sync.Mutex
	lastProgress   int64
	lastProgressAt time.Time
	lastDumpAt     time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewWatchdog(opts Options) *Watchdog {
	if opts.nowFn == nil {
		opts.nowFn = time.Now
	}
	if opts.profileLookupFn == nil {
		opts.profileLookupFn = func(name string) profileWriter {
			return pprof.Lookup(name)
		}
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	return &Watchdog{opts: opts}
}

// Start launches the probe loop. Calling Start on a disabled or already
// started watchdog is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	if w == nil || w.opts.StallThreshold <= 0 || w.opts.ProgressFn == nil || w.stopCh != nil {
		return
	}

	now := w.opts.nowFn()
	w.mu.Lock()
	w.lastProgress = w.opts.ProgressFn()
	w.lastProgressAt = now
	w.lastDumpAt = time.Time{}
	w.mu.Unlock()

	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	interval := w.opts.StallThreshold / 2
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if interval > 2*time.Second {
		interval = 2 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(w.doneCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.probe(w.opts.nowFn())
			}
		}
	}()
}

func (w *Watchdog) Close() {
	if w == nil {
		return
	}
	if w.stopCh != nil {
		close(w.stopCh)
		<-w.doneCh
		w.stopCh = nil
		w.doneCh = nil
	}

	if w.opts.GoroutineDumpOnClose {
		if _, err := w.writeProfile("goroutine", 2); err != nil {
			logger.Warnf("Goroutine profile dump failed: %v", err)
		}
	}
}

func (w *Watchdog) probe(now time.Time) {
	progress := w.opts.ProgressFn()

	w.mu.Lock()
	if progress != w.lastProgress {
		w.lastProgress = progress
		w.lastProgressAt = now
		w.mu.Unlock()
		return
	}
	stalledFor := now.Sub(w.lastProgressAt)
	shouldDump := stalledFor >= w.opts.StallThreshold &&
		(w.lastDumpAt.IsZero() || now.Sub(w.lastDumpAt) >= w.opts.StallThreshold)
	if shouldDump {
		w.lastDumpAt = now
	}
	w.mu.Unlock()

	if shouldDump {
		if err := w.dumpStallArtifacts(now, progress, stalledFor); err != nil {
			logger.Warnf("Scan stall dump failed: %v", err)
		}
	}
}

func (w *Watchdog) dumpStallArtifacts(now time.Time, progress int64, stalledFor time.Duration) error {
	if err := os.MkdirAll(w.opts.Dir, 0755); err != nil {
		return err
	}
	ts := now.UTC().Format("20060102-150405.000")
	eventPath := filepath.Join(w.opts.Dir, fmt.Sprintf("aegis-scan-stall-%s.json", ts))
	event := map[string]interface{}{
		"event":               "scan_stall_threshold_exceeded",
		"timestamp":           now.UTC().Format(time.RFC3339Nano),
		"files_scanned":       progress,
		"threshold_ms":        w.opts.StallThreshold.Milliseconds(),
		"observed_stalled_ms": stalledFor.Milliseconds(),
	}
	b, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(eventPath, b, 0600); err != nil {
		return err
	}

	if _, err := w.writeProfile("goroutine", 2); err != nil {
		logger.Warnf("Goroutine profile dump failed: %v", err)
	}
	return nil
}

func (w *Watchdog) writeProfile(name string, debug int) (string, error) {
	profile := w.opts.profileLookupFn(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	if err := os.MkdirAll(w.opts.Dir, 0755); err != nil {
		return "", err
	}
	ts := w.opts.nowFn().UTC().Format("20060102-150405.000")
	path := filepath.Join(w.opts.Dir, fmt.Sprintf("aegis-%s-profile-%s.pprof", name, ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := profile.WriteTo(f, debug); err != nil {
		return "", err
	}
	return path, nil
}
