package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aegis/api"
	"aegis/sanitize"
	"aegis/walker"

	"github.com/cespare/xxhash/v2"
)

// ErrCancelled is the terminal outcome of a cooperatively cancelled scan.
var ErrCancelled = errors.New("scan: cancelled")

// Status is the orchestrator state. Exactly one scan may be Running at a
// time process-wide.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Result is the immutable classification outcome for one scanned file.
type Result struct {
	File       walker.ScanFile
	Hash       string
	IsThreat   bool
	ThreatName string
	Severity   string
	Category   string
}

// Progress is a transient snapshot emitted once per batch.
type Progress struct {
	FilesScanned int
	TotalFiles   int
	ThreatsFound int
	CurrentFile  string
}

// Summary is the terminal record of one scan run.
type Summary struct {
	Profile      walker.Profile
	Status       Status
	FilesScanned int
	ThreatsFound int
	StartedAt    time.Time
	CompletedAt  time.Time
	Results      []Result
}

const (
	// DefaultBatchSize bounds both lookup request size and per-batch memory.
	DefaultBatchSize = 50
	// DefaultYield is the pause between batches so a foreground UI on a
	// constrained device is not starved.
	DefaultYield = 25 * time.Millisecond
)

// Options are the parameters of one scan run. Two runs with equal parameter
// keys are considered the same scan for single-flight purposes; Progress is
// deliberately excluded from the key.
type Options struct {
	Profile      walker.Profile
	BatchSize    int
	SanitizeMode sanitize.Mode
	SanitizeRoot string
	HashSalt     string
	Yield        time.Duration
	Progress     func(Progress)
}

func (o Options) withDefaults() Options {
	if o.Profile == "" {
		o.Profile = walker.ProfileQuick
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.SanitizeMode == "" {
		o.SanitizeMode = sanitize.ModeHome
	}
	if o.Yield <= 0 {
		o.Yield = DefaultYield
	}
	return o
}

func (o Options) key() uint64 {
	d := xxhash.New()
	fmt.Fprintf(d, "%s|%d|%s|%s|%s", o.Profile, o.BatchSize, o.SanitizeMode, o.SanitizeRoot, o.HashSalt)
	return d.Sum64()
}

// Lookup is the remote classification oracle boundary: one batch of
// fingerprints in, aligned classifications out.
type Lookup interface {
	CheckHashes(ctx context.Context, hashes []string) (map[string]api.Classification, error)
}

// ReportSink receives the completion or failure summary of a scan run.
type ReportSink interface {
	SubmitScanReport(ctx context.Context, report api.ScanReport) error
}
