package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"aegis/api"
	"aegis/hasher"
	"aegis/logger"
	"aegis/prefilter"
	"aegis/sanitize"
	"aegis/walker"
)

// Orchestrator drives the scan pipeline: walker -> hasher -> lookup ->
// aggregation -> progress -> report. It enforces single-flight semantics:
// a concurrent call with matching parameters joins the in-flight run; a call
// with different parameters cancels the in-flight run first, then starts its
// own. Cancellation is cooperative and batch-granular: the flag is checked
// at the top of each batch, so an individual hash or lookup in flight
// completes before cancellation takes effect.
type Orchestrator struct {
	walker   *walker.Walker
	lookup   Lookup
	sink     ReportSink
	filter   *prefilter.Filter
	deviceID string
	now      func() time.Time

	mu       sync.Mutex
	state    Status
	inflight *run
}

type run struct {
	key     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	summary Summary
	err     error
}

func NewOrchestrator(w *walker.Walker, lookup Lookup, sink ReportSink, filter *prefilter.Filter, deviceID string) *Orchestrator {
	return &Orchestrator{
		walker:   w,
		lookup:   lookup,
		sink:     sink,
		filter:   filter,
		deviceID: deviceID,
		now:      time.Now,
		state:    StatusIdle,
	}
}

// State returns the orchestrator state; StatusRunning only while a run is in
// flight, a terminal status briefly visible through Summary, and StatusIdle
// between runs.
func (o *Orchestrator) State() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Cancel requests cooperative cancellation of the in-flight run, if any, and
// blocks until it has unwound.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	r := o.inflight
	o.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Scan executes (or joins) a scan run with the given options.
func (o *Orchestrator) Scan(ctx context.Context, opts Options) (Summary, error) {
	opts = opts.withDefaults()
	key := opts.key()

	for {
		o.mu.Lock()
		existing := o.inflight
		if existing == nil {
			runCtx, cancel := context.WithCancel(ctx)
			r := &run{key: key, cancel: cancel, done: make(chan struct{})}
			o.inflight = r
			o.state = StatusRunning
			o.mu.Unlock()

			r.summary, r.err = o.execute(runCtx, opts)

			o.mu.Lock()
			o.inflight = nil
			o.state = StatusIdle
			o.mu.Unlock()
			cancel()
			close(r.done)
			return r.summary, r.err
		}
		o.mu.Unlock()

		if existing.key == key {
			// Join the equivalent in-flight run.
			select {
			case <-existing.done:
				return existing.summary, existing.err
			case <-ctx.Done():
				return Summary{}, ctx.Err()
			}
		}

		// Different parameters: cancel the current run, then retry the
		// start path.
		existing.cancel()
		select {
		case <-existing.done:
		case <-ctx.Done():
			return Summary{}, ctx.Err()
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, opts Options) (Summary, error) {
	startedAt := o.now()
	summary := Summary{
		Profile:   opts.Profile,
		StartedAt: startedAt,
	}

	files, err := o.walker.Enumerate(ctx, opts.Profile)
	if err != nil {
		// Enumeration only fails on cancellation; walker-level I/O errors
		// are tolerated inside the walk.
		summary.Status = StatusCancelled
		summary.CompletedAt = o.now()
		return summary, ErrCancelled
	}

	total := len(files)
	results := make([]Result, 0, total)
	threats := 0

	for batchStart := 0; batchStart < total; batchStart += opts.BatchSize {
		if ctx.Err() != nil {
			summary.Status = StatusCancelled
			summary.FilesScanned = len(results)
			summary.ThreatsFound = threats
			summary.Results = results
			summary.CompletedAt = o.now()
			logger.Infof("Scan cancelled after %d/%d files", len(results), total)
			return summary, ErrCancelled
		}

		batchEnd := min(batchStart+opts.BatchSize, total)
		batch := files[batchStart:batchEnd]

		batchResults, batchThreats, err := o.processBatch(ctx, batch)
		if err != nil {
			summary.FilesScanned = len(results)
			summary.ThreatsFound = threats
			summary.Results = results
			summary.CompletedAt = o.now()
			// A cancellation that lands while the lookup is in flight
			// surfaces as the lookup's error. That is the cancelled
			// terminal state, not a failure, and gets no failure report.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				summary.Status = StatusCancelled
				logger.Infof("Scan cancelled after %d/%d files", len(results), total)
				return summary, ErrCancelled
			}
			summary.Status = StatusFailed
			o.submitFailureReport(ctx, opts, summary, err)
			return summary, err
		}
		results = append(results, batchResults...)
		threats += batchThreats

		if opts.Progress != nil {
			opts.Progress(Progress{
				FilesScanned: min(batchEnd, total),
				TotalFiles:   total,
				ThreatsFound: threats,
				CurrentFile:  batch[len(batch)-1].Name,
			})
		}

		if batchEnd < total {
			o.yield(ctx, opts.Yield)
		}
	}

	summary.Status = StatusCompleted
	summary.FilesScanned = total
	summary.ThreatsFound = threats
	summary.Results = results
	summary.CompletedAt = o.now()
	o.submitCompletionReport(ctx, opts, summary)
	return summary, nil
}

// processBatch fingerprints the batch concurrently, consults the oracle once
// for the batch, and merges classifications by fingerprint.
func (o *Orchestrator) processBatch(ctx context.Context, batch []walker.ScanFile) ([]Result, int, error) {
	fingerprints := make([]string, len(batch))
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fingerprints[i] = hasher.Fingerprint(batch[i].Path)
		}(i)
	}
	wg.Wait()

	// Deduplicate and prefilter: fingerprints that are definitively not in
	// the threat set skip the lookup round-trip. Empty fingerprints are
	// unclassifiable and never looked up.
	var lookupHashes []string
	seen := make(map[string]struct{}, len(batch))
	for _, fp := range fingerprints {
		if fp == "" {
			continue
		}
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		if o.filter.MayContain(fp) {
			lookupHashes = append(lookupHashes, fp)
		}
	}

	classifications := map[string]api.Classification{}
	if len(lookupHashes) > 0 {
		var err error
		classifications, err = o.lookup.CheckHashes(ctx, lookupHashes)
		if err != nil {
			return nil, 0, err
		}
	}

	results := make([]Result, 0, len(batch))
	threats := 0
	for i, file := range batch {
		r := Result{File: file, Hash: fingerprints[i]}
		if cls, ok := classifications[fingerprints[i]]; ok && fingerprints[i] != "" {
			r.IsThreat = cls.IsThreat
			r.ThreatName = cls.ThreatName
			r.Severity = cls.Severity
			r.Category = cls.Category
		}
		if r.IsThreat {
			threats++
		}
		results = append(results, r)
	}
	return results, threats, nil
}

func (o *Orchestrator) yield(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		// The cancellation itself is handled at the top of the next batch.
	}
}

func (o *Orchestrator) submitCompletionReport(ctx context.Context, opts Options, summary Summary) {
	report := api.ScanReport{
		DeviceID:     o.deviceID,
		ScanType:     string(opts.Profile),
		Status:       string(StatusCompleted),
		FilesScanned: summary.FilesScanned,
		ThreatsFound: summary.ThreatsFound,
		StartedAt:    summary.StartedAt,
		CompletedAt:  summary.CompletedAt,
	}
	for _, r := range summary.Results {
		if !r.IsThreat {
			continue
		}
		report.Threats = append(report.Threats, api.ThreatEntry{
			FileName:   r.File.Name,
			FilePath:   sanitize.Path(r.File.Path, opts.SanitizeMode, opts.SanitizeRoot, opts.HashSalt),
			FileHash:   r.Hash,
			ThreatName: r.ThreatName,
			Severity:   r.Severity,
			Category:   r.Category,
		})
	}
	if err := o.sink.SubmitScanReport(ctx, report); err != nil {
		logger.Errorf("Failed to submit scan report: %v", err)
	}
}

func (o *Orchestrator) submitFailureReport(ctx context.Context, opts Options, summary Summary, cause error) {
	report := api.ScanReport{
		DeviceID:     o.deviceID,
		ScanType:     string(opts.Profile),
		Status:       string(StatusFailed),
		FilesScanned: summary.FilesScanned,
		ThreatsFound: summary.ThreatsFound,
		StartedAt:    summary.StartedAt,
		CompletedAt:  summary.CompletedAt,
		Error:        cause.Error(),
	}
	if err := o.sink.SubmitScanReport(ctx, report); err != nil {
		logger.Errorf("Failed to submit scan failure report: %v", err)
	}
}
