package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"aegis/api"
	"aegis/hasher"
	"aegis/logger"
	"aegis/sanitize"
	"aegis/walker"
)

func init() {
	logger.Init("error")
}

type fakeLookup struct {
	mu      sync.Mutex
	calls   int
	batches [][]string
	threats map[string]api.Classification
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeLookup) CheckHashes(ctx context.Context, hashes []string) (map[string]api.Classification, error) {
	f.mu.Lock()
	f.calls++
	f.batches = append(f.batches, append([]string(nil), hashes...))
	started := f.started
	f.started = nil
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]api.Classification, len(hashes))
	for _, h := range hashes {
		if h == "" {
			return nil, errors.New("empty hash submitted to oracle")
		}
		if cls, ok := f.threats[h]; ok {
			out[h] = cls
		} else {
			out[h] = api.Classification{Hash: h}
		}
	}
	return out, nil
}

type fakeSink struct {
	mu      sync.Mutex
	reports []api.ScanReport
}

func (f *fakeSink) SubmitScanReport(ctx context.Context, report api.ScanReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeSink) all() []api.ScanReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.ScanReport(nil), f.reports...)
}

// seedFiles writes n small files with deterministic names and distinct
// content, returning the fingerprints in sorted-path order.
func seedFiles(t *testing.T, dir string, n int) []string {
	t.Helper()
	fingerprints := make([]string, n)
	for i := 0; i < n; i++ {
		content := []byte(fmt.Sprintf("content-%04d", i))
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%04d.bin", i)), content, 0600); err != nil {
			t.Fatalf("write: %v", err)
		}
		fingerprints[i] = hasher.FingerprintBytes(content)
	}
	return fingerprints
}

func newTestOrchestrator(dir string, lookup Lookup, sink ReportSink) *Orchestrator {
	w := walker.New(walker.Options{QuickRoots: []string{dir}})
	return NewOrchestrator(w, lookup, sink, nil, "dev-test")
}

func TestScanThreeBatchScenario(t *testing.T) {
	dir := t.TempDir()
	fps := seedFiles(t, dir, 120)

	// Two threats inside the second batch (sorted indices 60 and 70).
	lookup := &fakeLookup{threats: map[string]api.Classification{
		fps[60]: {Hash: fps[60], IsThreat: true, ThreatName: "Trojan.A", Severity: "high"},
		fps[70]: {Hash: fps[70], IsThreat: true, ThreatName: "Trojan.B", Severity: "medium"},
	}}
	sink := &fakeSink{}
	o := newTestOrchestrator(dir, lookup, sink)

	var progress []Progress
	summary, err := o.Scan(context.Background(), Options{
		Profile:      walker.ProfileQuick,
		BatchSize:    50,
		SanitizeMode: sanitize.ModeFilename,
		Yield:        time.Millisecond,
		Progress:     func(p Progress) { progress = append(progress, p) },
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if summary.Status != StatusCompleted || summary.FilesScanned != 120 || summary.ThreatsFound != 2 {
		t.Fatalf("summary mismatch: %+v", summary)
	}
	if len(progress) != 3 {
		t.Fatalf("expected 3 progress callbacks, got %d", len(progress))
	}
	wantScanned := []int{50, 100, 120}
	wantThreats := []int{0, 2, 2}
	for i, p := range progress {
		if p.FilesScanned != wantScanned[i] || p.ThreatsFound != wantThreats[i] || p.TotalFiles != 120 {
			t.Fatalf("progress[%d] = %+v", i, p)
		}
	}
	if lookup.calls != 3 {
		t.Fatalf("expected 3 lookup calls, got %d", lookup.calls)
	}
	total := 0
	for _, b := range lookup.batches {
		total += len(b)
	}
	if total != 120 {
		t.Fatalf("sum of batch sizes %d != 120", total)
	}

	reports := sink.all()
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	rep := reports[0]
	if rep.Status != "completed" || rep.ScanType != "quick" || len(rep.Threats) != 2 {
		t.Fatalf("report mismatch: %+v", rep)
	}
	// Filename sanitization: no directory components leak.
	for _, th := range rep.Threats {
		if filepath.Base(th.FilePath) != th.FilePath {
			t.Fatalf("path not sanitized: %q", th.FilePath)
		}
	}
}

func TestScanCancelledBetweenBatches(t *testing.T) {
	dir := t.TempDir()
	seedFiles(t, dir, 60)

	lookup := &fakeLookup{}
	sink := &fakeSink{}
	o := newTestOrchestrator(dir, lookup, sink)

	ctx, cancel := context.WithCancel(context.Background())
	var progress []Progress
	summary, err := o.Scan(ctx, Options{
		Profile:   walker.ProfileQuick,
		BatchSize: 50,
		Yield:     time.Millisecond,
		Progress: func(p Progress) {
			progress = append(progress, p)
			cancel()
		},
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if summary.Status != StatusCancelled {
		t.Fatalf("status: %s", summary.Status)
	}
	if len(progress) != 1 || summary.FilesScanned != 50 {
		t.Fatalf("cancellation should stop after first batch: %d progress, %d scanned",
			len(progress), summary.FilesScanned)
	}
	if len(sink.all()) != 0 {
		t.Fatal("completion report must not be sent for a cancelled run")
	}
	if o.State() != StatusIdle {
		t.Fatalf("state after cancel: %s", o.State())
	}
}

func TestScanCancelledDuringLookup(t *testing.T) {
	dir := t.TempDir()
	seedFiles(t, dir, 10)

	// The lookup parks until the context is torn down, so the cancellation
	// lands inside CheckHashes rather than at a batch boundary.
	lookup := &fakeLookup{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	sink := &fakeSink{}
	o := newTestOrchestrator(dir, lookup, sink)

	ctx, cancel := context.WithCancel(context.Background())
	started := lookup.started
	go func() {
		<-started
		cancel()
	}()

	summary, err := o.Scan(ctx, Options{
		Profile:   walker.ProfileQuick,
		BatchSize: 50,
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if summary.Status != StatusCancelled {
		t.Fatalf("status: %s", summary.Status)
	}
	if reports := sink.all(); len(reports) != 0 {
		t.Fatalf("a run cancelled mid-lookup must not report: %+v", reports)
	}
	if o.State() != StatusIdle {
		t.Fatalf("state after cancel: %s", o.State())
	}
}

func TestScanFailureReportsAndPropagates(t *testing.T) {
	dir := t.TempDir()
	seedFiles(t, dir, 5)

	boom := errors.New("oracle unreachable")
	lookup := &fakeLookup{err: boom}
	sink := &fakeSink{}
	o := newTestOrchestrator(dir, lookup, sink)

	_, err := o.Scan(context.Background(), Options{Profile: walker.ProfileQuick})
	if !errors.Is(err, boom) {
		t.Fatalf("expected lookup error, got %v", err)
	}
	reports := sink.all()
	if len(reports) != 1 || reports[0].Status != "failed" || reports[0].Error == "" {
		t.Fatalf("expected failure report, got %+v", reports)
	}
}

func TestScanJoinsEquivalentInFlightRun(t *testing.T) {
	dir := t.TempDir()
	seedFiles(t, dir, 10)

	lookup := &fakeLookup{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	sink := &fakeSink{}
	o := newTestOrchestrator(dir, lookup, sink)
	opts := Options{Profile: walker.ProfileQuick, BatchSize: 50}

	started := lookup.started
	var wg sync.WaitGroup
	summaries := make([]Summary, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		summaries[0], errs[0] = o.Scan(context.Background(), opts)
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		summaries[1], errs[1] = o.Scan(context.Background(), opts)
	}()
	time.Sleep(20 * time.Millisecond)
	close(lookup.release)
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("scan %d: %v", i, errs[i])
		}
		if summaries[i].FilesScanned != 10 {
			t.Fatalf("scan %d scanned %d", i, summaries[i].FilesScanned)
		}
	}
	if lookup.calls != 1 {
		t.Fatalf("joined run should share one pipeline, got %d lookup calls", lookup.calls)
	}
	if len(sink.all()) != 1 {
		t.Fatal("joined run must produce a single report")
	}
}

func TestScanDifferentParametersCancelsInFlightRun(t *testing.T) {
	dir := t.TempDir()
	seedFiles(t, dir, 20)

	lookup := &fakeLookup{started: make(chan struct{})}
	sink := &fakeSink{}
	o := newTestOrchestrator(dir, lookup, sink)

	started := lookup.started
	firstDone := make(chan struct{})
	var firstErr error
	go func() {
		defer close(firstDone)
		// Long yield keeps the first run parked between batches.
		_, firstErr = o.Scan(context.Background(), Options{
			Profile:   walker.ProfileQuick,
			BatchSize: 10,
			Yield:     time.Minute,
		})
	}()
	<-started

	summary, err := o.Scan(context.Background(), Options{
		Profile:   walker.ProfileQuick,
		BatchSize: 20,
	})
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if summary.Status != StatusCompleted || summary.FilesScanned != 20 {
		t.Fatalf("second summary: %+v", summary)
	}

	<-firstDone
	if !errors.Is(firstErr, ErrCancelled) {
		t.Fatalf("first run should be cancelled, got %v", firstErr)
	}
}

func TestProcessBatchSkipsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good")
	if err := os.WriteFile(good, []byte("ok"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	lookup := &fakeLookup{}
	o := newTestOrchestrator(dir, lookup, &fakeSink{})
	batch := []walker.ScanFile{
		{Path: good, Name: "good"},
		{Path: filepath.Join(dir, "vanished"), Name: "vanished"},
	}
	results, threats, err := o.processBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if threats != 0 || len(results) != 2 {
		t.Fatalf("unexpected batch outcome: %d threats, %d results", threats, len(results))
	}
	if results[1].Hash != "" || results[1].IsThreat {
		t.Fatalf("unreadable file must be unclassifiable: %+v", results[1])
	}
	if len(lookup.batches) != 1 || len(lookup.batches[0]) != 1 {
		t.Fatalf("only the readable fingerprint should be looked up: %+v", lookup.batches)
	}
}

func TestOptionsKeyIgnoresProgress(t *testing.T) {
	a := Options{Profile: walker.ProfileFull, Progress: func(Progress) {}}.withDefaults()
	b := Options{Profile: walker.ProfileFull}.withDefaults()
	if a.key() != b.key() {
		t.Fatal("progress callback must not affect the parameter key")
	}
	c := Options{Profile: walker.ProfileQuick}.withDefaults()
	if a.key() == c.key() {
		t.Fatal("different profiles must produce different keys")
	}
}
