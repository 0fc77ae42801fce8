package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"aegis/antitheft"
	"aegis/api"
	"aegis/config"
	"aegis/deviceid"
	"aegis/diag"
	"aegis/kvstore"
	"aegis/logger"
	"aegis/prefilter"
	"aegis/push"
	"aegis/quarantine"
	"aegis/report"
	"aegis/scan"
	"aegis/telemetry"
	"aegis/update"
	"aegis/utils"
	"aegis/version"
	"aegis/walker"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		logger.Fatalf("Failed to create data directory: %v", err)
	}

	if latest, notes, newer, err := update.CheckForUpdate(context.Background(), cfg.APIBaseURL, version.Version); err == nil && newer {
		if strings.Contains(strings.ToLower(notes), "security") {
			logger.Warnf("Update available: %s -> %s (security fixes included)", version.Version, latest)
		} else {
			logger.Infof("Update available: %s -> %s", version.Version, latest)
		}
	}

	masterKey, err := kvstore.LoadOrCreateKey(cfg.KeyFile)
	if err != nil {
		logger.Fatalf("Failed to load master key: %v", err)
	}
	store, err := kvstore.Open(cfg.DBPath, masterKey)
	if err != nil {
		logger.Fatalf("Failed to open key-value store: %v", err)
	}
	defer store.Close()

	deviceID, err := deviceid.Get(store)
	if err != nil {
		logger.Fatalf("Failed to resolve device identity: %v", err)
	}
	client := api.New(cfg.APIBaseURL, deviceID)

	registerDevice(client)
	refreshSignatures(cfg)

	filter, err := prefilter.LoadFile(cfg.SignaturesPath)
	if err != nil {
		logger.Warnf("Signature prefilter disabled: %v", err)
	} else if filter != nil {
		logger.Debugf("Signature prefilter loaded with %d fingerprints", filter.Len())
	}

	journal, err := report.NewJournal(cfg.JournalPath, cfg.JournalMaxSize)
	if err != nil {
		logger.Fatalf("Failed to open report journal: %v", err)
	}
	reporter := report.New(client, journal, report.OtelOptions{
		Endpoint:    cfg.OtelEndpoint,
		FromEnv:     cfg.OtelFromEnv,
		Headers:     cfg.OtelHeaders,
		Timeout:     cfg.OtelTimeout,
		ServiceName: cfg.OtelServiceName,
	})
	defer reporter.Close()

	qm, err := quarantine.NewManager(cfg.QuarantineDir, client, deviceID)
	if err != nil {
		logger.Fatalf("Failed to initialize quarantine: %v", err)
	}

	var limiter *rate.Limiter
	if cfg.MaxIOPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxIOPerSecond), cfg.MaxIOPerSecond)
	}
	matcher := utils.NewPatternMatcher(cfg.IncludePatterns, cfg.ExcludePatterns)
	matcher.ExcludeSubtree(qm.Root())
	w := walker.New(walker.Options{
		QuickRoots:  cfg.QuickRoots,
		FullRoots:   cfg.FullRoots,
		MaxFileSize: cfg.MaxFileSize,
		Matcher:     matcher,
		IOLimiter:   limiter,
	})
	orchestrator := scan.NewOrchestrator(w, client, reporter, filter, deviceID)

	var filesScanned atomic.Int64
	watchdog := diag.NewWatchdog(diag.Options{
		StallThreshold:       cfg.DiagStallThreshold,
		Dir:                  cfg.DiagDir,
		GoroutineDumpOnClose: cfg.DiagGoroutineLeak,
		ProgressFn:           filesScanned.Load,
	})
	defer watchdog.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, orchestrator)

	watchdog.Start(ctx)

	switch cfg.RunMode {
	case "agent":
		runAgent(ctx, cfg, store, qm, client, reporter, orchestrator, &filesScanned)
	default:
		runScan(ctx, cfg, orchestrator, &filesScanned)
	}
}

func runScan(ctx context.Context, cfg *config.Config, orchestrator *scan.Orchestrator, filesScanned *atomic.Int64) {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Scanning files"),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetVisibility(progressVisible()),
		progressbar.OptionFullWidth(),
	)

	summary, err := orchestrator.Scan(ctx, scan.Options{
		Profile:      walker.Profile(cfg.Profile),
		BatchSize:    cfg.BatchSize,
		SanitizeMode: cfg.Mode(),
		SanitizeRoot: cfg.SanitizeRoot,
		HashSalt:     cfg.HashSalt,
		Yield:        cfg.Yield,
		Progress: func(p scan.Progress) {
			filesScanned.Store(int64(p.FilesScanned))
			bar.ChangeMax(p.TotalFiles)
			_ = bar.Set(p.FilesScanned)
		},
	})
	_ = bar.Finish()
	fmt.Println()

	switch {
	case err == nil:
		logger.Infof("Scan completed: %d files, %d threats in %s",
			summary.FilesScanned, summary.ThreatsFound, summary.CompletedAt.Sub(summary.StartedAt).Round(time.Millisecond))
	case summary.Status == scan.StatusCancelled:
		logger.Infof("Scan cancelled after %d files", summary.FilesScanned)
	default:
		logger.Fatalf("Scan failed: %v", err)
	}
}

func runAgent(ctx context.Context, cfg *config.Config, store *kvstore.Store, qm *quarantine.Manager,
	client *api.Client, reporter *report.Reporter, orchestrator *scan.Orchestrator, filesScanned *atomic.Int64) {

	dispatcher := antitheft.NewDispatcher(antitheft.Deps{
		Reporter:   client,
		Acker:      client,
		Locator:    unavailableLocator{},
		Player:     terminalBell{},
		Locks:      antitheft.NewLockController(store),
		Store:      store,
		Quarantine: qm,
		Confirmer:  stdinConfirmer{},
		Sink:       reporter,
		DeviceID:   client.DeviceID(),
	})

	srv := push.NewServer(cfg.ListenAddr, dispatcher)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Listener shutdown: %v", err)
		}
	}()

	if state := dispatcher.Locks().State(); state.Locked {
		logger.Warnf("Device is locked: %s", state.LockMessage)
	}
	_ = filesScanned // scans in agent mode arrive as commands; counter stays at zero until then

	if err := srv.ListenAndServe(); err != nil {
		logger.Fatalf("Command listener failed: %v", err)
	}
	logger.Info("Agent stopped.")
}

func registerDevice(client *api.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap := telemetry.Collect()
	err := client.RegisterDevice(ctx, api.DeviceRegistration{
		Platform: snap.Platform,
		System:   snap.AsMap(),
	})
	if err != nil {
		logger.Warnf("Device registration failed: %v", err)
	}
}

func refreshSignatures(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	count, err := update.RefreshSignatures(ctx, cfg.APIBaseURL, cfg.SignaturesPath)
	if err != nil {
		logger.Warnf("Signature refresh failed, using local snapshot: %v", err)
		return
	}
	logger.Infof("Signature snapshot refreshed: %d fingerprints", count)
}

func handleSignals(cancel context.CancelFunc, orchestrator *scan.Orchestrator) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Interrupt signal received. Shutting down...")
	orchestrator.Cancel()
	cancel()
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("AEGIS_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}

// unavailableLocator stands in on builds without a positioning service.
type unavailableLocator struct{}

func (unavailableLocator) CurrentLocation(ctx context.Context) (antitheft.Location, error) {
	return antitheft.Location{}, antitheft.ErrPermissionDenied
}

// terminalBell loops the terminal bell as the ring alarm.
type terminalBell struct{}

type bellHandle struct {
	stop chan struct{}
}

func (terminalBell) PlayLoop() (antitheft.AudioHandle, error) {
	h := &bellHandle{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				fmt.Print("\a")
			}
		}
	}()
	return h, nil
}

func (h *bellHandle) Stop() error {
	close(h.stop)
	return nil
}

// stdinConfirmer gates wipe on an interactive yes.
type stdinConfirmer struct{}

func (stdinConfirmer) ConfirmWipe(ctx context.Context) (bool, error) {
	fmt.Print("Wipe command received. Erase all agent state and quarantine? [yes/NO]: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(strings.ToLower(line)) == "yes", nil
}
