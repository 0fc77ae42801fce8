package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"aegis/sanitize"
	"aegis/version"
)

type Config struct {
	RunMode         string        `json:"run_mode"`
	QuickRoots      []string      `json:"quick_roots"`
	FullRoots       []string      `json:"full_roots"`
	Profile         string        `json:"profile"`
	BatchSize       int           `json:"batch_size"`
	MaxFileSize     int64         `json:"max_file_size"`
	Yield           time.Duration `json:"yield"`
	IncludePatterns []string      `json:"include_patterns"`
	ExcludePatterns []string      `json:"exclude_patterns"`
	MaxIOPerSecond  int           `json:"max_io_per_second"`

	SanitizeMode string `json:"sanitize_mode"`
	SanitizeRoot string `json:"sanitize_root"`
	HashSalt     string `json:"hash_salt"`

	APIBaseURL     string `json:"api_base_url"`
	DataDir        string `json:"data_dir"`
	QuarantineDir  string `json:"quarantine_dir"`
	DBPath         string `json:"db_path"`
	KeyFile        string `json:"key_file"`
	SignaturesPath string `json:"signatures_path"`
	JournalPath    string `json:"journal_path"`
	JournalMaxSize int64  `json:"journal_max_size"`

	ListenAddr string `json:"listen_addr"`
	LogLevel   string `json:"log_level"`

	DiagStallThreshold time.Duration `json:"diag_stall_threshold"`
	DiagDir            string        `json:"diag_dir"`
	DiagGoroutineLeak  bool          `json:"diag_goroutine_leak"`

	OtelEndpoint    string            `json:"otel_endpoint"`
	OtelFromEnv     bool              `json:"otel_from_env"`
	OtelHeaders     map[string]string `json:"otel_headers"`
	OtelServiceName string            `json:"otel_service_name"`
	OtelTimeout     time.Duration     `json:"otel_timeout"`

	ConfigFile string `json:"config_file"`
}

func defaults() *Config {
	return &Config{
		RunMode:         "scan",
		QuickRoots:      []string{"."},
		FullRoots:       []string{},
		Profile:         "quick",
		BatchSize:       50,
		MaxFileSize:     100 * 1024 * 1024,
		Yield:           25 * time.Millisecond,
		IncludePatterns: []string{},
		ExcludePatterns: []string{},
		MaxIOPerSecond:  0,
		SanitizeMode:    "home",
		APIBaseURL:      "https://api.aegis.example.com",
		DataDir:         "aegis-data",
		JournalMaxSize:  10 * 1024 * 1024,
		ListenAddr:      "127.0.0.1:7411",
		LogLevel:        "info",
		DiagDir:         ".",
		OtelHeaders:     map[string]string{},
		OtelServiceName: "aegis",
		OtelTimeout:     5 * time.Second,
	}
}

func LoadConfig() (*Config, error) {
	cfg := defaults()

	runMode := flag.String("mode", cfg.RunMode, "Run mode: scan (one-shot) or agent (resident command listener).")
	quickRoots := flag.String("quick-roots", strings.Join(cfg.QuickRoots, ","), "Comma-separated shallow scan roots for the quick profile.")
	fullRoots := flag.String("full-roots", "", "Comma-separated extra recursive roots for the full profile (default: none).")
	profile := flag.String("profile", cfg.Profile, "Scan profile: quick or full.")
	batchSize := flag.Int("batch-size", cfg.BatchSize, fmt.Sprintf("Files per lookup batch (default: %d).", cfg.BatchSize))
	maxFileSize := flag.Int64("max-file-size", cfg.MaxFileSize, fmt.Sprintf("Maximum file size to fingerprint in bytes (default: %d).", cfg.MaxFileSize))
	yield := flag.Duration("yield", cfg.Yield, "Pause between scan batches (default: 25ms).")
	includes := flag.String("include", "", "Comma-separated include patterns (default: none).")
	excludes := flag.String("exclude", "", "Comma-separated exclude patterns (default: none).")
	maxIO := flag.Int("max-io-per-second", cfg.MaxIOPerSecond, "Maximum directory reads per second, 0 for unlimited.")
	sanitizeMode := flag.String("sanitize-mode", cfg.SanitizeMode, "Path sanitization for reports: none, relative, home, filename, or hashed.")
	sanitizeRoot := flag.String("sanitize-root", cfg.SanitizeRoot, "Root for relative path sanitization (default: none).")
	hashSalt := flag.String("hash-salt", cfg.HashSalt, "Salt for hashed path sanitization (default: none).")
	apiURL := flag.String("api-url", cfg.APIBaseURL, "Agent backend base URL.")
	dataDir := flag.String("data-dir", cfg.DataDir, fmt.Sprintf("Directory for agent state (default: %s).", cfg.DataDir))
	quarantineDir := flag.String("quarantine-dir", "", "Quarantine directory (default: <data-dir>/quarantine).")
	dbPath := flag.String("db", "", "Key-value store path (default: <data-dir>/aegis.db).")
	keyFile := flag.String("key-file", "", "Master key file for encrypted storage (default: <data-dir>/aegis.key).")
	signaturesPath := flag.String("signatures", "", "Threat signature snapshot path (default: <data-dir>/signatures.txt).")
	journalPath := flag.String("journal", "", "Report journal path (default: <data-dir>/events.ndjson).")
	journalMaxSize := flag.Int64("journal-max-size", cfg.JournalMaxSize, fmt.Sprintf("Journal size before rotation in bytes (default: %d).", cfg.JournalMaxSize))
	listenAddr := flag.String("listen", cfg.ListenAddr, fmt.Sprintf("Command listener address (default: %s).", cfg.ListenAddr))
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	diagStall := flag.Duration("diag-stall-threshold", cfg.DiagStallThreshold, "If positive, dump diagnostics when scan progress stalls this long (default: 0/off).")
	diagDir := flag.String("diag-dir", cfg.DiagDir, "Diagnostics output directory (default: current directory).")
	diagGoroutineLeak := flag.Bool("diag-goroutine-leak", cfg.DiagGoroutineLeak, "Write goroutine profile on shutdown (default: false).")
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, "OTEL service name for export (default: aegis).")
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	configFile := flag.String("config", "", "Path to JSON configuration file (default: none).")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("Aegis agent version %s\n", version.Version)
		os.Exit(0)
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.RunMode = strings.ToLower(strings.TrimSpace(*runMode))
		case "quick-roots":
			cfg.QuickRoots = parseCommaSeparated(*quickRoots)
		case "full-roots":
			cfg.FullRoots = parseCommaSeparated(*fullRoots)
		case "profile":
			cfg.Profile = strings.ToLower(strings.TrimSpace(*profile))
		case "batch-size":
			cfg.BatchSize = *batchSize
		case "max-file-size":
			cfg.MaxFileSize = *maxFileSize
		case "yield":
			cfg.Yield = *yield
		case "include":
			cfg.IncludePatterns = parseCommaSeparated(*includes)
		case "exclude":
			cfg.ExcludePatterns = parseCommaSeparated(*excludes)
		case "max-io-per-second":
			cfg.MaxIOPerSecond = *maxIO
		case "sanitize-mode":
			cfg.SanitizeMode = strings.ToLower(strings.TrimSpace(*sanitizeMode))
		case "sanitize-root":
			cfg.SanitizeRoot = *sanitizeRoot
		case "hash-salt":
			cfg.HashSalt = *hashSalt
		case "api-url":
			cfg.APIBaseURL = strings.TrimSpace(*apiURL)
		case "data-dir":
			cfg.DataDir = *dataDir
		case "quarantine-dir":
			cfg.QuarantineDir = *quarantineDir
		case "db":
			cfg.DBPath = *dbPath
		case "key-file":
			cfg.KeyFile = *keyFile
		case "signatures":
			cfg.SignaturesPath = *signaturesPath
		case "journal":
			cfg.JournalPath = *journalPath
		case "journal-max-size":
			cfg.JournalMaxSize = *journalMaxSize
		case "listen":
			cfg.ListenAddr = *listenAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "diag-stall-threshold":
			cfg.DiagStallThreshold = *diagStall
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*diagDir)
		case "diag-goroutine-leak":
			cfg.DiagGoroutineLeak = *diagGoroutineLeak
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		}
	})

	cfg.applyDerivedPaths()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func displayHelp() {
	fmt.Println("Aegis - On-Device Security Agent")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  aegis [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  aegis -profile quick")
	fmt.Println("  aegis -profile full -full-roots \"/sdcard,/storage\"")
	fmt.Println("  aegis -mode agent -listen 127.0.0.1:7411")
}

// applyDerivedPaths fills storage paths that default relative to DataDir.
func (cfg *Config) applyDerivedPaths() {
	if cfg.DataDir == "" {
		cfg.DataDir = "aegis-data"
	}
	if cfg.QuarantineDir == "" {
		cfg.QuarantineDir = filepath.Join(cfg.DataDir, "quarantine")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "aegis.db")
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = filepath.Join(cfg.DataDir, "aegis.key")
	}
	if cfg.SignaturesPath == "" {
		cfg.SignaturesPath = filepath.Join(cfg.DataDir, "signatures.txt")
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = filepath.Join(cfg.DataDir, "events.ndjson")
	}
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	return nil
}

func (cfg *Config) validate() error {
	if cfg.RunMode != "scan" && cfg.RunMode != "agent" {
		return fmt.Errorf("invalid mode: %s", cfg.RunMode)
	}
	if cfg.Profile != "quick" && cfg.Profile != "full" {
		return fmt.Errorf("invalid profile: %s", cfg.Profile)
	}
	if len(cfg.QuickRoots) == 0 {
		return fmt.Errorf("at least one quick scan root must be specified")
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be positive")
	}
	if cfg.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if cfg.Yield < 0 {
		return fmt.Errorf("yield must be zero or positive")
	}
	if cfg.MaxIOPerSecond < 0 {
		return fmt.Errorf("max-io-per-second must be zero or positive")
	}
	switch cfg.SanitizeMode {
	case "none", "relative", "home", "filename", "hashed":
	default:
		return fmt.Errorf("invalid sanitize-mode: %s", cfg.SanitizeMode)
	}
	if cfg.SanitizeMode == "hashed" && cfg.HashSalt == "" {
		return fmt.Errorf("hash-salt is required for hashed sanitization")
	}
	if cfg.APIBaseURL == "" {
		return fmt.Errorf("api-url must be specified")
	}
	if !strings.HasPrefix(cfg.APIBaseURL, "http://") && !strings.HasPrefix(cfg.APIBaseURL, "https://") {
		return fmt.Errorf("api-url must include scheme (http or https)")
	}
	if cfg.JournalMaxSize < 0 {
		return fmt.Errorf("journal-max-size must be zero or positive")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen address must be specified")
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.DiagStallThreshold < 0 {
		return fmt.Errorf("diag-stall-threshold must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	return nil
}

// Mode converts the configured sanitize mode string.
func (cfg *Config) Mode() sanitize.Mode {
	return sanitize.ParseMode(cfg.SanitizeMode)
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	out := items[:0]
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	for _, item := range strings.Split(input, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(parts[1])
	}
	return headers
}
