package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"

	"sieve.lopezb.com/internal/sieve/archive"
	"sieve.lopezb.com/internal/sieve/bloom"
)

const (
	defaultPort          = 6479
	defaultMaxConns      = 100
	defaultAOFFilename   = "journal.aof"
	defaultArchiveDir    = "archive"
	defaultLogLevel      = "info"
	defaultBFCapacity    = 1000
	defaultRewritePct    = 100
	defaultAOFMinSize    = 64 * 1024 * 1024
	defaultShutdownGrace = 5 * time.Second
)

// config defines the server options. See loadConfig for how it is populated.
type config struct {
	Port            int           `long:"port" description:"TCP server port"`
	MaxConnections  int           `long:"max-conn" description:"Maximum concurrent connections"`
	ShutdownTimeout time.Duration `long:"shutdown-timeout" description:"Graceful shutdown timeout"`
	IdleTimeout     time.Duration `long:"idle-timeout" description:"Idle client connection timeout (0 for no timeout)"`

	BFCapacity  uint64  `long:"bf-capacity" description:"Capacity of filters created implicitly by BF.ADD/BF.MADD/BF.FASTADD"`
	BFErrorRate float64 `long:"bf-error-rate" description:"False positive rate of implicitly created filters"`
	BFHash      string  `long:"bf-hash" description:"Hash family of implicitly created filters (crypto, xxh3, metro, murmur3)"`

	NoPersistence     bool   `long:"no-persistence" description:"Run in memory-only mode, without an AOF"`
	AOFFilename       string `long:"aof" description:"Append only file path"`
	AOFMinSize        int64  `long:"aof-min-size" description:"Min size (bytes) before an AOF rewrite is considered"`
	AOFRewritePercent int    `long:"aof-rewrite-percent" description:"Percentage growth over the last rewrite that triggers a new one"`
	AOFStrict         bool   `long:"aof-strict" description:"Refuse to start on a truncated AOF instead of dropping the partial command"`

	ArchiveEngine string `long:"archive-engine" description:"Named filter archive for BF.SAVE/BF.LOAD (none, leveldb, pebble)"`
	ArchiveDir    string `long:"archive-dir" description:"Directory of the filter archive"`

	LogFile  string `long:"logfile" description:"Also write logs to this file, rotated every 10MB"`
	LogLevel string `long:"log-level" description:"Logging level (debug, info, warn, error)"`

	bfFamily bloom.Family
}

func defaultConfig() config {
	return config{
		Port:              defaultPort,
		MaxConnections:    defaultMaxConns,
		ShutdownTimeout:   defaultShutdownGrace,
		BFCapacity:        defaultBFCapacity,
		BFErrorRate:       bloom.DefaultErrorRate,
		BFHash:            string(bloom.DefaultFamily),
		AOFFilename:       defaultAOFFilename,
		AOFMinSize:        defaultAOFMinSize,
		AOFRewritePercent: defaultRewritePct,
		ArchiveEngine:     "none",
		ArchiveDir:        defaultArchiveDir,
		LogLevel:          defaultLogLevel,
		bfFamily:          bloom.DefaultFamily,
	}
}

// loadConfig parses args on top of the defaults and validates the result.
func loadConfig(args []string) (*config, error) {
	cfg := defaultConfig()

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("loadConfig: %w", err)
	}
	return &cfg, nil
}

func (cfg *config) validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.MaxConnections < 1 {
		return fmt.Errorf("max-conn must be at least 1, got %d", cfg.MaxConnections)
	}

	if _, _, err := bloom.Plan(cfg.BFCapacity, cfg.BFErrorRate); err != nil {
		return fmt.Errorf("default filter: %w", err)
	}
	fam, err := bloom.ParseFamily(cfg.BFHash)
	if err != nil {
		return err
	}
	cfg.bfFamily = fam

	if cfg.AOFRewritePercent < 0 {
		return fmt.Errorf("aof-rewrite-percent must be >= 0, got %d", cfg.AOFRewritePercent)
	}

	switch cfg.ArchiveEngine {
	case "none", "":
		cfg.ArchiveEngine = ""
	case archive.EngineLevelDB, archive.EnginePebble:
	default:
		return fmt.Errorf("unknown archive engine %q", cfg.ArchiveEngine)
	}

	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}
