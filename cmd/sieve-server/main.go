// sieve-server serves named Bloom filters over RESP.
//
// Startup restores the store from the journal before the listener opens, so
// replay needs no coordination with clients. Only then is the journal opened
// for appending.
//
// Writes are buffered and a background loop fsyncs once per second, so a
// power loss costs at most about a second of commands. The same loop
// compacts the journal once it has grown by --aof-rewrite-percent over its
// size after the last compaction, and never below --aof-min-size. A final
// compaction runs on shutdown.

package main

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jessevdk/go-flags"

	"sieve.lopezb.com/internal/sieve/archive"
)

type application struct {
	config      config
	logger      *slog.Logger
	listener    net.Listener
	store       *Store
	router      *Router
	metrics     *Metrics
	readyCh     chan struct{}
	wg          sync.WaitGroup
	connLimiter chan struct{}
	startedAt   time.Time

	aof             *AOF
	aofBaseSize     atomic.Int64
	isRewriting     atomic.Bool
	needsCompaction bool

	// writeGate is held shared by every command that mutates the store and
	// logs it, and exclusively by compaction while it captures a snapshot.
	writeGate sync.RWMutex

	archive *archive.Archive
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := loadConfig(args)
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			return 0
		}
		return 1
	}

	logger, closeLog, err := newLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		return 1
	}
	defer func() { _ = closeLog() }()

	app := newApplication(*cfg, logger)

	if cfg.ArchiveEngine != "" {
		a, err := archive.Open(cfg.ArchiveEngine, cfg.ArchiveDir)
		if err != nil {
			logger.Error("failed to open archive", "engine", cfg.ArchiveEngine, "dir", cfg.ArchiveDir, "error", err)
			return 1
		}
		app.archive = a
		defer func() { _ = a.Close() }()
		logger.Info("archive opened", "engine", cfg.ArchiveEngine, "dir", cfg.ArchiveDir)
	}

	if cfg.NoPersistence {
		logger.Info("persistence disabled, running in memory-only mode")
	} else if err := app.openPersistence(); err != nil {
		logger.Error("failed to initialise persistence", "error", err)
		return 1
	}

	stop := make(chan struct{})
	go app.maintenance(stop)

	defer func() {
		close(stop)
		if app.aof == nil {
			logger.Info("shutting down")
			return
		}
		logger.Info("shutting down, compacting AOF")
		for !app.isRewriting.CompareAndSwap(false, true) {
			time.Sleep(10 * time.Millisecond)
		}
		if err := app.CompactAOF(); err != nil {
			logger.Error("failed to compact AOF on exit", "error", err)
		}
		_ = app.aof.Close()
	}()

	if err := app.serve(); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}
	return 0
}

func newApplication(cfg config, logger *slog.Logger) *application {
	app := &application{
		config:      cfg,
		logger:      logger,
		store:       NewStore(),
		metrics:     NewMetrics(),
		connLimiter: make(chan struct{}, cfg.MaxConnections),
		startedAt:   time.Now(),
	}
	app.router = app.commands()
	return app
}

// openPersistence replays the journal and opens it for appending.
func (app *application) openPersistence() error {
	if err := app.loadAOF(); err != nil {
		return err
	}

	aof, err := NewAOF(app.config.AOFFilename)
	if err != nil {
		return err
	}
	app.aof = aof

	size, err := aof.Size()
	if err != nil {
		size = 0
	}
	app.aofBaseSize.Store(size)

	// A truncated tail was dropped on load. Rewrite the file now so the
	// partial command does not sit in front of new appends.
	if app.needsCompaction {
		app.logger.Info("compacting AOF after truncation recovery")
		if err := app.CompactAOF(); err != nil {
			app.logger.Error("failed to compact AOF after truncation recovery", "error", err)
		}
		app.needsCompaction = false
	}
	return nil
}

// maintenance fsyncs the journal every second and starts a background
// compaction when it has grown enough. It returns when stop is closed.
func (app *application) maintenance(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if app.aof == nil {
			continue
		}
		if err := app.aof.Fsync(); err != nil {
			app.logger.Error("background sync failed", "error", err)
		}

		size, err := app.aof.Size()
		if err != nil || !app.shouldRewrite(size) {
			continue
		}
		if !app.isRewriting.CompareAndSwap(false, true) {
			continue
		}

		app.logger.Info("auto-rewrite triggered",
			"current_bytes", size,
			"base_bytes", app.aofBaseSize.Load(),
			"threshold_percent", app.config.AOFRewritePercent)

		go func() {
			defer app.isRewriting.Store(false)
			start := time.Now()
			if err := app.CompactAOF(); err != nil {
				app.logger.Error("auto-rewrite failed", "error", err)
				return
			}
			app.logger.Info("auto-rewrite completed", "duration", time.Since(start))
		}()
	}
}

// shouldRewrite applies the growth policy to the current journal size.
func (app *application) shouldRewrite(size int64) bool {
	if size < app.config.AOFMinSize {
		return false
	}
	base := app.aofBaseSize.Load()
	return size > base+base*int64(app.config.AOFRewritePercent)/100
}
