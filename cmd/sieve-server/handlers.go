// handlers.go implements the server-level commands: PING, INFO, DEL and
// COMPACT.

package main

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// handlePing handles PING.
func (app *application) handlePing(w io.Writer, args []string) {
	if len(args) != 0 {
		app.wrongNumberOfArgsResponse(w, "PING")
		return
	}
	_ = app.writeSimpleStringResponse(w, "PONG")
}

var infoSections = []string{"server", "persistence", "keyspace", "stats"}

// handleInfo handles INFO [section].
//
// The reply is a bulk string of "# Section" headers followed by
// CRLF-terminated key:value lines, as Redis does.
func (app *application) handleInfo(w io.Writer, args []string) {
	if len(args) > 1 {
		app.wrongNumberOfArgsResponse(w, "INFO")
		return
	}

	sections := infoSections
	if len(args) == 1 {
		name := strings.ToLower(args[0])
		if name != "all" && name != "default" {
			found := false
			for _, s := range infoSections {
				if s == name {
					found = true
					break
				}
			}
			if !found {
				_ = app.writeBulkStringResponse(w, "")
				return
			}
			sections = []string{name}
		}
	}

	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\r\n")
		}
		switch s {
		case "server":
			b.WriteString("# Server\r\n")
			fmt.Fprintf(&b, "tcp_port:%d\r\n", app.config.Port)
			fmt.Fprintf(&b, "uptime_in_seconds:%d\r\n", int64(time.Since(app.startedAt).Seconds()))
			fmt.Fprintf(&b, "connections_total:%d\r\n", app.metrics.TotalConnections.Load())
			fmt.Fprintf(&b, "connections_active:%d\r\n", len(app.connLimiter))
			fmt.Fprintf(&b, "bf_default_capacity:%d\r\n", app.config.BFCapacity)
			fmt.Fprintf(&b, "bf_default_error_rate:%g\r\n", app.config.BFErrorRate)
			fmt.Fprintf(&b, "bf_default_hash:%s\r\n", app.config.bfFamily)
		case "persistence":
			b.WriteString("# Persistence\r\n")
			app.writePersistenceInfo(&b)
		case "keyspace":
			b.WriteString("# Keyspace\r\n")
			fmt.Fprintf(&b, "keys:%d\r\n", app.store.Len())
		case "stats":
			b.WriteString("# Stats\r\n")
			fmt.Fprintf(&b, "commands_processed_total:%d\r\n", app.metrics.TotalCommands.Load())
			fmt.Fprintf(&b, "items_added:%d\r\n", app.metrics.ItemsAdded.Load())
			fmt.Fprintf(&b, "items_present:%d\r\n", app.metrics.ItemsPresent.Load())
			fmt.Fprintf(&b, "capacity_errors:%d\r\n", app.metrics.CapacityErrors.Load())
			fmt.Fprintf(&b, "lookups:%d\r\n", app.metrics.Lookups.Load())
		}
	}

	_ = app.writeBulkStringResponse(w, b.String())
}

func (app *application) writePersistenceInfo(b *strings.Builder) {
	if app.aof == nil {
		b.WriteString("aof_enabled:0\r\n")
	} else {
		b.WriteString("aof_enabled:1\r\n")
		size, _ := app.aof.Size()
		fmt.Fprintf(b, "aof_current_size:%d\r\n", size)
		fmt.Fprintf(b, "aof_base_size:%d\r\n", app.aofBaseSize.Load())
	}
	rewriting := 0
	if app.isRewriting.Load() {
		rewriting = 1
	}
	fmt.Fprintf(b, "aof_rewrite_in_progress:%d\r\n", rewriting)
	fmt.Fprintf(b, "aof_rewrites:%d\r\n", app.metrics.Rewrites.Load())

	engine := "none"
	if app.archive != nil {
		engine = app.archive.Engine()
	}
	fmt.Fprintf(b, "archive_engine:%s\r\n", engine)
}

// handleCompact handles COMPACT. The rewrite runs in the background and
// shares the isRewriting flag with the automatic trigger in main.go, so at
// most one runs at a time.
func (app *application) handleCompact(w io.Writer, args []string) {
	if len(args) != 0 {
		app.wrongNumberOfArgsResponse(w, "COMPACT")
		return
	}
	if app.aof == nil {
		_ = app.writeErrorResponse(w, "ERR persistence is disabled, nothing to compact")
		return
	}
	if !app.isRewriting.CompareAndSwap(false, true) {
		_ = app.writeErrorResponse(w, "ERR Background append only file rewriting already in progress")
		return
	}

	go func() {
		defer app.isRewriting.Store(false)
		app.logger.Info("user requested background AOF rewrite started")
		if err := app.CompactAOF(); err != nil {
			app.logger.Error("background rewrite failed", "error", err)
			return
		}
		app.logger.Info("background AOF rewrite finished")
	}()

	_ = app.writeSimpleStringResponse(w, "Background append only file rewriting started")
}

// handleDel handles DEL key [key ...] and replies with the number of keys
// removed. Each removed key is journaled as its own DEL under its shard
// lock.
func (app *application) handleDel(w io.Writer, args []string) {
	if len(args) == 0 {
		app.wrongNumberOfArgsResponse(w, "DEL")
		return
	}

	app.writeGate.RLock()
	defer app.writeGate.RUnlock()

	var deleted int64
	for _, key := range args {
		if app.store.Delete(key, func() { app.logCommand("DEL", []string{key}) }) {
			deleted++
		}
	}
	_ = app.writeIntegerResponse(w, deleted)
}
