// persistence.go ties the Store to the journal.
//
// The journal is a hybrid file: an optional SIV1 snapshot followed by RESP
// commands appended since the snapshot was taken.
//
//	+--------------------+------------------------+
//	| SIV1 snapshot      | RESP command tail      |
//	+--------------------+------------------------+
//
// Startup loads the snapshot and replays the tail through the router.
// Compaction writes a fresh snapshot to a temporary file and renames it
// over the journal, which drops the tail.
//
// Replay must rebuild exactly the filters that were live, so handlers log
// commands whose effect does not depend on server flags or on other keys.
// Implicit creation is logged as BF.RESERVE with the parameters used, and
// commands that read other keys (BF.UNION, BF.INTER, BF.COPY, BF.LOAD) are
// logged as a BF.RESTORE of their result.

package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// logCommand appends a successful write to the journal. Failures are logged
// and swallowed: the in-memory change already happened.
func (app *application) logCommand(command string, args []string) {
	if app.aof == nil {
		return
	}
	if err := app.aof.Write(encodeCommand(command, args)); err != nil {
		app.logger.Error("failed to append to AOF", "error", err, "command", command)
	}
}

// loadAOF restores the store from the journal, if there is one.
func (app *application) loadAOF() error {
	f, err := os.Open(app.config.AOFFilename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	reader := bufio.NewReader(f)

	if magic, _ := reader.Peek(len(snapshotMagic)); string(magic) == snapshotMagic {
		app.logger.Info("loading AOF snapshot preamble")
		if err := app.store.LoadSnapshotFromReader(reader); err != nil {
			return fmt.Errorf("corrupt AOF preamble: %w", err)
		}
	}

	parser := NewParser(reader)
	replayed := 0
	for {
		parts, err := parser.Parse()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A crash while appending leaves a half-written last command.
			// Anything else means the file is damaged mid-stream.
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				return err
			}
			if app.config.AOFStrict {
				return errors.New("AOF truncated (restart without --aof-strict to drop the partial command, or inspect it with sieve-check)")
			}
			app.logger.Warn("AOF truncated, dropping the partial last command")
			app.needsCompaction = true
			break
		}

		app.router.Dispatch(app, io.Discard, parts)
		replayed++
	}

	app.logger.Info("AOF loaded", "keys", app.store.Len(), "commands_replayed", replayed)
	return nil
}

// CompactAOF replaces the journal with a snapshot of the current store.
//
// The snapshot is encoded in memory while writeGate is held exclusively, so
// it reflects every command already in the journal and none that is not.
// Commands arriving while the snapshot is written out are captured in the
// AOF's rewrite buffer and carried over to the new journal.
func (app *application) CompactAOF() error {
	var snap bytes.Buffer

	app.writeGate.Lock()
	err := app.store.SaveSnapshotToWriter(&snap)
	if err == nil {
		app.aof.mu.Lock()
		app.aof.rewriteBuf = new(bytes.Buffer)
		app.aof.mu.Unlock()
	}
	app.writeGate.Unlock()
	if err != nil {
		return err
	}

	tmpName := app.config.AOFFilename + ".tmp"
	f, err := os.Create(tmpName)
	if err != nil {
		app.aof.stopRewrite()
		return err
	}

	var closed, renamed bool
	defer func() {
		if !closed {
			_ = f.Close()
		}
		if !renamed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := snap.WriteTo(f); err != nil {
		app.aof.stopRewrite()
		return err
	}

	app.aof.mu.Lock()
	defer app.aof.mu.Unlock()

	tail := app.aof.rewriteBuf
	app.aof.rewriteBuf = nil

	if _, err := tail.WriteTo(f); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	closed = true

	if err := app.aof.writer.Flush(); err != nil {
		app.logger.Error("failed to flush old AOF before rewrite", "error", err)
	}
	_ = app.aof.file.Close()

	if err := os.Rename(tmpName, app.config.AOFFilename); err != nil {
		return app.aof.reopen(app.config.AOFFilename, err)
	}
	renamed = true

	if err := app.aof.reopen(app.config.AOFFilename, nil); err != nil {
		return err
	}

	if st, err := app.aof.file.Stat(); err == nil {
		app.aofBaseSize.Store(st.Size())
	}
	app.metrics.Rewrites.Add(1)
	return nil
}
