// handlers_archive.go exposes the named filter archive. The archive lives
// outside the journal: BF.SAVE and BF.UNSAVE change nothing in the store
// and are not logged, while BF.LOAD is journaled as a BF.RESTORE of what it
// loaded.

package main

import (
	"io"
	"strconv"
	"time"
)

// handleBFSave handles BF.SAVE key [name]. The name defaults to the key.
func (app *application) handleBFSave(w io.Writer, args []string) {
	if len(args) != 1 && len(args) != 2 {
		app.wrongNumberOfArgsResponse(w, "BF.SAVE")
		return
	}
	if app.archive == nil {
		app.errorResponse(w, errNoArchive)
		return
	}
	name := args[0]
	if len(args) == 2 {
		name = args[1]
	}

	f := app.store.Snapshot(args[0])
	if f == nil {
		app.errorResponse(w, errNoSuchKey)
		return
	}
	if err := app.archive.Put(name, f); err != nil {
		app.logger.Error("archive put failed", "name", name, "error", err)
		app.errorResponse(w, err)
		return
	}
	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleBFLoad handles BF.LOAD key [name], replacing key with the archived
// filter.
func (app *application) handleBFLoad(w io.Writer, args []string) {
	if len(args) != 1 && len(args) != 2 {
		app.wrongNumberOfArgsResponse(w, "BF.LOAD")
		return
	}
	if app.archive == nil {
		app.errorResponse(w, errNoArchive)
		return
	}
	name := args[0]
	if len(args) == 2 {
		name = args[1]
	}

	f, err := app.archive.Get(name)
	if err != nil {
		app.errorResponse(w, err)
		return
	}

	app.writeGate.RLock()
	defer app.writeGate.RUnlock()

	if _, err := app.storeAndLog(args[0], f, true); err != nil {
		app.errorResponse(w, err)
		return
	}
	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleBFSaved handles BF.SAVED [name]. Without a name it lists every
// archived name. With one it replies name, save time (RFC 3339) and the
// stored size in bytes.
func (app *application) handleBFSaved(w io.Writer, args []string) {
	if len(args) > 1 {
		app.wrongNumberOfArgsResponse(w, "BF.SAVED")
		return
	}
	if app.archive == nil {
		app.errorResponse(w, errNoArchive)
		return
	}

	if len(args) == 1 {
		e, err := app.archive.Stat(args[0])
		if err != nil {
			app.errorResponse(w, err)
			return
		}
		_ = app.writeBulkStringArrayResponse(w, []string{
			e.Name, e.SavedAt.UTC().Format(time.RFC3339), strconv.Itoa(e.Size),
		})
		return
	}

	entries, err := app.archive.List()
	if err != nil {
		app.errorResponse(w, err)
		return
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	_ = app.writeBulkStringArrayResponse(w, names)
}

// handleBFUnsave handles BF.UNSAVE name.
func (app *application) handleBFUnsave(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "BF.UNSAVE")
		return
	}
	if app.archive == nil {
		app.errorResponse(w, errNoArchive)
		return
	}
	if err := app.archive.Delete(args[0]); err != nil {
		app.errorResponse(w, err)
		return
	}
	_ = app.writeSimpleStringResponse(w, "OK")
}
