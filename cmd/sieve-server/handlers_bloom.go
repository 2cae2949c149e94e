// handlers_bloom.go implements the filter commands.
//
// Reads (BF.EXISTS, BF.MEXISTS, BF.CARD, BF.INFO, BF.DUMP) run under the
// shard's read lock through Store.View. Writes run under its write lock
// through Store.Mutate and also hold writeGate shared, so that the store
// change and its journal entry are never split by a compaction. Journal
// entries are written before the shard lock is released, so per key the
// journal order is the order in which changes reached the store.
//
// What gets journaled is chosen so replay is exact regardless of flags or
// other keys at replay time:
//
//	implicit create  -> BF.RESERVE key rate capacity HASH family
//	BF.ADD           -> only when the item changed the filter
//	BF.MADD          -> only the items that changed the filter
//	BF.FASTADD       -> every applied item
//	BF.UNION/INTER   -> BF.RESTORE dest <envelope> REPLACE
//	BF.COPY          -> BF.RESTORE dest <envelope> REPLACE

package main

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"sieve.lopezb.com/internal/sieve/bloom"
)

var (
	errNoSuchKey = errors.New("no such key")
	errKeyExists = errors.New("item exists")
	errKeyBusy   = errors.New("target key name already exists")
	errBadRate   = errors.New("bad error rate")
	errBadCap    = errors.New("bad capacity")
	errBadHash   = errors.New("unknown hash family")
	errNoArchive = errors.New("archive is disabled")
)

// newDefaultFilter builds a filter from the --bf-* flags.
func (app *application) newDefaultFilter() (*bloom.Filter, error) {
	return bloom.New(app.config.BFCapacity, app.config.BFErrorRate, bloom.WithHashFamily(app.config.bfFamily))
}

// reserveArgs renders the journal arguments that recreate an empty f.
func reserveArgs(key string, f *bloom.Filter) []string {
	return []string{
		key,
		strconv.FormatFloat(f.ErrorRate(), 'g', -1, 64),
		strconv.FormatUint(f.Capacity(), 10),
		"HASH", string(f.HashFamily()),
	}
}

// handleBFReserve handles BF.RESERVE key error_rate capacity [HASH family].
func (app *application) handleBFReserve(w io.Writer, args []string) {
	if len(args) != 3 && len(args) != 5 {
		app.wrongNumberOfArgsResponse(w, "BF.RESERVE")
		return
	}

	rate, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		app.errorResponse(w, errBadRate)
		return
	}
	capacity, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		app.errorResponse(w, errBadCap)
		return
	}
	family := bloom.DefaultFamily
	if len(args) == 5 {
		if !strings.EqualFold(args[3], "HASH") {
			app.syntaxErrorResponse(w)
			return
		}
		family, err = bloom.ParseFamily(strings.ToLower(args[4]))
		if err != nil {
			app.errorResponse(w, errBadHash)
			return
		}
	}

	f, err := bloom.New(capacity, rate, bloom.WithHashFamily(family))
	if err != nil {
		app.errorResponse(w, err)
		return
	}

	app.writeGate.RLock()
	defer app.writeGate.RUnlock()

	stored := app.store.SetNX(args[0], f, func() {
		app.logCommand("BF.RESERVE", reserveArgs(args[0], f))
	})
	if !stored {
		app.errorResponse(w, errKeyExists)
		return
	}
	_ = app.writeSimpleStringResponse(w, "OK")
}

// addResult is the outcome of adding a batch of items to one key.
type addResult struct {
	replies []int64  // one per applied item: 1 changed, 0 probably present
	changed []string // applied items that changed the filter
	created *bloom.Filter
	err     error // why the remaining items were not applied
}

// addItems adds items to key in order under a single shard lock, creating
// the filter from the defaults when it does not exist. It stops at the
// first error. With unchecked set, items are added without probing and
// always count as changed.
//
// Before the lock is released, an implicit create is journaled as
// BF.RESERVE and the changed items as command.
func (app *application) addItems(command, key string, items []string, unchecked bool) addResult {
	var res addResult
	res.replies = make([]int64, 0, len(items))

	app.store.Mutate(key, func(f *bloom.Filter) *bloom.Filter {
		if f == nil {
			nf, err := app.newDefaultFilter()
			if err != nil {
				res.err = err
				return nil
			}
			f = nf
			res.created = nf
		}

		for _, item := range items {
			if unchecked {
				if err := f.AddUnchecked([]byte(item)); err != nil {
					res.err = err
					break
				}
				res.replies = append(res.replies, 1)
				res.changed = append(res.changed, item)
				continue
			}

			found, err := f.Add([]byte(item))
			if err != nil {
				res.err = err
				break
			}
			if found {
				res.replies = append(res.replies, 0)
			} else {
				res.replies = append(res.replies, 1)
				res.changed = append(res.changed, item)
			}
		}

		if res.created != nil {
			app.logCommand("BF.RESERVE", reserveArgs(key, res.created))
		}
		if len(res.changed) > 0 {
			app.logCommand(command, append([]string{key}, res.changed...))
		}
		return res.created
	})

	app.metrics.ItemsAdded.Add(uint64(len(res.changed)))
	app.metrics.ItemsPresent.Add(uint64(len(res.replies) - len(res.changed)))
	if errors.Is(res.err, bloom.ErrCapacityExceeded) {
		app.metrics.CapacityErrors.Add(1)
	}
	return res
}

// handleBFAdd handles BF.ADD key item. It replies 1 when the item was
// added and 0 when it was probably present already.
func (app *application) handleBFAdd(w io.Writer, args []string) {
	if len(args) != 2 {
		app.wrongNumberOfArgsResponse(w, "BF.ADD")
		return
	}

	app.writeGate.RLock()
	defer app.writeGate.RUnlock()

	res := app.addItems("BF.ADD", args[0], args[1:], false)
	if res.err != nil {
		app.errorResponse(w, res.err)
		return
	}
	_ = app.writeIntegerResponse(w, res.replies[0])
}

// handleBFMAdd handles BF.MADD key item [item ...]. Items are applied in
// order; once the filter refuses one, that item and the rest get the error
// as their reply entry.
func (app *application) handleBFMAdd(w io.Writer, args []string) {
	app.handleMultiAdd(w, "BF.MADD", args, false)
}

// handleBFFastAdd handles BF.FASTADD key item [item ...], which adds
// without probing. Each applied item counts as new, so the filter's count
// grows even for repeats. Replies are as for BF.MADD.
func (app *application) handleBFFastAdd(w io.Writer, args []string) {
	app.handleMultiAdd(w, "BF.FASTADD", args, true)
}

func (app *application) handleMultiAdd(w io.Writer, name string, args []string, unchecked bool) {
	if len(args) < 2 {
		app.wrongNumberOfArgsResponse(w, name)
		return
	}

	app.writeGate.RLock()
	defer app.writeGate.RUnlock()

	key, items := args[0], args[1:]
	res := app.addItems(name, key, items, unchecked)
	if res.err != nil && !errors.Is(res.err, bloom.ErrCapacityExceeded) {
		// Only creating the filter fails any other way.
		app.errorResponse(w, res.err)
		return
	}
	_ = app.writeAddResultsResponse(w, res.replies, len(items), res.err)
}

// handleBFExists handles BF.EXISTS key item. A missing key holds nothing.
func (app *application) handleBFExists(w io.Writer, args []string) {
	if len(args) != 2 {
		app.wrongNumberOfArgsResponse(w, "BF.EXISTS")
		return
	}

	var found int64
	_ = app.store.View(args[0], func(f *bloom.Filter) error {
		if f != nil && f.Contains([]byte(args[1])) {
			found = 1
		}
		return nil
	})
	app.metrics.Lookups.Add(1)
	_ = app.writeIntegerResponse(w, found)
}

// handleBFMExists handles BF.MEXISTS key item [item ...].
func (app *application) handleBFMExists(w io.Writer, args []string) {
	if len(args) < 2 {
		app.wrongNumberOfArgsResponse(w, "BF.MEXISTS")
		return
	}

	items := args[1:]
	results := make([]int64, len(items))
	_ = app.store.View(args[0], func(f *bloom.Filter) error {
		if f == nil {
			return nil
		}
		for i, item := range items {
			if f.Contains([]byte(item)) {
				results[i] = 1
			}
		}
		return nil
	})
	app.metrics.Lookups.Add(uint64(len(items)))
	_ = app.writeIntegerArrayResponse(w, results)
}

// handleBFCard handles BF.CARD key: the filter's approximate item count, or
// 0 for a missing key.
func (app *application) handleBFCard(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "BF.CARD")
		return
	}

	var n uint64
	_ = app.store.View(args[0], func(f *bloom.Filter) error {
		if f != nil {
			n = f.Len()
		}
		return nil
	})
	_ = app.writeIntegerResponse(w, int64(n))
}

// handleBFInfo handles BF.INFO key. The reply is a flat array of field
// names and values.
func (app *application) handleBFInfo(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "BF.INFO")
		return
	}

	var fields []string
	_ = app.store.View(args[0], func(f *bloom.Filter) error {
		if f == nil {
			return nil
		}
		s := f.Scheme()
		fields = []string{
			"capacity", strconv.FormatUint(f.Capacity(), 10),
			"error_rate", strconv.FormatFloat(f.ErrorRate(), 'g', -1, 64),
			"count", strconv.FormatUint(f.Len(), 10),
			"num_slices", strconv.Itoa(f.NumSlices()),
			"bits_per_slice", strconv.FormatUint(f.BitsPerSlice(), 10),
			"num_bits", strconv.FormatUint(f.NumBits(), 10),
			"hash", string(f.HashFamily()),
			"digest", s.DigestName(),
			"chunk_bytes", strconv.Itoa(s.ChunkBytes()),
			"num_salts", strconv.Itoa(s.NumSalts()),
			"fill_ratio", strconv.FormatFloat(f.FillRatio(), 'f', 6, 64),
			"estimated_error_rate", strconv.FormatFloat(f.EstimatedErrorRate(), 'g', 6, 64),
		}
		return nil
	})
	if fields == nil {
		app.errorResponse(w, errNoSuchKey)
		return
	}
	_ = app.writeBulkStringArrayResponse(w, fields)
}

// handleBFUnion handles BF.UNION dest a b.
func (app *application) handleBFUnion(w io.Writer, args []string) {
	app.handleCombine(w, "BF.UNION", args, (*bloom.Filter).Union)
}

// handleBFInter handles BF.INTER dest a b.
func (app *application) handleBFInter(w io.Writer, args []string) {
	app.handleCombine(w, "BF.INTER", args, (*bloom.Filter).Intersection)
}

func (app *application) handleCombine(w io.Writer, name string, args []string, op func(*bloom.Filter, *bloom.Filter) (*bloom.Filter, error)) {
	if len(args) != 3 {
		app.wrongNumberOfArgsResponse(w, name)
		return
	}
	dest := args[0]

	app.writeGate.RLock()
	defer app.writeGate.RUnlock()

	a, b := app.store.Snapshot(args[1]), app.store.Snapshot(args[2])
	if a == nil || b == nil {
		app.errorResponse(w, errNoSuchKey)
		return
	}

	out, err := op(a, b)
	if err != nil {
		app.errorResponse(w, err)
		return
	}
	if _, err := app.storeAndLog(dest, out, true); err != nil {
		app.errorResponse(w, err)
		return
	}
	_ = app.writeSimpleStringResponse(w, "OK")
}

// storeAndLog stores f under key and journals it as a BF.RESTORE, for
// writes whose result depends on more than their own arguments. Without
// replace it leaves an existing key alone and reports false. The caller
// holds writeGate.
func (app *application) storeAndLog(key string, f *bloom.Filter, replace bool) (bool, error) {
	env, err := f.Encode()
	if err != nil {
		return false, err
	}
	commit := func() {
		app.logCommand("BF.RESTORE", []string{key, string(env), "REPLACE"})
	}
	if !replace {
		return app.store.SetNX(key, f, commit), nil
	}
	app.store.Set(key, f, commit)
	return true, nil
}

// handleBFCopy handles BF.COPY src dest [REPLACE]. Like Redis COPY it
// replies 1 when copied and 0 when dest exists and REPLACE was not given.
// The copy keeps the source's count.
func (app *application) handleBFCopy(w io.Writer, args []string) {
	if len(args) != 2 && len(args) != 3 {
		app.wrongNumberOfArgsResponse(w, "BF.COPY")
		return
	}
	replace := false
	if len(args) == 3 {
		if !strings.EqualFold(args[2], "REPLACE") {
			app.syntaxErrorResponse(w)
			return
		}
		replace = true
	}
	src, dest := args[0], args[1]

	app.writeGate.RLock()
	defer app.writeGate.RUnlock()

	f := app.store.Snapshot(src)
	if f == nil {
		app.errorResponse(w, errNoSuchKey)
		return
	}
	copied, err := app.storeAndLog(dest, f, replace)
	if err != nil {
		app.errorResponse(w, err)
		return
	}
	if !copied {
		_ = app.writeIntegerResponse(w, 0)
		return
	}
	_ = app.writeIntegerResponse(w, 1)
}

// handleBFDump handles BF.DUMP key: the filter's JSON envelope as a bulk
// string, or nil for a missing key.
func (app *application) handleBFDump(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "BF.DUMP")
		return
	}

	var env []byte
	err := app.store.View(args[0], func(f *bloom.Filter) error {
		if f == nil {
			return nil
		}
		var err error
		env, err = f.Encode()
		return err
	})
	if err != nil {
		app.errorResponse(w, err)
		return
	}
	if env == nil {
		_ = app.writeNilResponse(w)
		return
	}
	_ = app.writeBulkBytesResponse(w, env)
}

// handleBFRestore handles BF.RESTORE key envelope [REPLACE].
func (app *application) handleBFRestore(w io.Writer, args []string) {
	if len(args) != 2 && len(args) != 3 {
		app.wrongNumberOfArgsResponse(w, "BF.RESTORE")
		return
	}
	replace := false
	if len(args) == 3 {
		if !strings.EqualFold(args[2], "REPLACE") {
			app.syntaxErrorResponse(w)
			return
		}
		replace = true
	}

	f, err := bloom.Decode([]byte(args[1]))
	if err != nil {
		app.errorResponse(w, err)
		return
	}

	app.writeGate.RLock()
	defer app.writeGate.RUnlock()

	commit := func() { app.logCommand("BF.RESTORE", args) }
	if replace {
		app.store.Set(args[0], f, commit)
	} else if !app.store.SetNX(args[0], f, commit) {
		app.errorResponse(w, errKeyBusy)
		return
	}
	_ = app.writeSimpleStringResponse(w, "OK")
}
