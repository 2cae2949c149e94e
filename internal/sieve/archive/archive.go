// Package archive keeps named filters in an embedded key/value store.
//
// Each filter is stored under "bf/<name>" as a CBOR record that wraps the
// filter's JSON envelope together with the time it was saved. The envelope
// is kept as-is so that an archived filter can be handed to any tool that
// understands the envelope format.
//
// Two engines are supported: goleveldb ("leveldb") and pebble ("pebble").
package archive

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"sieve.lopezb.com/internal/sieve/bloom"
)

const keyPrefix = "bf/"

// Engine names accepted by Open.
const (
	EngineLevelDB = "leveldb"
	EnginePebble  = "pebble"
)

var (
	// ErrNotFound is returned when no filter is archived under a name.
	ErrNotFound = errors.New("archive: filter not found")

	// ErrClosed is returned by every call made after Close.
	ErrClosed = errors.New("archive: closed")

	ErrUnknownEngine = errors.New("archive: unknown engine")
	ErrInvalidName   = errors.New("archive: invalid name")
)

// record is the stored value. Integer keys keep it compact.
type record struct {
	Name     string `cbor:"1,keyasint"`
	SavedAt  int64  `cbor:"2,keyasint"`
	Envelope []byte `cbor:"3,keyasint"`
}

// Entry describes an archived filter without decoding it.
type Entry struct {
	Name    string
	SavedAt time.Time
	Size    int
}

// backend is the minimal key/value surface the archive needs.
type backend interface {
	get(key []byte) ([]byte, error)
	put(key, value []byte) error
	delete(key []byte) error
	scan(prefix []byte, fn func(key, value []byte) error) error
	close() error
}

// Archive stores named filters. It is safe for concurrent use.
type Archive struct {
	db     backend
	engine string
	enc    cbor.EncMode
	dec    cbor.DecMode
	now    func() time.Time
}

// Open opens (creating if needed) an archive in dir using engine.
func Open(engine, dir string) (*Archive, error) {
	var (
		db  backend
		err error
	)
	switch engine {
	case EngineLevelDB:
		db, err = openLevelDB(dir)
	case EnginePebble:
		db, err = openPebble(dir)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: open %s at %s: %w", engine, dir, err)
	}

	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		db.close()
		return nil, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		db.close()
		return nil, err
	}

	return &Archive{db: db, engine: engine, enc: enc, dec: dec, now: time.Now}, nil
}

// Engine returns the engine name the archive was opened with.
func (a *Archive) Engine() string { return a.engine }

func key(name string) ([]byte, error) {
	if name == "" || strings.ContainsAny(name, "\x00") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return []byte(keyPrefix + name), nil
}

// Put stores f under name, replacing any previous filter.
func (a *Archive) Put(name string, f *bloom.Filter) error {
	k, err := key(name)
	if err != nil {
		return err
	}
	env, err := f.Encode()
	if err != nil {
		return err
	}
	val, err := a.enc.Marshal(record{Name: name, SavedAt: a.now().UnixNano(), Envelope: env})
	if err != nil {
		return fmt.Errorf("archive: encode %q: %w", name, err)
	}
	return a.db.put(k, val)
}

// Get loads the filter stored under name.
func (a *Archive) Get(name string) (*bloom.Filter, error) {
	rec, err := a.load(name)
	if err != nil {
		return nil, err
	}
	f, err := bloom.Decode(rec.Envelope)
	if err != nil {
		return nil, fmt.Errorf("archive: %q: %w", name, err)
	}
	return f, nil
}

// Stat returns the entry for name without decoding the filter.
func (a *Archive) Stat(name string) (Entry, error) {
	rec, err := a.load(name)
	if err != nil {
		return Entry{}, err
	}
	return rec.entry(), nil
}

func (a *Archive) load(name string) (record, error) {
	k, err := key(name)
	if err != nil {
		return record{}, err
	}
	val, err := a.db.get(k)
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := a.dec.Unmarshal(val, &rec); err != nil {
		return record{}, fmt.Errorf("archive: %q: %w: %v", name, bloom.ErrCorruptData, err)
	}
	return rec, nil
}

// Delete removes name. Deleting a missing name is not an error.
func (a *Archive) Delete(name string) error {
	k, err := key(name)
	if err != nil {
		return err
	}
	return a.db.delete(k)
}

// List returns every archived filter sorted by name.
func (a *Archive) List() ([]Entry, error) {
	var out []Entry
	err := a.db.scan([]byte(keyPrefix), func(_, value []byte) error {
		var rec record
		if err := a.dec.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("archive: list: %w: %v", bloom.ErrCorruptData, err)
		}
		out = append(out, rec.entry())
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Close releases the underlying store.
func (a *Archive) Close() error {
	return a.db.close()
}

func (r record) entry() Entry {
	return Entry{Name: r.Name, SavedAt: time.Unix(0, r.SavedAt), Size: len(r.Envelope)}
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
