package archive

import (
	"errors"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

type pebbleDB struct {
	db     *pebble.DB
	closed atomic.Bool
}

func openPebble(dir string) (*pebbleDB, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(8 << 20),
		MaxOpenFiles: 16,
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &pebbleDB{db: db}, nil
}

func (p *pebbleDB) get(key []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	val, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (p *pebbleDB) put(key, value []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return p.db.Set(key, value, pebble.Sync)
}

func (p *pebbleDB) delete(key []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return p.db.Delete(key, pebble.Sync)
}

func (p *pebbleDB) scan(prefix []byte, fn func(key, value []byte) error) error {
	if p.closed.Load() {
		return ErrClosed
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return err
	}
	return iter.Close()
}

func (p *pebbleDB) close() error {
	if p.closed.Swap(true) {
		return ErrClosed
	}
	return p.db.Close()
}
