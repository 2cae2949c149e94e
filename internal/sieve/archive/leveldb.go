package archive

import (
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type levelDB struct {
	db     *leveldb.DB
	closed atomic.Bool
}

func openLevelDB(dir string) (*levelDB, error) {
	opts := opt.Options{
		Strict:      opt.DefaultStrict,
		Compression: opt.NoCompression,
		Filter:      filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(dir, &opts)
	if err != nil {
		return nil, err
	}
	return &levelDB{db: db}, nil
}

func (l *levelDB) get(key []byte) ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	val, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return val, err
}

func (l *levelDB) put(key, value []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	return l.db.Put(key, value, &opt.WriteOptions{Sync: true})
}

func (l *levelDB) delete(key []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	return l.db.Delete(key, &opt.WriteOptions{Sync: true})
}

func (l *levelDB) scan(prefix []byte, fn func(key, value []byte) error) error {
	if l.closed.Load() {
		return ErrClosed
	}
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *levelDB) close() error {
	if l.closed.Swap(true) {
		return ErrClosed
	}
	return l.db.Close()
}
