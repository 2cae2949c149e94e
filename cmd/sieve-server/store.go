// store.go holds the server's filters and their binary snapshot format.
//
// Filters live in 256 independent shards, each guarded by its own RWMutex,
// so commands on different keys rarely contend. A key's shard is
// xxhash(key) % 256. The Store never touches the filesystem: snapshots are
// written to an io.Writer and read from a *bufio.Reader, which lets the
// journal append RESP text after the binary section.
//
// The Snapshot Format (SIV1)
// ==========================
//
//	+--------+-----------+-----------+     +-----+----------+
//	| Header | Shard ... | Shard ... | ... | EOF | Checksum |
//	+--------+-----------+-----------+     +-----+----------+
//	 4 bytes   variable                     1 B    8 bytes
//
// Header is the magic "SIV1". Each non-empty shard is one block:
//
//	+--------+----------+-------+------+-----+------+----------+-----+
//	| OpCode | Shard ID | Count | KLen | Key | VLen | Envelope | ... |
//	+--------+----------+-------+------+-----+------+----------+-----+
//	  1 byte   1 byte    4 bytes 4 B    var   4 B    var
//
// OpCode 0xFE starts a block and 0xFF ends the binary section. Lengths are
// little-endian uint32. Each value is the filter's JSON envelope, so a
// snapshot can be picked apart with ordinary tools. The trailing checksum is
// CRC-64 (ISO) over every preceding byte.
//
// Snapshots copy one shard at a time under its read lock and write outside
// of it, so a snapshot never stops the whole server.

package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"

	"sieve.lopezb.com/internal/sieve/bloom"
)

const snapshotMagic = "SIV1"

const shardCount = 256

const (
	OpCodeShardData = 0xFE
	OpCodeEOF       = 0xFF
)

// maxSnapshotValue caps a single envelope read from a snapshot. A filter of
// bloom.MaxBits bits is 128GiB of raw bits, far beyond anything a server
// holds, so the cap only guards against corrupt length fields.
const maxSnapshotValue = 1 << 31

var (
	errBadSnapshotHeader = errors.New("invalid snapshot header")
	errSnapshotChecksum  = errors.New("snapshot corruption: checksum mismatch")
)

var crcTable = crc64.MakeTable(crc64.ISO)

type Shard struct {
	mu      sync.RWMutex
	filters map[string]*bloom.Filter
}

type Store struct {
	shards [shardCount]*Shard
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &Shard{filters: make(map[string]*bloom.Filter)}
	}
	return s
}

func shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % shardCount)
}

func (s *Store) getShard(key string) *Shard {
	return s.shards[shardIndex(key)]
}

// Set stores f under key, replacing any previous filter.
//
// The write methods take a commit func, which may be nil. It runs after the
// change and before the shard lock is released, so journal entries for one
// key land in the same order as the changes they describe.
func (s *Store) Set(key string, f *bloom.Filter, commit func()) {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.filters[key] = f
	if commit != nil {
		commit()
	}
}

// SetNX stores f under key only if the key is free. It reports whether f
// was stored; commit runs only when it was.
func (s *Store) SetNX(key string, f *bloom.Filter, commit func()) bool {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, ok := shard.filters[key]; ok {
		return false
	}
	shard.filters[key] = f
	if commit != nil {
		commit()
	}
	return true
}

// Snapshot returns a private copy of the filter under key, or nil.
func (s *Store) Snapshot(key string) *bloom.Filter {
	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	if f, ok := shard.filters[key]; ok {
		return f.Copy()
	}
	return nil
}

// Delete removes key and reports whether it existed; commit runs only when
// it did.
func (s *Store) Delete(key string, commit func()) bool {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, ok := shard.filters[key]; !ok {
		return false
	}
	delete(shard.filters, key)
	if commit != nil {
		commit()
	}
	return true
}

// View runs fn under the shard's read lock. fn receives nil when the key
// does not exist and must not modify or retain the filter.
func (s *Store) View(key string, fn func(f *bloom.Filter) error) error {
	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return fn(shard.filters[key])
}

// Mutate runs fn under the shard's write lock. fn receives the current
// filter (nil if absent) and may modify it in place; a non-nil return value
// is stored under key, which is how fn creates a filter. fn journals its own
// changes before returning.
func (s *Store) Mutate(key string, fn func(f *bloom.Filter) *bloom.Filter) {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if f := fn(shard.filters[key]); f != nil {
		shard.filters[key] = f
	}
}

// Len returns the number of keys across all shards.
func (s *Store) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		n += len(shard.filters)
		shard.mu.RUnlock()
	}
	return n
}

// SaveSnapshotToWriter writes every filter to w in the SIV1 format.
func (s *Store) SaveSnapshotToWriter(w io.Writer) error {
	hasher := crc64.New(crcTable)
	bw := bufio.NewWriter(io.MultiWriter(w, hasher))

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}

	var block bytes.Buffer
	for i, shard := range s.shards {
		block.Reset()

		shard.mu.RLock()
		if len(shard.filters) == 0 {
			shard.mu.RUnlock()
			continue
		}
		block.WriteByte(OpCodeShardData)
		block.WriteByte(byte(i))
		block.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(shard.filters))))
		for key, f := range shard.filters {
			env, err := f.Encode()
			if err != nil {
				shard.mu.RUnlock()
				return fmt.Errorf("encode %q: %w", key, err)
			}
			appendLenPrefixed(&block, []byte(key))
			appendLenPrefixed(&block, env)
		}
		shard.mu.RUnlock()

		if _, err := block.WriteTo(bw); err != nil {
			return err
		}
	}

	if err := bw.WriteByte(OpCodeEOF); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	// The checksum itself is not part of the hashed stream.
	return binary.Write(w, binary.LittleEndian, hasher.Sum64())
}

func appendLenPrefixed(buf *bytes.Buffer, data []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

// LoadSnapshotFromReader restores filters from a SIV1 stream. It consumes
// exactly the binary section and its checksum, leaving r at the first byte
// of whatever follows.
//
// Filters are decoded into a staging area and only published once the
// checksum matched, so a corrupt snapshot leaves the store untouched.
func (s *Store) LoadSnapshotFromReader(r *bufio.Reader) error {
	hasher := crc64.New(crcTable)
	tr := io.TeeReader(r, hasher)

	header := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(tr, header); err != nil {
		return err
	}
	if string(header) != snapshotMagic {
		return errBadSnapshotHeader
	}

	var staged [shardCount]map[string]*bloom.Filter
	var one [1]byte
	var lenBuf [4]byte

	for {
		if _, err := io.ReadFull(tr, one[:]); err != nil {
			return noEOF(err)
		}
		if one[0] == OpCodeEOF {
			break
		}
		if one[0] != OpCodeShardData {
			return fmt.Errorf("snapshot stream corruption: unexpected opcode %x", one[0])
		}

		if _, err := io.ReadFull(tr, one[:]); err != nil {
			return noEOF(err)
		}
		id := int(one[0])
		if staged[id] == nil {
			staged[id] = make(map[string]*bloom.Filter)
		}

		if _, err := io.ReadFull(tr, lenBuf[:]); err != nil {
			return noEOF(err)
		}
		count := binary.LittleEndian.Uint32(lenBuf[:])

		for i := uint32(0); i < count; i++ {
			key, err := readLenPrefixed(tr)
			if err != nil {
				return err
			}
			env, err := readLenPrefixed(tr)
			if err != nil {
				return err
			}
			f, err := bloom.Decode(env)
			if err != nil {
				return fmt.Errorf("snapshot key %q: %w", key, err)
			}
			staged[id][string(key)] = f
		}
	}

	var stored [8]byte
	if _, err := io.ReadFull(r, stored[:]); err != nil {
		return noEOF(err)
	}
	if binary.LittleEndian.Uint64(stored[:]) != hasher.Sum64() {
		return errSnapshotChecksum
	}

	// Keys are re-hashed on insert: the block's shard id only groups them.
	for _, m := range staged {
		for key, f := range m {
			s.Set(key, f)
		}
	}
	return nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, noEOF(err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxSnapshotValue {
		return nil, fmt.Errorf("snapshot stream corruption: length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, noEOF(err)
	}
	return buf, nil
}
