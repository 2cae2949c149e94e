package bloom

import (
	"encoding/binary"
	"strconv"
)

// Keys are plain bytes. The helpers below fix one encoding per key kind so
// that the same logical key always hashes the same way.

// StringKey returns the UTF-8 bytes of s.
func StringKey(s string) []byte { return []byte(s) }

// IntKey encodes n as base-10 ASCII. Integer keys in persisted envelopes
// from other implementations were hashed this way.
func IntKey(n int64) []byte { return strconv.AppendInt(nil, n, 10) }

// Uint64Key encodes n as 8 little-endian bytes. It is not interchangeable
// with IntKey.
func Uint64Key(n uint64) []byte { return binary.LittleEndian.AppendUint64(nil, n) }
