package bloom

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// BitVector is a fixed-length packed bit array. Its serialized form stores
// bit i in byte i/8 at position i%8 (least significant bit first), which is
// what little-endian 64-bit words produce when written out byte by byte.
type BitVector struct {
	n    uint64
	bits *bitset.BitSet
}

// NewBitVector returns a zeroed vector of n bits.
func NewBitVector(n uint64) *BitVector {
	return &BitVector{n: n, bits: bitset.New(uint(n))}
}

// Len returns the number of addressable bits.
func (v *BitVector) Len() uint64 { return v.n }

// Get reports whether bit i is set. Out of range indices read as unset.
func (v *BitVector) Get(i uint64) bool {
	if i >= v.n {
		return false
	}
	return v.bits.Test(uint(i))
}

// Set turns bit i on. Out of range indices are ignored.
func (v *BitVector) Set(i uint64) {
	if i >= v.n {
		return
	}
	v.bits.Set(uint(i))
}

// Count returns the number of set bits.
func (v *BitVector) Count() uint64 { return uint64(v.bits.Count()) }

// OrWith sets every bit that is set in other. Both vectors must have the
// same length.
func (v *BitVector) OrWith(other *BitVector) error {
	if v.n != other.n {
		return fmt.Errorf("%w: %d != %d", errBitLength, v.n, other.n)
	}
	v.bits.InPlaceUnion(other.bits)
	return nil
}

// AndWith clears every bit that is not set in other. Both vectors must have
// the same length.
func (v *BitVector) AndWith(other *BitVector) error {
	if v.n != other.n {
		return fmt.Errorf("%w: %d != %d", errBitLength, v.n, other.n)
	}
	v.bits.InPlaceIntersection(other.bits)
	return nil
}

// Clone returns an independent copy.
func (v *BitVector) Clone() *BitVector {
	return &BitVector{n: v.n, bits: v.bits.Clone()}
}

// Equal reports whether both vectors have the same length and content.
func (v *BitVector) Equal(other *BitVector) bool {
	return v.n == other.n && v.bits.Equal(other.bits)
}

// ByteLen is the size of the packed form of an n bit vector.
func ByteLen(n uint64) uint64 { return (n + 7) / 8 }

// Bytes packs the vector into ByteLen(Len()) bytes. Padding bits in the last
// byte are zero.
func (v *BitVector) Bytes() []byte {
	words := v.bits.Bytes()
	out := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out[:ByteLen(v.n)]
}

// BitVectorFromBytes unpacks n bits from buf. buf must be exactly
// ByteLen(n) bytes long, that is n bits plus at most 7 bits of padding.
// Padding bits are ignored and come back cleared.
func BitVectorFromBytes(n uint64, buf []byte) (*BitVector, error) {
	if uint64(len(buf)) != ByteLen(n) {
		return nil, fmt.Errorf("%w: %d bytes cannot hold exactly %d bits", ErrCorruptData, len(buf), n)
	}

	words := make([]uint64, (n+63)/64)
	var tail [8]byte
	for i := range words {
		off := i * 8
		if off+8 <= len(buf) {
			words[i] = binary.LittleEndian.Uint64(buf[off:])
			continue
		}
		tail = [8]byte{}
		copy(tail[:], buf[off:])
		words[i] = binary.LittleEndian.Uint64(tail[:])
	}
	if rem := n % 64; rem != 0 {
		words[len(words)-1] &= (uint64(1) << rem) - 1
	}

	return &BitVector{n: n, bits: bitset.FromWithLength(uint(n), words)}, nil
}
