// Package bloom implements a partitioned Bloom filter: an approximate set
// that answers "have I seen this key?" with no false negatives and a
// tunable false positive rate.
//
// A Bloom filter trades exactness for space. Membership queries can return
// "probably present" for a key that was never added, but never "absent" for
// a key that was. Keys cannot be removed.
//
// Layout
// ======
//
// The bit vector is split into k disjoint slices of m bits each. Every key
// is hashed to one index per slice, so the k bits of a key never collide
// with each other:
//
//	+-----------------+-----------------+-----+-----------------+
//	| Slice 0 (m bits)| Slice 1 (m bits)| ... | Slice k-1       |
//	+-----------------+-----------------+-----+-----------------+
//	  bit 0*m + h_0     bit 1*m + h_1           bit (k-1)*m + h_{k-1}
//
// Sizing
// ======
//
// Plan derives k and m from the capacity n and the target error rate p:
//
//	k = ceil(log2(1/p))
//	m = ceil(n * |ln p| / (k * ln(2)^2))
//
// Hashing
// =======
//
// Indexes come from a HashScheme. Each digest is cut into little-endian
// unsigned chunks of 2, 4 or 8 bytes (depending on m) and every chunk is
// reduced modulo m. When one digest does not yield k chunks, further
// digests are computed with different salts. The default "crypto" family
// picks the narrowest of md5/sha1/sha256/sha384/sha512 that covers the k
// chunks, and salts each digest with the digest of a small decimal seed.
// This scheme is interoperable with filters produced by pybloom style
// implementations that persist to the JSON envelope (see Envelope).
//
// Concurrency
// ===========
//
// A Filter does no locking. Concurrent Contains calls are safe; Add must
// not run concurrently with any other call on the same filter.
package bloom

import (
	"fmt"
	"math"
)

// Filter is a fixed capacity Bloom filter.
type Filter struct {
	capacity     uint64
	errorRate    float64
	numSlices    int
	bitsPerSlice uint64

	// count is the number of Add calls that set at least one new bit. It is
	// a lower bound on the number of distinct keys: a new key whose bits
	// were all set by earlier keys is treated as a duplicate.
	count uint64

	scheme *HashScheme
	bits   *BitVector
}

type options struct {
	family Family
}

// Option configures New.
type Option func(*options)

// WithHashFamily selects the digest family. The default is FamilyCrypto.
func WithHashFamily(f Family) Option {
	return func(o *options) { o.family = f }
}

// New returns an empty filter sized for capacity keys at errorRate.
func New(capacity uint64, errorRate float64, opts ...Option) (*Filter, error) {
	o := options{family: DefaultFamily}
	for _, opt := range opts {
		opt(&o)
	}

	k, m, err := Plan(capacity, errorRate)
	if err != nil {
		return nil, err
	}
	return assemble(o.family, capacity, errorRate, k, m, 0, nil)
}

// assemble wires the hash scheme and the bit vector for a set of already
// validated parameters. A nil bits allocates a zeroed vector.
func assemble(family Family, capacity uint64, errorRate float64, k int, m, count uint64, bits *BitVector) (*Filter, error) {
	n, err := NumBits(k, m)
	if err != nil {
		return nil, err
	}
	scheme, err := NewHashScheme(family, k, m)
	if err != nil {
		return nil, err
	}
	if bits == nil {
		bits = NewBitVector(n)
	} else if bits.Len() != n {
		return nil, fmt.Errorf("%w: %d bits for %d slices of %d", errBitLength, bits.Len(), k, m)
	}

	return &Filter{
		capacity:     capacity,
		errorRate:    errorRate,
		numSlices:    k,
		bitsPerSlice: m,
		count:        count,
		scheme:       scheme,
		bits:         bits,
	}, nil
}

// Contains reports whether key was probably added. A false result is
// definitive.
func (f *Filter) Contains(key []byte) bool {
	for i, h := range f.scheme.Indexes(key) {
		if !f.bits.Get(uint64(i)*f.bitsPerSlice + h) {
			return false
		}
	}
	return true
}

// Add inserts key and reports whether it was probably already present.
//
// The capacity guard looks at the count left by previous calls, so a filter
// accepts one key beyond its capacity before Add starts failing with
// ErrCapacityExceeded. A failed Add leaves the filter untouched.
//
// When every bit of key was already set the count is not incremented and
// Add returns true, even if key itself is new.
func (f *Filter) Add(key []byte) (bool, error) {
	if err := f.checkCapacity(); err != nil {
		return false, err
	}

	found := true
	for i, h := range f.scheme.Indexes(key) {
		pos := uint64(i)*f.bitsPerSlice + h
		if found && !f.bits.Get(pos) {
			found = false
		}
		f.bits.Set(pos)
	}

	if found {
		return true, nil
	}
	f.count++
	return false, nil
}

// AddUnchecked inserts key without probing, for callers that know the key
// is new. The count is always incremented. The capacity guard still
// applies.
func (f *Filter) AddUnchecked(key []byte) error {
	if err := f.checkCapacity(); err != nil {
		return err
	}
	for i, h := range f.scheme.Indexes(key) {
		f.bits.Set(uint64(i)*f.bitsPerSlice + h)
	}
	f.count++
	return nil
}

func (f *Filter) checkCapacity() error {
	if f.count > f.capacity {
		return fmt.Errorf("%w: %d items, capacity %d", ErrCapacityExceeded, f.count, f.capacity)
	}
	return nil
}

// Len returns the approximate number of distinct keys added.
func (f *Filter) Len() uint64 { return f.count }

// Capacity returns the number of keys the filter was sized for.
func (f *Filter) Capacity() uint64 { return f.capacity }

// ErrorRate returns the target false positive rate at capacity.
func (f *Filter) ErrorRate() float64 { return f.errorRate }

// NumSlices returns k.
func (f *Filter) NumSlices() int { return f.numSlices }

// BitsPerSlice returns m.
func (f *Filter) BitsPerSlice() uint64 { return f.bitsPerSlice }

// NumBits returns k*m.
func (f *Filter) NumBits() uint64 { return f.bits.Len() }

// HashFamily returns the digest family.
func (f *Filter) HashFamily() Family { return f.scheme.Family() }

// Scheme returns the hash scheme. It is immutable and may be shared.
func (f *Filter) Scheme() *HashScheme { return f.scheme }

// FillRatio returns the fraction of bits that are set.
func (f *Filter) FillRatio() float64 {
	return float64(f.bits.Count()) / float64(f.bits.Len())
}

// EstimatedErrorRate estimates the current false positive rate from the
// fill ratio. Unlike ErrorRate it reflects what has actually been added,
// including keys merged in by Union.
func (f *Filter) EstimatedErrorRate() float64 {
	return math.Pow(f.FillRatio(), float64(f.numSlices))
}

// Equal reports whether both filters have identical parameters, count and
// bits.
func (f *Filter) Equal(other *Filter) bool {
	return f.sameShape(other) && f.count == other.count && f.bits.Equal(other.bits)
}
