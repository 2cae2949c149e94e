package bloom

import (
	"fmt"
	"math"
)

// MaxBits bounds the total size of a single filter (128 GiB of bits). It
// protects the allocator from corrupt envelopes and absurd reservations.
const MaxBits = uint64(1) << 40

// DefaultErrorRate is the false positive rate used when none is given.
const DefaultErrorRate = 0.001

// Plan derives the number of slices (k) and the bits per slice (m) needed to
// hold capacity items with a false positive rate of at most errorRate.
//
//	k = ceil(log2(1/p))
//	m = ceil(n * |ln p| / (k * ln(2)^2))
//
// The total bit budget k*m is the classic optimum n*|ln p|/ln(2)^2, split
// evenly across k disjoint slices.
func Plan(capacity uint64, errorRate float64) (int, uint64, error) {
	if capacity == 0 {
		return 0, 0, fmt.Errorf("%w: capacity must be > 0", ErrInvalidParameter)
	}
	// The negated comparison also rejects NaN.
	if !(errorRate > 0 && errorRate < 1) {
		return 0, 0, fmt.Errorf("%w: error rate must be in (0, 1), got %v", ErrInvalidParameter, errorRate)
	}

	ln2 := math.Log(2)
	k := int(math.Ceil(math.Log(1.0/errorRate) / ln2))
	if k < 1 {
		k = 1
	}

	m := math.Ceil(float64(capacity) * math.Abs(math.Log(errorRate)) / (float64(k) * (ln2 * ln2)))
	if m < 1 {
		m = 1
	}
	if m >= float64(MaxBits) {
		return 0, 0, fmt.Errorf("%w: capacity %d needs more than %d bits", ErrInvalidParameter, capacity, MaxBits)
	}

	if _, err := NumBits(k, uint64(m)); err != nil {
		return 0, 0, err
	}
	return k, uint64(m), nil
}

// NumBits returns k*m, failing when the product overflows or exceeds MaxBits.
func NumBits(numSlices int, bitsPerSlice uint64) (uint64, error) {
	if numSlices < 1 || bitsPerSlice < 1 {
		return 0, fmt.Errorf("%w: slices (%d) and bits per slice (%d) must be positive", ErrInvalidParameter, numSlices, bitsPerSlice)
	}
	k := uint64(numSlices)
	if bitsPerSlice > MaxBits/k {
		return 0, fmt.Errorf("%w: %d slices of %d bits exceed %d bits", ErrInvalidParameter, numSlices, bitsPerSlice, MaxBits)
	}
	return k * bitsPerSlice, nil
}
