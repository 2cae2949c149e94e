package bloom

import (
	"errors"
	"fmt"
)

// Copy returns a deep copy of f, count included. The copy shares no bits
// with f.
func (f *Filter) Copy() *Filter {
	g := *f
	g.bits = f.bits.Clone()
	return &g
}

// Union returns a new filter holding every key of f and other.
//
// The result keeps f's count. Merging bit vectors does not merge counts, so
// Len on the result is not meaningful as a key count.
func (f *Filter) Union(other *Filter) (*Filter, error) {
	return f.combine(other, "union", (*BitVector).OrWith)
}

// Intersection returns a new filter whose bits are set in both f and other.
// Like Union, the result keeps f's count, which is not authoritative.
func (f *Filter) Intersection(other *Filter) (*Filter, error) {
	return f.combine(other, "intersection", (*BitVector).AndWith)
}

func (f *Filter) combine(other *Filter, op string, merge func(*BitVector, *BitVector) error) (*Filter, error) {
	if err := f.compatible(other); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIncompatibleFilters, op, err)
	}
	out := f.Copy()
	if err := merge(out.bits, other.bits); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIncompatibleFilters, op, err)
	}
	return out, nil
}

// compatible checks that two filters address bits the same way. Capacity
// and error rate must match exactly. Family and geometry are checked too
// since decoded filters carry them verbatim.
func (f *Filter) compatible(other *Filter) error {
	if other == nil {
		return errors.New("nil filter")
	}
	if f.capacity != other.capacity || f.errorRate != other.errorRate {
		return fmt.Errorf("capacity/error rate %d/%v vs %d/%v",
			f.capacity, f.errorRate, other.capacity, other.errorRate)
	}
	if f.HashFamily() != other.HashFamily() {
		return fmt.Errorf("hash family %s vs %s", f.HashFamily(), other.HashFamily())
	}
	if f.numSlices != other.numSlices || f.bitsPerSlice != other.bitsPerSlice {
		return fmt.Errorf("geometry %dx%d vs %dx%d",
			f.numSlices, f.bitsPerSlice, other.numSlices, other.bitsPerSlice)
	}
	return nil
}

func (f *Filter) sameShape(other *Filter) bool {
	return other != nil && f.compatible(other) == nil
}
