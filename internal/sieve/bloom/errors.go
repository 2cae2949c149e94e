package bloom

import "errors"

// Sentinel errors returned by the filter. Callers match them with errors.Is;
// the returned values usually wrap one of these with extra context.
var (
	// ErrInvalidParameter is returned when a filter cannot be planned from the
	// requested capacity and error rate.
	ErrInvalidParameter = errors.New("bloom: invalid parameter")

	// ErrCapacityExceeded is returned by Add once the filter already holds
	// more than its nominal capacity. No state is modified.
	ErrCapacityExceeded = errors.New("bloom: filter is at capacity")

	// ErrIncompatibleFilters is returned by Union and Intersection when the
	// operands were not built with the same parameters.
	ErrIncompatibleFilters = errors.New("bloom: incompatible filters")

	// ErrCorruptData is returned when an envelope or a packed bit payload
	// cannot be decoded into a valid filter.
	ErrCorruptData = errors.New("bloom: corrupt data")

	errBitLength = errors.New("bloom: bit vector length mismatch")
)
