package bloom

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// EnvelopeVersion is the version written by this package.
const EnvelopeVersion = 1

// Envelope is the persisted form of a filter, a flat JSON object:
//
//	{
//	  "version": 1,
//	  "hash": "crypto",
//	  "error_rate": 0.001,
//	  "num_slices": 10,
//	  "bits_per_slice": 1438,
//	  "capacity": 1000,
//	  "count": 12,
//	  "bits": "<standard base64 of the packed bit vector>"
//	}
//
// version and hash are optional on input: envelopes written before they
// existed are version 1 with the crypto family. Every other field is
// required. Parameters are stored, not recomputed, so a decoded filter is
// bit for bit the one that was encoded.
type Envelope struct {
	Version      int     `json:"version"`
	Hash         Family  `json:"hash"`
	ErrorRate    float64 `json:"error_rate"`
	NumSlices    int     `json:"num_slices"`
	BitsPerSlice uint64  `json:"bits_per_slice"`
	Capacity     uint64  `json:"capacity"`
	Count        uint64  `json:"count"`
	Bits         []byte  `json:"bits"`
}

// wireEnvelope distinguishes missing fields from zero values.
type wireEnvelope struct {
	Version      *int     `json:"version"`
	Hash         *string  `json:"hash"`
	ErrorRate    *float64 `json:"error_rate"`
	NumSlices    *int64   `json:"num_slices"`
	BitsPerSlice *uint64  `json:"bits_per_slice"`
	Capacity     *uint64  `json:"capacity"`
	Count        *uint64  `json:"count"`
	Bits         *string  `json:"bits"`
}

// Envelope captures the full state of f.
func (f *Filter) Envelope() Envelope {
	return Envelope{
		Version:      EnvelopeVersion,
		Hash:         f.HashFamily(),
		ErrorRate:    f.errorRate,
		NumSlices:    f.numSlices,
		BitsPerSlice: f.bitsPerSlice,
		Capacity:     f.capacity,
		Count:        f.count,
		Bits:         f.bits.Bytes(),
	}
}

// FromEnvelope rebuilds a filter. Any inconsistency is reported as
// ErrCorruptData and no filter is returned.
func FromEnvelope(env Envelope) (*Filter, error) {
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrCorruptData, env.Version)
	}
	family := env.Hash
	if family == "" {
		family = DefaultFamily
	}
	if _, err := ParseFamily(string(family)); err != nil {
		return nil, fmt.Errorf("%w: unknown hash family %q", ErrCorruptData, family)
	}
	if math.IsNaN(env.ErrorRate) || env.ErrorRate <= 0 || env.ErrorRate >= 1 {
		return nil, fmt.Errorf("%w: error_rate %v out of range (0, 1)", ErrCorruptData, env.ErrorRate)
	}
	if env.Capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be >= 1", ErrCorruptData)
	}
	n, err := NumBits(env.NumSlices, env.BitsPerSlice)
	if err != nil {
		return nil, fmt.Errorf("%w: %d slices of %d bits is not a valid geometry", ErrCorruptData, env.NumSlices, env.BitsPerSlice)
	}

	bits, err := BitVectorFromBytes(n, env.Bits)
	if err != nil {
		return nil, err
	}

	return assemble(family, env.Capacity, env.ErrorRate, env.NumSlices, env.BitsPerSlice, env.Count, bits)
}

// Encode returns the JSON envelope of f.
func (f *Filter) Encode() ([]byte, error) {
	return json.Marshal(f.Envelope())
}

// Decode parses a JSON envelope.
func Decode(data []byte) (*Filter, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}

	missing := func(name string) error {
		return fmt.Errorf("%w: missing field %q", ErrCorruptData, name)
	}
	switch {
	case w.ErrorRate == nil:
		return nil, missing("error_rate")
	case w.NumSlices == nil:
		return nil, missing("num_slices")
	case w.BitsPerSlice == nil:
		return nil, missing("bits_per_slice")
	case w.Capacity == nil:
		return nil, missing("capacity")
	case w.Count == nil:
		return nil, missing("count")
	case w.Bits == nil:
		return nil, missing("bits")
	}

	env := Envelope{
		Version:      EnvelopeVersion,
		Hash:         DefaultFamily,
		ErrorRate:    *w.ErrorRate,
		BitsPerSlice: *w.BitsPerSlice,
		Capacity:     *w.Capacity,
		Count:        *w.Count,
	}
	if w.Version != nil {
		env.Version = *w.Version
	}
	if w.Hash != nil {
		env.Hash = Family(*w.Hash)
	}
	if *w.NumSlices < 1 || *w.NumSlices > math.MaxInt32 {
		return nil, fmt.Errorf("%w: num_slices %d out of range", ErrCorruptData, *w.NumSlices)
	}
	env.NumSlices = int(*w.NumSlices)

	raw, err := base64.StdEncoding.DecodeString(*w.Bits)
	if err != nil {
		return nil, fmt.Errorf("%w: bits: %v", ErrCorruptData, err)
	}
	env.Bits = raw

	return FromEnvelope(env)
}

// WriteTo writes the JSON envelope of f to w.
func (f *Filter) WriteTo(w io.Writer) (int64, error) {
	data, err := f.Encode()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Read decodes a filter from the JSON envelope in r. It consumes r to EOF.
func Read(r io.Reader) (*Filter, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// MarshalJSON implements json.Marshaler.
func (f *Filter) MarshalJSON() ([]byte, error) {
	return f.Encode()
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Filter) UnmarshalJSON(data []byte) error {
	g, err := Decode(data)
	if err != nil {
		return err
	}
	*f = *g
	return nil
}
