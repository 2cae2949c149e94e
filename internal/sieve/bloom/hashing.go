package bloom

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
	"iter"
	"strconv"
	"sync"

	"github.com/dgryski/go-metro"
	"github.com/spaolacci/murmur3"
	"github.com/zeebo/xxh3"
)

// Family names the digest family a filter derives its indexes from. It is
// part of the persisted state: two filters only agree on membership when
// they share the family, the slice count and the slice width.
type Family string

const (
	// FamilyCrypto picks md5, sha1, sha256, sha384 or sha512 depending on how
	// many index bits one key needs. Filters written without a family field
	// use it.
	FamilyCrypto Family = "crypto"

	// FamilyXXH3, FamilyMetro and FamilyMurmur3 use a seeded 128-bit
	// non-cryptographic digest per salt.
	FamilyXXH3    Family = "xxh3"
	FamilyMetro   Family = "metro"
	FamilyMurmur3 Family = "murmur3"
)

// DefaultFamily is used when no family is requested.
const DefaultFamily = FamilyCrypto

// ParseFamily maps a family name to a Family. The empty string selects
// DefaultFamily.
func ParseFamily(name string) (Family, error) {
	switch Family(name) {
	case "":
		return DefaultFamily, nil
	case FamilyCrypto, FamilyXXH3, FamilyMetro, FamilyMurmur3:
		return Family(name), nil
	}
	return "", fmt.Errorf("%w: unknown hash family %q", ErrInvalidParameter, name)
}

// Families lists every supported family.
func Families() []Family {
	return []Family{FamilyCrypto, FamilyXXH3, FamilyMetro, FamilyMurmur3}
}

type cryptoDigest struct {
	name string
	size int
	new  func() hash.Hash
}

// Ordered from narrowest to widest output.
var cryptoDigests = []cryptoDigest{
	{"md5", md5.Size, md5.New},
	{"sha1", sha1.Size, sha1.New},
	{"sha256", sha256.Size, sha256.New},
	{"sha384", sha512.Size384, sha512.New384},
	{"sha512", sha512.Size, sha512.New},
}

// sum128 is a seeded 128-bit digest returned as its low and high words.
type sum128 func(key []byte, seed uint64) (lo, hi uint64)

func seededDigest(f Family) (string, sum128) {
	switch f {
	case FamilyXXH3:
		return "xxh3-128", func(key []byte, seed uint64) (uint64, uint64) {
			h := xxh3.Hash128Seed(key, seed)
			return h.Lo, h.Hi
		}
	case FamilyMetro:
		return "metro-128", metro.Hash128
	case FamilyMurmur3:
		return "murmur3-128", func(key []byte, seed uint64) (uint64, uint64) {
			return murmur3.Sum128WithSeed(key, uint32(seed))
		}
	}
	return "", nil
}

// hashState is the pooled per-call scratch of the crypto family.
type hashState struct {
	h   hash.Hash
	buf [sha512.Size]byte
}

// HashScheme turns a key into k slice-relative bit indexes in [0, m).
//
// The scheme is a pure function of (family, k, m): the chunk width, the
// digest and every salt are derived from them, so a filter rebuilt from its
// stored parameters hashes identically. A HashScheme is safe for concurrent
// use.
type HashScheme struct {
	family     Family
	k          int
	m          uint64
	chunk      int
	digestName string
	digestSize int
	numSalts   int

	// crypto family: salt i is the digest of the decimal seed i and prefixes
	// the key.
	salts [][]byte
	pool  sync.Pool

	// seeded families: salt i is folded into a 64-bit seed.
	seeds []uint64
	sum   sum128
}

// NewHashScheme builds the scheme for k slices of m bits.
func NewHashScheme(family Family, k int, m uint64) (*HashScheme, error) {
	if k < 1 || m < 1 {
		return nil, fmt.Errorf("%w: hash scheme needs k >= 1 and m >= 1, got k=%d m=%d", ErrInvalidParameter, k, m)
	}
	if family == "" {
		family = DefaultFamily
	}

	s := &HashScheme{family: family, k: k, m: m, chunk: chunkWidth(m)}

	switch family {
	case FamilyCrypto:
		d := pickCryptoDigest(8 * k * s.chunk)
		s.digestName, s.digestSize = d.name, d.size
		s.numSalts = saltCount(k, d.size/s.chunk)
		s.salts = make([][]byte, s.numSalts)
		for i := range s.salts {
			h := d.new()
			h.Write([]byte(strconv.Itoa(i)))
			s.salts[i] = h.Sum(nil)
		}
		s.pool.New = func() any { return &hashState{h: d.new()} }

	case FamilyXXH3, FamilyMetro, FamilyMurmur3:
		s.digestName, s.sum = seededDigest(family)
		s.digestSize = 16
		s.numSalts = saltCount(k, s.digestSize/s.chunk)
		s.seeds = make([]uint64, s.numSalts)
		var first [16]byte
		for i := range s.seeds {
			lo, hi := s.sum([]byte(strconv.Itoa(i)), 0)
			binary.LittleEndian.PutUint64(first[:8], lo)
			binary.LittleEndian.PutUint64(first[8:], hi)
			s.seeds[i], _ = s.sum(first[:], 0)
		}

	default:
		return nil, fmt.Errorf("%w: unknown hash family %q", ErrInvalidParameter, family)
	}

	return s, nil
}

// chunkWidth is the number of digest bytes consumed per index. Wider slices
// need wider chunks so that the modulo reduction stays close to uniform.
func chunkWidth(m uint64) int {
	switch {
	case m >= 1<<31:
		return 8
	case m >= 1<<15:
		return 4
	default:
		return 2
	}
}

// pickCryptoDigest returns the narrowest digest covering bits of output,
// falling back to the widest one.
func pickCryptoDigest(bits int) cryptoDigest {
	for _, d := range cryptoDigests {
		if bits <= 8*d.size {
			return d
		}
	}
	return cryptoDigests[len(cryptoDigests)-1]
}

func saltCount(k, perDigest int) int {
	return (k + perDigest - 1) / perDigest
}

// Family returns the digest family.
func (s *HashScheme) Family() Family { return s.family }

// DigestName returns the concrete digest, e.g. "sha256" or "xxh3-128".
func (s *HashScheme) DigestName() string { return s.digestName }

// ChunkBytes returns how many digest bytes make up one index.
func (s *HashScheme) ChunkBytes() int { return s.chunk }

// NumSalts returns how many digests are needed to produce k indexes.
func (s *HashScheme) NumSalts() int { return s.numSalts }

// Indexes yields (slice, index) pairs for key, exactly k of them, with
// index in [0, m). Digests are computed lazily: once k values have been
// produced, remaining salts are never hashed. Ranging twice over the same
// key yields the same sequence.
func (s *HashScheme) Indexes(key []byte) iter.Seq2[int, uint64] {
	return func(yield func(int, uint64) bool) {
		var st *hashState
		if s.salts != nil {
			st = s.pool.Get().(*hashState)
			defer s.pool.Put(st)
		}

		var seeded [16]byte
		slice := 0
		for salt := 0; salt < s.numSalts; salt++ {
			var digest []byte
			if st != nil {
				st.h.Reset()
				st.h.Write(s.salts[salt])
				st.h.Write(key)
				digest = st.h.Sum(st.buf[:0])
			} else {
				lo, hi := s.sum(key, s.seeds[salt])
				binary.LittleEndian.PutUint64(seeded[:8], lo)
				binary.LittleEndian.PutUint64(seeded[8:], hi)
				digest = seeded[:]
			}

			for off := 0; off+s.chunk <= len(digest); off += s.chunk {
				if !yield(slice, s.chunkAt(digest[off:])%s.m) {
					return
				}
				slice++
				if slice == s.k {
					return
				}
			}
		}
	}
}

// AppendIndexes appends the k indexes of key to dst.
func (s *HashScheme) AppendIndexes(dst []uint64, key []byte) []uint64 {
	for _, h := range s.Indexes(key) {
		dst = append(dst, h)
	}
	return dst
}

func (s *HashScheme) chunkAt(b []byte) uint64 {
	switch s.chunk {
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}
