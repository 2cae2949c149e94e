package bloom

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitVector_Packing(t *testing.T) {
	v := NewBitVector(17)
	v.Set(0)
	v.Set(9)
	v.Set(16)

	// Bit i lives in byte i/8 at position i%8.
	require.Equal(t, []byte{0x01, 0x02, 0x01}, v.Bytes())

	require.True(t, v.Get(9))
	require.False(t, v.Get(8))
	require.False(t, v.Get(17), "out of range reads as unset")
	require.Equal(t, uint64(3), v.Count())
}

func TestBitVector_WordBoundary(t *testing.T) {
	v := NewBitVector(130)
	for _, i := range []uint64{63, 64, 127, 128, 129} {
		v.Set(i)
	}
	b := v.Bytes()
	require.Len(t, b, 17)
	require.Equal(t, byte(0x80), b[7])
	require.Equal(t, byte(0x01), b[8])
	require.Equal(t, byte(0x80), b[15])
	require.Equal(t, byte(0x03), b[16])

	back, err := BitVectorFromBytes(130, b)
	require.NoError(t, err)
	require.True(t, back.Equal(v))
}

func TestBitVectorFromBytes_Length(t *testing.T) {
	// 12 bits need exactly two bytes.
	_, err := BitVectorFromBytes(12, []byte{0xff})
	require.ErrorIs(t, err, ErrCorruptData)
	_, err = BitVectorFromBytes(12, []byte{0xff, 0xff, 0x00})
	require.ErrorIs(t, err, ErrCorruptData)

	// 16 bits leave no room for padding.
	_, err = BitVectorFromBytes(16, []byte{0xff, 0xff})
	require.NoError(t, err)
}

func TestBitVectorFromBytes_PaddingCleared(t *testing.T) {
	v, err := BitVectorFromBytes(12, []byte{0xff, 0xff})
	require.NoError(t, err)

	require.Equal(t, uint64(12), v.Count())
	require.Equal(t, []byte{0xff, 0x0f}, v.Bytes())
	require.True(t, v.Equal(func() *BitVector {
		w := NewBitVector(12)
		for i := uint64(0); i < 12; i++ {
			w.Set(i)
		}
		return w
	}()))
}

func TestBitVector_SetAlgebra(t *testing.T) {
	a := NewBitVector(100)
	b := NewBitVector(100)
	a.Set(1)
	a.Set(50)
	b.Set(50)
	b.Set(99)

	or := a.Clone()
	require.NoError(t, or.OrWith(b))
	and := a.Clone()
	require.NoError(t, and.AndWith(b))

	for _, i := range []uint64{1, 50, 99} {
		require.True(t, or.Get(i))
	}
	require.True(t, and.Get(50))
	require.False(t, and.Get(1))
	require.False(t, and.Get(99))

	// Operands are untouched.
	require.False(t, a.Get(99))
	require.False(t, b.Get(1))

	require.ErrorIs(t, a.OrWith(NewBitVector(101)), errBitLength)
	require.ErrorIs(t, a.AndWith(NewBitVector(99)), errBitLength)
}

func TestBitVector_CloneIsIndependent(t *testing.T) {
	a := NewBitVector(10)
	c := a.Clone()
	c.Set(3)
	require.False(t, a.Get(3))
	require.True(t, c.Get(3))
}
