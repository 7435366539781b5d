package id

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) Id {
	t.Helper()
	// pad to full width with leading zeros so short literals in tests are
	// still valid ids.
	for len(s) < Bytes*2 {
		s = "0" + s
	}
	x, err := ParseHex(s)
	require.NoError(t, err)
	return x
}

func TestHashIsSHA1(t *testing.T) {
	got := Hash([]byte("hello"))
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", got.String())
}

func TestAddWrapsModulus(t *testing.T) {
	max := FromBigInt(new(big.Int).Sub(ringModulus, big.NewInt(1)))
	got := max.AddUint64(1)
	assert.Equal(t, Zero, got, "max id + 1 must wrap to zero")
}

func TestPrevOfWraps(t *testing.T) {
	got := Zero.PrevOf()
	want := FromBigInt(new(big.Int).Sub(ringModulus, big.NewInt(1)))
	assert.Equal(t, want, got)
}

func TestInHalfOpenIncl(t *testing.T) {
	a := mustHex(t, "10")
	b := mustHex(t, "20")
	assert.False(t, InHalfOpenIncl(a, a, b), "a itself is excluded from (a,b]")
	assert.True(t, InHalfOpenIncl(b, a, b), "b itself is included in (a,b]")
	assert.True(t, InHalfOpenIncl(mustHex(t, "15"), a, b))
	assert.False(t, InHalfOpenIncl(mustHex(t, "21"), a, b))
}

func TestInHalfOpenInclWraps(t *testing.T) {
	a := mustHex(t, "f0")
	b := mustHex(t, "05")
	assert.True(t, InHalfOpenIncl(mustHex(t, "f5"), a, b))
	assert.True(t, InHalfOpenIncl(b, a, b))
	assert.False(t, InHalfOpenIncl(mustHex(t, "06"), a, b))
}

func TestInHalfOpenRight(t *testing.T) {
	a := mustHex(t, "10")
	b := mustHex(t, "20")
	assert.True(t, InHalfOpenRight(a, a, b), "a itself is included in [a,b)")
	assert.False(t, InHalfOpenRight(b, a, b), "b itself is excluded from [a,b)")
}

func TestClosestToBreaksTiesByLowestRawID(t *testing.T) {
	target := mustHex(t, "100")
	low := mustHex(t, "80")
	high := mustHex(t, "180")
	// both candidates are equidistant-ish; construct an exact tie instead:
	a := mustHex(t, "90")
	b := mustHex(t, "90")
	best, ok := ClosestTo(target, []Id{a, b, low, high})
	require.True(t, ok)
	assert.Equal(t, a, best)
}

func TestClosestToEmpty(t *testing.T) {
	_, ok := ClosestTo(mustHex(t, "1"), nil)
	assert.False(t, ok)
}
