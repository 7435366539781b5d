// Package id implements the Chord identifier ring: fixed-width ids modulo
// 2^M, the two half-open interval tests, and closest-to-target selection.
// M is fixed at 160 bits to match the SHA-1 hash mandated by the wire
// format (spec §6); see DESIGN.md for why a single, non-configurable M was
// chosen over a generic bit width.
package id

import (
	"crypto/sha1"
	"encoding/hex"
	"math/big"
)

// M is the width of the identifier ring in bits.
const M = 160

// Bytes is the width of an Id in bytes.
const Bytes = M / 8

// Id is a point on the Chord ring, 0..2^M-1.
type Id [Bytes]byte

// Zero is the additive identity of the ring.
var Zero Id

var ringModulus = new(big.Int).Lsh(big.NewInt(1), M)

// Hash returns the Id of the given content: SHA-1, big-endian, truncated or
// extended to M bits (spec §6). With M=160 this is exactly the SHA-1
// digest, no truncation needed.
func Hash(data []byte) Id {
	sum := sha1.Sum(data)
	var out Id
	copy(out[:], sum[:])
	return out
}

// FromBigInt reduces x modulo 2^M and returns the corresponding Id.
func FromBigInt(x *big.Int) Id {
	reduced := new(big.Int).Mod(x, ringModulus)
	if reduced.Sign() < 0 {
		reduced.Add(reduced, ringModulus)
	}
	var out Id
	b := reduced.Bytes()
	copy(out[Bytes-len(b):], b)
	return out
}

// Int returns the Id as an unsigned big.Int.
func (x Id) Int() *big.Int {
	return new(big.Int).SetBytes(x[:])
}

// Add returns x + offset (mod 2^M).
func (x Id) Add(offset *big.Int) Id {
	return FromBigInt(new(big.Int).Add(x.Int(), offset))
}

// AddUint64 returns x + n (mod 2^M).
func (x Id) AddUint64(n uint64) Id {
	return x.Add(new(big.Int).SetUint64(n))
}

// Sub returns x - offset (mod 2^M).
func (x Id) Sub(offset *big.Int) Id {
	return FromBigInt(new(big.Int).Sub(x.Int(), offset))
}

// PrevOf returns x - 1 (mod 2^M), i.e. the id immediately counter-clockwise
// of x.
func (x Id) PrevOf() Id {
	return x.Sub(big.NewInt(1))
}

// PowerOfTwo returns 2^k as a big.Int, suitable for use with Add/Sub. k must
// be in [0, M).
func PowerOfTwo(k int) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(k))
}

// Equal reports whether x and y denote the same point on the ring.
func (x Id) Equal(y Id) bool {
	return x == y
}

// distanceFrom returns (x - from) mod 2^M: the clockwise distance walking
// from `from` to reach x.
func (x Id) distanceFrom(from Id) *big.Int {
	return new(big.Int).Mod(new(big.Int).Sub(x.Int(), from.Int()), ringModulus)
}

// InHalfOpenIncl reports whether x lies in (a, b], walking clockwise from a,
// wrapping through zero (spec §3).
func InHalfOpenIncl(x, a, b Id) bool {
	if a == b {
		// (a, a] spans the entire ring.
		return true
	}
	// x is in (a, b] iff its clockwise distance from a is nonzero and no
	// greater than b's clockwise distance from a.
	dx := x.distanceFrom(a)
	if dx.Sign() == 0 {
		return false
	}
	db := b.distanceFrom(a)
	return dx.Cmp(db) <= 0
}

// InHalfOpenRight reports whether x lies in [a, b), walking clockwise from
// a, wrapping through zero (spec §3).
func InHalfOpenRight(x, a, b Id) bool {
	if a == b {
		// [a, a) spans the entire ring.
		return true
	}
	dx := x.distanceFrom(a)
	db := b.distanceFrom(a)
	return dx.Cmp(db) < 0
}

// ClosestTo returns the element of candidates that minimizes the clockwise-
// backward distance (target - c) mod 2^M, i.e. the candidate nearest to but
// not past target. Ties are broken by the lowest raw id (spec §4.1).
// Reports ok=false if candidates is empty.
func ClosestTo(target Id, candidates []Id) (best Id, ok bool) {
	var bestDist *big.Int
	for _, c := range candidates {
		d := target.distanceFrom(c)
		if bestDist == nil || d.Cmp(bestDist) < 0 || (d.Cmp(bestDist) == 0 && c.Int().Cmp(best.Int()) < 0) {
			best, bestDist, ok = c, d, true
		}
	}
	return best, ok
}

// String renders the Id as lowercase hex, matching how the corpus logs node
// identifiers.
func (x Id) String() string {
	return hex.EncodeToString(x[:])
}

// ParseHex parses a hex-encoded Id of exactly Bytes length.
func ParseHex(s string) (Id, error) {
	var out Id
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != Bytes {
		return out, errWrongLength(len(b))
	}
	copy(out[:], b)
	return out, nil
}

type errWrongLength int

func (e errWrongLength) Error() string {
	return "id: wrong length decoding hex id"
}
