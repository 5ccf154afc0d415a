// Package crypto provides the field arithmetic and Poseidon-based derivations shared
// by the unirep ledger and its off-chain mirror: identity commitments, epoch keys,
// nullifiers and attestation hashchains.
package crypto

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// ErrNotInField is returned when a value is negative or not below the BN254 scalar modulus
var ErrNotInField = errors.New("value is not a BN254 scalar field element")

// Element is a BN254 scalar field element; it is comparable and safe to use as a map key
type Element struct {
	e fr.Element
}

// Zero is the additive identity
var Zero = Element{}

// Modulus returns a copy of the BN254 scalar field modulus
func Modulus() *big.Int {
	return fr.Modulus()
}

// NewElement returns the element with the given value; unlike modular reduction, values
// outside [0, q) are rejected
func NewElement(v *big.Int) (Element, error) {
	if v == nil || v.Sign() < 0 || v.Cmp(fr.Modulus()) >= 0 {
		return Zero, ErrNotInField
	}

	var el Element
	el.e.SetBigInt(v)
	return el, nil
}

// MustElement is NewElement which panics on error; intended for constants and tests
func MustElement(v *big.Int) Element {
	el, err := NewElement(v)
	if err != nil {
		panic(err)
	}
	return el
}

// ElementFromUint64 returns the element with the given small value
func ElementFromUint64(v uint64) Element {
	var el Element
	el.e.SetUint64(v)
	return el
}

// ReduceElement returns v mod q; used where the protocol itself reduces, i.e. hash outputs
func ReduceElement(v *big.Int) Element {
	var el Element
	el.e.SetBigInt(v)
	return el
}

// ParseElement parses a decimal or 0x-prefixed hex string
func ParseElement(s string) (Element, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}

	v, ok := new(big.Int).SetString(s, base)
	if !ok {
		return Zero, fmt.Errorf("failed to parse field element: %s", s)
	}

	return NewElement(v)
}

// RandomElement returns a uniformly random field element
func RandomElement() (Element, error) {
	var el Element
	_, err := el.e.SetRandom()
	if err != nil {
		return Zero, fmt.Errorf("failed to sample random field element; %s", err.Error())
	}
	return el, nil
}

// BigInt returns the regular (non-Montgomery) value as a new big.Int
func (el Element) BigInt() *big.Int {
	return el.e.BigInt(new(big.Int))
}

// Fr returns the underlying gnark-crypto scalar
func (el Element) Fr() fr.Element {
	return el.e
}

// Uint64 returns the value if it fits in 64 bits
func (el Element) Uint64() (uint64, bool) {
	v := el.BigInt()
	if !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}

// IsZero returns true if the element is 0
func (el Element) IsZero() bool {
	return el.e.IsZero()
}

// Equal returns true if both elements hold the same value
func (el Element) Equal(other Element) bool {
	return el.e.Equal(&other.e)
}

// BitLen returns the length of the regular value in bits
func (el Element) BitLen() int {
	return el.BigInt().BitLen()
}

// Bytes returns the 32-byte big-endian encoding
func (el Element) Bytes() [32]byte {
	return el.e.Bytes()
}

// Hex returns the 0x-prefixed hex encoding
func (el Element) Hex() string {
	return "0x" + el.BigInt().Text(16)
}

// String returns the decimal encoding
func (el Element) String() string {
	return el.BigInt().String()
}

// MarshalText encodes the element as a decimal string; this makes Element usable as a
// JSON object key as well as a value
func (el Element) MarshalText() ([]byte, error) {
	return []byte(el.String()), nil
}

// UnmarshalText decodes a decimal or 0x-prefixed hex string
func (el *Element) UnmarshalText(raw []byte) error {
	parsed, err := ParseElement(string(raw))
	if err != nil {
		return err
	}
	*el = parsed
	return nil
}

// Elements converts each value to an Element
func Elements(vals []*big.Int) ([]Element, error) {
	els := make([]Element, len(vals))
	for i, v := range vals {
		el, err := NewElement(v)
		if err != nil {
			return nil, fmt.Errorf("failed to convert value at index %d; %w", i, err)
		}
		els[i] = el
	}
	return els, nil
}

// BigInts converts each element to a big.Int
func BigInts(els []Element) []*big.Int {
	vals := make([]*big.Int, len(els))
	for i := range els {
		vals[i] = els[i].BigInt()
	}
	return vals
}
