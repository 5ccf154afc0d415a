package crypto

import (
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
)

// Hash returns the Poseidon hash of 1 to 16 field elements
func Hash(inputs ...Element) (Element, error) {
	if len(inputs) == 0 || len(inputs) > 16 {
		return Zero, fmt.Errorf("invalid poseidon input count: %d", len(inputs))
	}

	digest, err := poseidon.Hash(BigInts(inputs))
	if err != nil {
		return Zero, fmt.Errorf("failed to compute poseidon hash; %s", err.Error())
	}

	return ReduceElement(digest), nil
}

func mustHash(inputs ...Element) Element {
	h, err := Hash(inputs...)
	if err != nil {
		// every Element is in the field and callers pass fixed arities
		panic(err)
	}
	return h
}

// HashLeftRight is the two-to-one compression used by every merkle tree in the protocol
func HashLeftRight(left, right Element) Element {
	return mustHash(left, right)
}

// Hash5 hashes exactly five elements
func Hash5(a, b, c, d, e Element) Element {
	return mustHash(a, b, c, d, e)
}

// HashOne hashes a single element; the graffiti of a reputation record is HashOne of its preimage
func HashOne(x Element) Element {
	return mustHash(x)
}

// HashBigInts hashes raw values, rejecting any which are not field elements
func HashBigInts(vals ...*big.Int) (Element, error) {
	els, err := Elements(vals)
	if err != nil {
		return Zero, err
	}
	return Hash(els...)
}

// HashChain folds an element into a running hashchain: H(el, chain)
func HashChain(el, chain Element) Element {
	return HashLeftRight(el, chain)
}

// SealHashChain returns the sealed form of a hashchain, H(1, chain); sealed chains are
// the leaves of the epoch tree
func SealHashChain(chain Element) Element {
	return HashLeftRight(ElementFromUint64(1), chain)
}

// ZeroHashes returns zeros[0..depth] where zeros[0] is the given leaf and every level
// is the hash of two copies of the level below
func ZeroHashes(leaf Element, depth int) []Element {
	zeros := make([]Element, depth+1)
	zeros[0] = leaf
	for i := 1; i <= depth; i++ {
		zeros[i] = HashLeftRight(zeros[i-1], zeros[i-1])
	}
	return zeros
}
