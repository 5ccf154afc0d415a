package merkletree

import (
	"encoding/json"
	"fmt"

	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/store/providers"
)

// MerkleTree defines the methods of an append-only merkle tree over field elements
type MerkleTree interface {
	fmt.Stringer
	Insert(leaf crypto.Element) (root crypto.Element, err error)
	Path(index int) (*providers.MerklePath, error)
	Leaf(index int) (crypto.Element, error)
	Root() crypto.Element
	Length() int
	Depth() int
}

type internaler interface {
	RawInsert(leaf crypto.Element) (index int, err error)
	Recalculate() (root crypto.Element)
}

// InternalMerkleTree defines additional functions that are not supposed to be exposed to outside user to call.
// These functions deal with bulk loading of leaves and tree recalculation
type InternalMerkleTree interface {
	MerkleTree
	internaler
}

// FullMerkleTree is both Internal and json-exportable
type FullMerkleTree interface {
	InternalMerkleTree
	json.Marshaler
}
