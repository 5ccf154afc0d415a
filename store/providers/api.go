package providers

import (
	"errors"

	"github.com/provideplatform/unirep/crypto"
)

// StoreProviderIncrementalMerkleTree append-only fixed-depth merkle tree provider
const StoreProviderIncrementalMerkleTree = "imt"

// StoreProviderSparseMerkleTree sparse merkle tree storage provider
const StoreProviderSparseMerkleTree = "smt"

// StoreProviderDenseMerkleTree dense merkle tree storage provider
const StoreProviderDenseMerkleTree = "dmt"

// ErrCapacityExceeded is returned when inserting into a full tree
var ErrCapacityExceeded = errors.New("merkle tree capacity exceeded")

// ErrIndexOutOfRange is returned when a leaf index does not fit the tree's depth
var ErrIndexOutOfRange = errors.New("merkle tree index out of range")

// StoreProvider provides a common interface to the byte-oriented commitment stores
type StoreProvider interface {
	Contains(val []byte) bool
	Height() int
	Insert(val []byte) (root []byte, err error)
	Root() (root *string, err error)
}

// MerklePath is the authentication path of a single leaf; PathIndices[i] is 1 when the
// node at level i is a right child
type MerklePath struct {
	PathElements []crypto.Element `json:"path_elements"`
	PathIndices  []uint8          `json:"path_indices"`
}

// Root folds the path from the given leaf up to the root it authenticates
func (p *MerklePath) Root(leaf crypto.Element) crypto.Element {
	node := leaf
	for i := range p.PathElements {
		if p.PathIndices[i] == 0 {
			node = crypto.HashLeftRight(node, p.PathElements[i])
		} else {
			node = crypto.HashLeftRight(p.PathElements[i], node)
		}
	}
	return node
}

// VerifyPath returns true if the path authenticates leaf under root
func VerifyPath(root, leaf crypto.Element, path *MerklePath) bool {
	if path == nil || len(path.PathElements) != len(path.PathIndices) {
		return false
	}
	return path.Root(leaf) == root
}
