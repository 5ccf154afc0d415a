package merkletree

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/store/providers"
)

// IncrementalTree is a fixed-depth, append-only merkle tree; empty positions take the
// per-level zero value derived from the tree's zero leaf
type IncrementalTree struct {
	depth int
	zeros []crypto.Element
	nodes [][]crypto.Element // nodes[0] are the leaves; nodes[depth][0] is the root once non-empty
	mutex sync.RWMutex
}

// NewIncrementalTree returns an empty tree of the given depth
func NewIncrementalTree(depth int, zeroLeaf crypto.Element) *IncrementalTree {
	tree := &IncrementalTree{
		depth: depth,
		zeros: crypto.ZeroHashes(zeroLeaf, depth),
	}
	tree.init()
	return tree
}

func (tree *IncrementalTree) init() {
	tree.nodes = make([][]crypto.Element, tree.depth+1)
}

func (tree *IncrementalTree) capacity() int {
	return 1 << tree.depth
}

func (tree *IncrementalTree) node(level, index int) crypto.Element {
	if index < len(tree.nodes[level]) {
		return tree.nodes[level][index]
	}
	return tree.zeros[level]
}

func (tree *IncrementalTree) setNode(level, index int, val crypto.Element) {
	if index == len(tree.nodes[level]) {
		tree.nodes[level] = append(tree.nodes[level], val)
	} else {
		tree.nodes[level][index] = val
	}
}

// propagateChange rehashes the path from the given leaf to the root
func (tree *IncrementalTree) propagateChange(index int) crypto.Element {
	for level := 0; level < tree.depth; level++ {
		left := tree.node(level, index&^1)
		right := tree.node(level, index|1)
		index /= 2
		tree.setNode(level+1, index, crypto.HashLeftRight(left, right))
	}
	return tree.root()
}

func (tree *IncrementalTree) root() crypto.Element {
	return tree.node(tree.depth, 0)
}

// Insert appends the leaf and returns the new root
func (tree *IncrementalTree) Insert(leaf crypto.Element) (crypto.Element, error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	index := len(tree.nodes[0])
	if index >= tree.capacity() {
		return crypto.Zero, providers.ErrCapacityExceeded
	}

	tree.nodes[0] = append(tree.nodes[0], leaf)
	return tree.propagateChange(index), nil
}

// RawInsert appends the leaf without recalculating the tree; callers bulk loading
// leaves must call Recalculate before reading the root
func (tree *IncrementalTree) RawInsert(leaf crypto.Element) (int, error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	index := len(tree.nodes[0])
	if index >= tree.capacity() {
		return -1, providers.ErrCapacityExceeded
	}

	tree.nodes[0] = append(tree.nodes[0], leaf)
	return index, nil
}

// Recalculate rebuilds every internal level bottom up and returns the root
func (tree *IncrementalTree) Recalculate() crypto.Element {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	for level := 0; level < tree.depth; level++ {
		count := len(tree.nodes[level])
		parents := make([]crypto.Element, (count+1)/2)
		for i := range parents {
			parents[i] = crypto.HashLeftRight(tree.node(level, 2*i), tree.node(level, 2*i+1))
		}
		tree.nodes[level+1] = parents
	}

	return tree.root()
}

// Path returns the authentication path of the leaf at index
func (tree *IncrementalTree) Path(index int) (*providers.MerklePath, error) {
	tree.mutex.RLock()
	defer tree.mutex.RUnlock()

	if index < 0 || index >= len(tree.nodes[0]) {
		return nil, providers.ErrIndexOutOfRange
	}

	path := &providers.MerklePath{
		PathElements: make([]crypto.Element, tree.depth),
		PathIndices:  make([]uint8, tree.depth),
	}

	for level := 0; level < tree.depth; level++ {
		path.PathIndices[level] = uint8(index & 1)
		path.PathElements[level] = tree.node(level, index^1)
		index /= 2
	}

	return path, nil
}

// Leaf returns the leaf at index
func (tree *IncrementalTree) Leaf(index int) (crypto.Element, error) {
	tree.mutex.RLock()
	defer tree.mutex.RUnlock()

	if index < 0 || index >= len(tree.nodes[0]) {
		return crypto.Zero, providers.ErrIndexOutOfRange
	}
	return tree.nodes[0][index], nil
}

// Leaves returns a copy of the inserted leaves in insertion order
func (tree *IncrementalTree) Leaves() []crypto.Element {
	tree.mutex.RLock()
	defer tree.mutex.RUnlock()

	leaves := make([]crypto.Element, len(tree.nodes[0]))
	copy(leaves, tree.nodes[0])
	return leaves
}

// IndexOf returns the index of the first leaf equal to the given value, or -1
func (tree *IncrementalTree) IndexOf(leaf crypto.Element) int {
	tree.mutex.RLock()
	defer tree.mutex.RUnlock()

	for i := range tree.nodes[0] {
		if tree.nodes[0][i] == leaf {
			return i
		}
	}
	return -1
}

// Root returns the current root; the root of an empty tree is the zero value at full depth
func (tree *IncrementalTree) Root() crypto.Element {
	tree.mutex.RLock()
	defer tree.mutex.RUnlock()
	return tree.root()
}

// Length returns the count of the tree leaves
func (tree *IncrementalTree) Length() int {
	tree.mutex.RLock()
	defer tree.mutex.RUnlock()
	return len(tree.nodes[0])
}

// Depth returns the fixed depth of the tree
func (tree *IncrementalTree) Depth() int {
	return tree.depth
}

// ZeroLeaf returns the value of an empty leaf position
func (tree *IncrementalTree) ZeroLeaf() crypto.Element {
	return tree.zeros[0]
}

// Clone returns an independent copy of the tree
func (tree *IncrementalTree) Clone() *IncrementalTree {
	tree.mutex.RLock()
	defer tree.mutex.RUnlock()

	clone := &IncrementalTree{
		depth: tree.depth,
		zeros: tree.zeros,
		nodes: make([][]crypto.Element, len(tree.nodes)),
	}
	for i := range tree.nodes {
		clone.nodes[i] = make([]crypto.Element, len(tree.nodes[i]))
		copy(clone.nodes[i], tree.nodes[i])
	}
	return clone
}

// String returns human readable version of the tree
func (tree *IncrementalTree) String() string {
	tree.mutex.RLock()
	defer tree.mutex.RUnlock()

	b := strings.Builder{}
	for i := len(tree.nodes) - 1; i >= 0; i-- {
		b.WriteString(fmt.Sprintf("Level: %v, Count: %v\n", i, len(tree.nodes[i])))
		for k := range tree.nodes[i] {
			b.WriteString(fmt.Sprintf("%v\t", tree.nodes[i][k].Hex()))
		}
		b.WriteString("\n")
	}

	return b.String()
}

// MarshalJSON exports the root, depth and leaf count of the tree
func (tree *IncrementalTree) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"depth":  tree.depth,
		"length": tree.Length(),
		"root":   tree.Root(),
	})
}
