package sparse

import (
	"encoding/json"
	"math/big"
	"sort"
	"sync"

	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/store/providers"
)

type nodeKey struct {
	level int
	index crypto.Element
}

// SparseTree is a fixed-depth merkle tree indexed by arbitrary field elements below
// 2^depth; only non-default nodes are held in memory
type SparseTree struct {
	depth int
	limit *big.Int
	zeros []crypto.Element
	nodes map[nodeKey]crypto.Element
	mutex sync.RWMutex
}

// NewSparseTree returns a tree of the given depth in which every leaf holds defaultLeaf
func NewSparseTree(depth int, defaultLeaf crypto.Element) *SparseTree {
	return &SparseTree{
		depth: depth,
		limit: new(big.Int).Lsh(big.NewInt(1), uint(depth)),
		zeros: crypto.ZeroHashes(defaultLeaf, depth),
		nodes: map[nodeKey]crypto.Element{},
	}
}

func (t *SparseTree) checkIndex(index crypto.Element) (*big.Int, error) {
	idx := index.BigInt()
	if idx.Cmp(t.limit) >= 0 {
		return nil, providers.ErrIndexOutOfRange
	}
	return idx, nil
}

func (t *SparseTree) node(level int, index *big.Int) crypto.Element {
	if val, ok := t.nodes[nodeKey{level, crypto.ReduceElement(index)}]; ok {
		return val
	}
	return t.zeros[level]
}

func (t *SparseTree) setNode(level int, index *big.Int, val crypto.Element) {
	key := nodeKey{level, crypto.ReduceElement(index)}
	if val == t.zeros[level] {
		delete(t.nodes, key)
		return
	}
	t.nodes[key] = val
}

// Update sets the leaf at index and returns the new root
func (t *SparseTree) Update(index, value crypto.Element) (crypto.Element, error) {
	idx, err := t.checkIndex(index)
	if err != nil {
		return crypto.Zero, err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.setNode(0, idx, value)
	node := value

	for level := 0; level < t.depth; level++ {
		sibling := t.node(level, new(big.Int).Xor(idx, big.NewInt(1)))
		if idx.Bit(0) == 0 {
			node = crypto.HashLeftRight(node, sibling)
		} else {
			node = crypto.HashLeftRight(sibling, node)
		}
		idx = new(big.Int).Rsh(idx, 1)
		t.setNode(level+1, idx, node)
	}

	return node, nil
}

// Get returns the leaf at index
func (t *SparseTree) Get(index crypto.Element) (crypto.Element, error) {
	idx, err := t.checkIndex(index)
	if err != nil {
		return crypto.Zero, err
	}

	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.node(0, idx), nil
}

// Path returns the authentication path of the leaf at index
func (t *SparseTree) Path(index crypto.Element) (*providers.MerklePath, error) {
	idx, err := t.checkIndex(index)
	if err != nil {
		return nil, err
	}

	t.mutex.RLock()
	defer t.mutex.RUnlock()

	path := &providers.MerklePath{
		PathElements: make([]crypto.Element, t.depth),
		PathIndices:  make([]uint8, t.depth),
	}

	for level := 0; level < t.depth; level++ {
		path.PathIndices[level] = uint8(idx.Bit(0))
		path.PathElements[level] = t.node(level, new(big.Int).Xor(idx, big.NewInt(1)))
		idx = new(big.Int).Rsh(idx, 1)
	}

	return path, nil
}

// Root returns the current root
func (t *SparseTree) Root() crypto.Element {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.node(t.depth, big.NewInt(0))
}

// Depth returns the fixed depth of the tree
func (t *SparseTree) Depth() int {
	return t.depth
}

// DefaultLeaf returns the value held by every leaf never updated
func (t *SparseTree) DefaultLeaf() crypto.Element {
	return t.zeros[0]
}

// Leaves returns the non-default leaves keyed by index
func (t *SparseTree) Leaves() map[crypto.Element]crypto.Element {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	leaves := map[crypto.Element]crypto.Element{}
	for key, val := range t.nodes {
		if key.level == 0 {
			leaves[key.index] = val
		}
	}
	return leaves
}

// Clone returns an independent copy of the tree
func (t *SparseTree) Clone() *SparseTree {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	clone := &SparseTree{
		depth: t.depth,
		limit: t.limit,
		zeros: t.zeros,
		nodes: make(map[nodeKey]crypto.Element, len(t.nodes)),
	}
	for key, val := range t.nodes {
		clone.nodes[key] = val
	}
	return clone
}

// MarshalJSON exports the root and the non-default leaves ordered by index
func (t *SparseTree) MarshalJSON() ([]byte, error) {
	leaves := t.Leaves()
	indices := make([]crypto.Element, 0, len(leaves))
	for idx := range leaves {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool {
		return indices[i].BigInt().Cmp(indices[j].BigInt()) < 0
	})

	type leaf struct {
		Index crypto.Element `json:"index"`
		Value crypto.Element `json:"value"`
	}
	out := make([]leaf, len(indices))
	for i, idx := range indices {
		out[i] = leaf{idx, leaves[idx]}
	}

	return json.Marshal(map[string]interface{}{
		"depth":  t.depth,
		"root":   t.Root(),
		"leaves": out,
	})
}
