package sparse

import (
	"math/big"
	"testing"

	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/store/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func naiveRoot(depth int, def crypto.Element, set map[uint64]crypto.Element) crypto.Element {
	level := make([]crypto.Element, 1<<depth)
	for i := range level {
		if v, ok := set[uint64(i)]; ok {
			level[i] = v
		} else {
			level[i] = def
		}
	}
	for len(level) > 1 {
		next := make([]crypto.Element, len(level)/2)
		for i := range next {
			next[i] = crypto.HashLeftRight(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

func TestUpdateMatchesNaiveRoot(t *testing.T) {
	def := crypto.ElementFromUint64(11)
	tree := NewSparseTree(4, def)
	assert.Equal(t, naiveRoot(4, def, nil), tree.Root())

	set := map[uint64]crypto.Element{}
	for _, idx := range []uint64{0, 15, 7, 8, 7} {
		val := crypto.ElementFromUint64(idx*3 + 1 + uint64(len(set)))
		set[idx] = val

		root, err := tree.Update(crypto.ElementFromUint64(idx), val)
		require.NoError(t, err)
		assert.Equal(t, naiveRoot(4, def, set), root, "after index %d", idx)
	}

	got, err := tree.Get(crypto.ElementFromUint64(7))
	require.NoError(t, err)
	assert.Equal(t, set[7], got)

	untouched, err := tree.Get(crypto.ElementFromUint64(3))
	require.NoError(t, err)
	assert.Equal(t, def, untouched)
}

func TestIndexOutOfRange(t *testing.T) {
	tree := NewSparseTree(4, crypto.Zero)
	before := tree.Root()

	_, err := tree.Update(crypto.ElementFromUint64(16), crypto.ElementFromUint64(1))
	assert.ErrorIs(t, err, providers.ErrIndexOutOfRange)
	assert.Equal(t, before, tree.Root())

	_, err = tree.Get(crypto.ElementFromUint64(1 << 20))
	assert.ErrorIs(t, err, providers.ErrIndexOutOfRange)

	_, err = tree.Path(crypto.ElementFromUint64(16))
	assert.ErrorIs(t, err, providers.ErrIndexOutOfRange)
}

func TestPath(t *testing.T) {
	tree := NewSparseTree(4, crypto.Zero)
	_, err := tree.Update(crypto.ElementFromUint64(5), crypto.ElementFromUint64(50))
	require.NoError(t, err)
	_, err = tree.Update(crypto.ElementFromUint64(12), crypto.ElementFromUint64(120))
	require.NoError(t, err)

	path, err := tree.Path(crypto.ElementFromUint64(5))
	require.NoError(t, err)
	assert.True(t, providers.VerifyPath(tree.Root(), crypto.ElementFromUint64(50), path))

	path, err = tree.Path(crypto.ElementFromUint64(9))
	require.NoError(t, err)
	assert.True(t, providers.VerifyPath(tree.Root(), crypto.Zero, path))
}

func TestDeepTree(t *testing.T) {
	tree := NewSparseTree(128, crypto.Zero)
	idx := crypto.MustElement(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1)))

	root, err := tree.Update(idx, crypto.ElementFromUint64(9))
	require.NoError(t, err)

	path, err := tree.Path(idx)
	require.NoError(t, err)
	assert.True(t, providers.VerifyPath(root, crypto.ElementFromUint64(9), path))
	assert.Len(t, tree.Leaves(), 1)
}

func TestCloneIsIndependent(t *testing.T) {
	tree := NewSparseTree(4, crypto.Zero)
	_, err := tree.Update(crypto.ElementFromUint64(1), crypto.ElementFromUint64(1))
	require.NoError(t, err)

	clone := tree.Clone()
	_, err = clone.Update(crypto.ElementFromUint64(2), crypto.ElementFromUint64(2))
	require.NoError(t, err)

	assert.Len(t, tree.Leaves(), 1)
	assert.Len(t, clone.Leaves(), 2)
	assert.NotEqual(t, tree.Root(), clone.Root())
}

func TestResetToDefaultLeaf(t *testing.T) {
	def := crypto.ElementFromUint64(4)
	tree := NewSparseTree(3, def)
	empty := tree.Root()

	_, err := tree.Update(crypto.ElementFromUint64(2), crypto.ElementFromUint64(8))
	require.NoError(t, err)
	root, err := tree.Update(crypto.ElementFromUint64(2), def)
	require.NoError(t, err)

	assert.Equal(t, empty, root)
	assert.Empty(t, tree.Leaves())
}
