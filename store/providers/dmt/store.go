package dmt

import (
	"encoding/hex"
	"errors"
	"hash"
	"math/bits"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/providenetwork/merkletree"
	"github.com/provideplatform/unirep/common"
)

// DMT is a keccak dense merkle tree over an ordered list of values; the synchronizer
// builds one per applied batch of ledger events as a receipt
type DMT struct {
	mutex  *sync.Mutex
	tree   *merkletree.MerkleTree
	values []merkletree.Content
}

func hashStrategy() hash.Hash {
	return ethcrypto.NewKeccakState()
}

// InitDMT initializes an empty dense merkle tree
func InitDMT() *DMT {
	return &DMT{
		mutex:  &sync.Mutex{},
		values: make([]merkletree.Content, 0),
	}
}

func (s *DMT) rebuild() error {
	if len(s.values) == 0 {
		s.tree = nil
		return nil
	}

	if s.tree == nil {
		tree, err := merkletree.NewTreeWithHashStrategy(s.values, hashStrategy)
		if err != nil {
			return err
		}
		s.tree = tree
		return nil
	}

	return s.tree.RebuildTreeWith(s.values)
}

// Contains returns true if the value is one of the tree's leaves
func (s *DMT) Contains(val []byte) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.tree == nil {
		return false
	}

	incl, err := s.tree.VerifyContent(newTreeContent(val))
	if err != nil {
		common.Log.Warningf("failed to verify dense merkle tree content; %s", err.Error())
		return false
	}
	return incl
}

// Height returns the number of levels above the leaves
func (s *DMT) Height() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.values) <= 1 {
		return 0
	}
	return bits.Len(uint(len(s.values) - 1))
}

// Len returns the number of leaves
func (s *DMT) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.values)
}

// Insert appends the value and returns the new root
func (s *DMT) Insert(val []byte) (root []byte, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.values = append(s.values, newTreeContent(val))
	err = s.rebuild()
	if err != nil {
		s.values = s.values[:len(s.values)-1]
		return nil, err
	}
	return s.tree.MerkleRoot(), nil
}

// Root returns the hex-encoded root
func (s *DMT) Root() (root *string, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.tree == nil || len(s.tree.MerkleRoot()) == 0 {
		return nil, errors.New("tree does not contain a valid root")
	}
	return common.StringOrNil("0x" + hex.EncodeToString(s.tree.MerkleRoot())), nil
}
