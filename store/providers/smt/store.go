package smt

import (
	"bytes"
	"encoding/hex"
	"errors"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/providenetwork/smt"
	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/crypto"
)

// presence is the value stored under every committed key
var presence = []byte{0x01}

// SMT is a keccak sparse merkle tree committing to a set of values; it backs the
// nullifier registry's commitment root
type SMT struct {
	count int
	mutex *sync.Mutex
	tree  *smt.SparseMerkleTree
}

// InitSMT initializes an empty in-memory sparse merkle tree
func InitSMT() *SMT {
	return &SMT{
		mutex: &sync.Mutex{},
		tree:  smt.NewSparseMerkleTree(smt.NewSimpleMap(), smt.NewSimpleMap(), ethcrypto.NewKeccakState()),
	}
}

// Contains returns true if the given value has been inserted
func (s *SMT) Contains(val []byte) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, err := s.tree.Get(val)
	if err != nil {
		common.Log.Warningf("failed to resolve value from sparse merkle tree; %s", err.Error())
		return false
	}
	return bytes.Equal(stored, presence)
}

// ContainsElement is Contains for a field element
func (s *SMT) ContainsElement(el crypto.Element) bool {
	key := el.Bytes()
	return s.Contains(key[:])
}

// Height returns the number of committed values
func (s *SMT) Height() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.count
}

// Insert commits the value and returns the new root; inserting a committed value is a no-op
func (s *SMT) Insert(val []byte) (root []byte, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, err := s.tree.Get(val)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(stored, presence) {
		return s.tree.Root(), nil
	}

	root, err = s.tree.Update(val, presence)
	if err != nil {
		return nil, err
	}
	s.count++

	common.Log.Debugf("inserted key %s; current root: %s", hex.EncodeToString(val), hex.EncodeToString(root))
	return root, nil
}

// InsertElement is Insert for a field element
func (s *SMT) InsertElement(el crypto.Element) ([]byte, error) {
	key := el.Bytes()
	return s.Insert(key[:])
}

// Root returns the hex-encoded root
func (s *SMT) Root() (root *string, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.tree.Root() == nil || len(s.tree.Root()) == 0 {
		return nil, errors.New("tree does not contain a valid root")
	}
	return common.StringOrNil("0x" + hex.EncodeToString(s.tree.Root())), nil
}
