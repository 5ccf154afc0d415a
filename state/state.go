// Package state mirrors the ledger's unirep accumulators by replaying its event log.
package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/store/providers/merkletree"
	"github.com/provideplatform/unirep/store/providers/sparse"
	"github.com/provideplatform/unirep/zkp/providers"
)

// ErrUnknownEpoch is returned by queries for an epoch the state has not reached
var ErrUnknownEpoch = errors.New("unknown epoch")

// ProofRecord is a proof the ledger assigned an index to; Valid is false when the
// mirror refused the proof's effects
type ProofRecord struct {
	Index      uint64         `json:"proofIndex"`
	Hash       ethcommon.Hash `json:"hash"`
	Circuit    string         `json:"circuit"`
	Epoch      uint64         `json:"epoch"`
	EpochKey   crypto.Element `json:"epochKey"`
	AttesterID crypto.Element `json:"attesterId"`
	Valid      bool           `json:"valid"`
}

// SignUpRecord is an accepted sign-up
type SignUpRecord struct {
	Epoch              uint64         `json:"epoch"`
	IdentityCommitment crypto.Element `json:"identityCommitment"`
	AttesterID         uint64         `json:"attesterId"`
	AirdropAmount      crypto.Element `json:"airdropAmount"`
	GSTLeaf            crypto.Element `json:"GSTLeaf"`
	GSTLeafIndex       int            `json:"GSTLeafIndex"`
}

// TransitionRecord is an accepted user state transition
type TransitionRecord struct {
	ToEpoch            uint64           `json:"toEpoch"`
	FromEpoch          uint64           `json:"fromEpoch"`
	ProofIndex         uint64           `json:"proofIndex"`
	NewGSTLeaf         crypto.Element   `json:"newGSTLeaf"`
	GSTLeafIndex       int              `json:"GSTLeafIndex"`
	EpochKeyNullifiers []crypto.Element `json:"epkNullifiers"`
	BlindedUserStates  []crypto.Element `json:"blindedUserStates"`
	BlindedHashChains  []crypto.Element `json:"blindedHashChains"`
}

// UnirepState is the global state of one unirep deployment
type UnirepState struct {
	mutex sync.RWMutex

	settings *common.Settings
	verifier providers.Verifier

	currentEpoch         uint64
	latestProcessedBlock uint64
	cursor               *Position

	emptyUserStateRoot crypto.Element
	gstZeroLeaf        crypto.Element

	gsts        map[uint64]*merkletree.IncrementalTree
	rootHistory map[uint64][]crypto.Element

	epochTrees      map[uint64]*sparse.SparseTree
	epochTreeLeaves map[uint64][]EpochTreeLeaf

	epochKeys    map[uint64][]crypto.Element
	attestations map[uint64]map[crypto.Element][]Attestation

	nullifiers  *NullifierRegistry
	proofs      map[uint64]*ProofRecord
	signUps     []*SignUpRecord
	transitions []*TransitionRecord
}

// NewUnirepState returns the state of a freshly deployed instance, in epoch 1
func NewUnirepState(settings *common.Settings, verifier providers.Verifier) (*UnirepState, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	ust := sparse.NewSparseTree(settings.UserStateTreeDepth, DefaultReputation().Hash())
	emptyUserStateRoot := ust.Root()

	s := &UnirepState{
		settings:           settings,
		verifier:           verifier,
		currentEpoch:       1,
		emptyUserStateRoot: emptyUserStateRoot,
		gstZeroLeaf:        crypto.HashLeftRight(crypto.Zero, emptyUserStateRoot),
		gsts:               map[uint64]*merkletree.IncrementalTree{},
		rootHistory:        map[uint64][]crypto.Element{},
		epochTrees:         map[uint64]*sparse.SparseTree{},
		epochTreeLeaves:    map[uint64][]EpochTreeLeaf{},
		epochKeys:          map[uint64][]crypto.Element{},
		attestations:       map[uint64]map[crypto.Element][]Attestation{},
		nullifiers:         NewNullifierRegistry(),
		proofs:             map[uint64]*ProofRecord{},
		signUps:            make([]*SignUpRecord, 0),
		transitions:        make([]*TransitionRecord, 0),
	}
	s.openEpoch(1)

	return s, nil
}

func (s *UnirepState) openEpoch(epoch uint64) {
	s.gsts[epoch] = merkletree.NewIncrementalTree(s.settings.GlobalStateTreeDepth, s.gstZeroLeaf)
	s.rootHistory[epoch] = make([]crypto.Element, 0)
	s.attestations[epoch] = map[crypto.Element][]Attestation{}
	s.epochKeys[epoch] = make([]crypto.Element, 0)
}

// Settings returns a copy of the protocol settings
func (s *UnirepState) Settings() *common.Settings {
	settings := *s.settings
	if s.settings.AttestingFee != nil {
		settings.AttestingFee = new(big.Int).Set(s.settings.AttestingFee)
	}
	return &settings
}

// CurrentEpoch returns the epoch new events apply to
func (s *UnirepState) CurrentEpoch() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.currentEpoch
}

// LatestProcessedBlock returns the highest block whose events have all been applied
func (s *UnirepState) LatestProcessedBlock() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.latestProcessedBlock
}

// Cursor returns the position of the last applied event, or nil if none was applied
func (s *UnirepState) Cursor() *Position {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.cursor == nil {
		return nil
	}
	cursor := *s.cursor
	return &cursor
}

// EmptyUserStateRoot returns the root of a user state tree holding only default leaves
func (s *UnirepState) EmptyUserStateRoot() crypto.Element {
	return s.emptyUserStateRoot
}

// GSTZeroLeaf returns the value of an unoccupied global state tree leaf
func (s *UnirepState) GSTZeroLeaf() crypto.Element {
	return s.gstZeroLeaf
}

// GSTRootExists returns true if the root was the epoch's GST root after any insertion
func (s *UnirepState) GSTRootExists(root crypto.Element, epoch uint64) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.gstRootExists(root, epoch)
}

func (s *UnirepState) gstRootExists(root crypto.Element, epoch uint64) bool {
	for _, r := range s.rootHistory[epoch] {
		if r == root {
			return true
		}
	}
	return false
}

// GSTRootHistory returns the epoch's GST roots in insertion order
func (s *UnirepState) GSTRootHistory(epoch uint64) []crypto.Element {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	history := make([]crypto.Element, len(s.rootHistory[epoch]))
	copy(history, s.rootHistory[epoch])
	return history
}

// EpochTreeRootExists returns true if the epoch is sealed with the given root
func (s *UnirepState) EpochTreeRootExists(root crypto.Element, epoch uint64) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	tree, ok := s.epochTrees[epoch]
	return ok && tree.Root() == root
}

// GenGSTree returns a copy of the epoch's global state tree
func (s *UnirepState) GenGSTree(epoch uint64) (*merkletree.IncrementalTree, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	tree, ok := s.gsts[epoch]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEpoch, epoch)
	}
	return tree.Clone(), nil
}

// GenEpochTree returns a copy of the epoch's sealed epoch tree
func (s *UnirepState) GenEpochTree(epoch uint64) (*sparse.SparseTree, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	tree, ok := s.epochTrees[epoch]
	if !ok {
		return nil, fmt.Errorf("%w: epoch %d is not sealed", ErrUnknownEpoch, epoch)
	}
	return tree.Clone(), nil
}

// GetGSTLeaves returns the epoch's GST leaves in insertion order
func (s *UnirepState) GetGSTLeaves(epoch uint64) []crypto.Element {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	tree, ok := s.gsts[epoch]
	if !ok {
		return []crypto.Element{}
	}
	return tree.Leaves()
}

// GetEpochTreeLeaves returns the leaves the epoch was sealed with
func (s *UnirepState) GetEpochTreeLeaves(epoch uint64) []EpochTreeLeaf {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	leaves := make([]EpochTreeLeaf, len(s.epochTreeLeaves[epoch]))
	copy(leaves, s.epochTreeLeaves[epoch])
	return leaves
}

// GetAttestations returns the attestations to the epoch key in the current epoch
func (s *UnirepState) GetAttestations(epochKey crypto.Element) []Attestation {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.getAttestations(s.currentEpoch, epochKey)
}

// GetAttestationsInEpoch returns the attestations to the epoch key in the given epoch
func (s *UnirepState) GetAttestationsInEpoch(epoch uint64, epochKey crypto.Element) []Attestation {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.getAttestations(epoch, epochKey)
}

func (s *UnirepState) getAttestations(epoch uint64, epochKey crypto.Element) []Attestation {
	atts := s.attestations[epoch][epochKey]
	out := make([]Attestation, len(atts))
	copy(out, atts)
	return out
}

// GetEpochKeys returns the epoch keys attested to during the epoch, in first-attested order
func (s *UnirepState) GetEpochKeys(epoch uint64) []crypto.Element {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	keys := make([]crypto.Element, len(s.epochKeys[epoch]))
	copy(keys, s.epochKeys[epoch])
	return keys
}

// NullifierExist returns true if the nullifier has been spent
func (s *UnirepState) NullifierExist(nullifier crypto.Element) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.nullifiers.Contains(nullifier)
}

// NullifierRoot returns the commitment root over spent nullifiers
func (s *UnirepState) NullifierRoot() *string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.nullifiers.Root()
}

// NumSignUps returns the number of accepted sign-ups across all epochs
func (s *UnirepState) NumSignUps() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.signUps)
}

// GetSignUp returns the earliest accepted sign-up of the identity commitment
func (s *UnirepState) GetSignUp(commitment crypto.Element) (*SignUpRecord, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, rec := range s.signUps {
		if rec.IdentityCommitment == commitment {
			r := *rec
			return &r, true
		}
	}
	return nil, false
}

// Transitions returns the accepted user state transitions in order
func (s *UnirepState) Transitions() []TransitionRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]TransitionRecord, len(s.transitions))
	for i, t := range s.transitions {
		out[i] = *t
	}
	return out
}

// GetProof returns the proof recorded at the index
func (s *UnirepState) GetProof(index uint64) (*ProofRecord, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	rec, ok := s.proofs[index]
	if !ok {
		return nil, false
	}
	r := *rec
	return &r, true
}
