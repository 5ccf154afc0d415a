package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/store/providers/sparse"
	"github.com/provideplatform/unirep/zkp/providers"
)

// EpochKeyAttestations is the ordered attestation list of one epoch key
type EpochKeyAttestations struct {
	EpochKey     crypto.Element `json:"epochKey"`
	Attestations []Attestation  `json:"attestations"`
}

// Snapshot is the serializable form of UnirepState; root histories and trees are
// recomputed from the leaves on restore
type Snapshot struct {
	Settings                        *common.Settings                  `json:"settings"`
	CurrentEpoch                    uint64                            `json:"currentEpoch"`
	LatestProcessedBlock            uint64                            `json:"latestProcessedBlock"`
	Cursor                          *Position                         `json:"cursor,omitempty"`
	GSTLeaves                       map[uint64][]crypto.Element       `json:"GSTLeaves"`
	EpochTreeLeaves                 map[uint64][]EpochTreeLeaf        `json:"epochTreeLeaves"`
	LatestEpochKeyToAttestationsMap map[crypto.Element][]Attestation  `json:"latestEpochKeyToAttestationsMap"`
	Attestations                    map[uint64][]EpochKeyAttestations `json:"attestations"`
	Nullifiers                      []crypto.Element                  `json:"nullifiers"`
	Proofs                          []*ProofRecord                    `json:"proofs"`
	SignUps                         []*SignUpRecord                   `json:"signUps"`
	Transitions                     []*TransitionRecord               `json:"transitions"`
}

// Snapshot returns a consistent copy of the state
func (s *UnirepState) Snapshot() *Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	snap := &Snapshot{
		Settings:                        s.Settings(),
		CurrentEpoch:                    s.currentEpoch,
		LatestProcessedBlock:            s.latestProcessedBlock,
		GSTLeaves:                       map[uint64][]crypto.Element{},
		EpochTreeLeaves:                 map[uint64][]EpochTreeLeaf{},
		LatestEpochKeyToAttestationsMap: map[crypto.Element][]Attestation{},
		Attestations:                    map[uint64][]EpochKeyAttestations{},
		Nullifiers:                      s.nullifiers.Values(),
		Proofs:                          make([]*ProofRecord, 0, len(s.proofs)),
		SignUps:                         make([]*SignUpRecord, 0, len(s.signUps)),
		Transitions:                     make([]*TransitionRecord, 0, len(s.transitions)),
	}

	if s.cursor != nil {
		cursor := *s.cursor
		snap.Cursor = &cursor
	}

	for epoch := uint64(1); epoch <= s.currentEpoch; epoch++ {
		snap.GSTLeaves[epoch] = s.gsts[epoch].Leaves()

		if leaves, ok := s.epochTreeLeaves[epoch]; ok {
			snap.EpochTreeLeaves[epoch] = append([]EpochTreeLeaf{}, leaves...)
		}

		keyed := make([]EpochKeyAttestations, 0, len(s.epochKeys[epoch]))
		for _, epochKey := range s.epochKeys[epoch] {
			atts := append([]Attestation{}, s.attestations[epoch][epochKey]...)
			keyed = append(keyed, EpochKeyAttestations{EpochKey: epochKey, Attestations: atts})
			if epoch == s.currentEpoch {
				snap.LatestEpochKeyToAttestationsMap[epochKey] = atts
			}
		}
		snap.Attestations[epoch] = keyed
	}

	for _, rec := range s.proofs {
		r := *rec
		snap.Proofs = append(snap.Proofs, &r)
	}
	sort.Slice(snap.Proofs, func(i, j int) bool { return snap.Proofs[i].Index < snap.Proofs[j].Index })

	for _, rec := range s.signUps {
		r := *rec
		snap.SignUps = append(snap.SignUps, &r)
	}

	for _, rec := range s.transitions {
		r := *rec
		snap.Transitions = append(snap.Transitions, &r)
	}

	return snap
}

// MarshalJSON serializes the state's snapshot
func (s *UnirepState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// FromSnapshot restores a state from a snapshot, recomputing every tree and GST root history
func FromSnapshot(snap *Snapshot, verifier providers.Verifier) (*UnirepState, error) {
	if snap == nil {
		return nil, errors.New("nil snapshot")
	}
	if snap.CurrentEpoch == 0 {
		return nil, errors.New("snapshot current epoch must be at least 1")
	}

	s, err := NewUnirepState(snap.Settings, verifier)
	if err != nil {
		return nil, err
	}

	for epoch := uint64(1); epoch <= snap.CurrentEpoch; epoch++ {
		if epoch > 1 {
			s.openEpoch(epoch)
		}
		s.currentEpoch = epoch

		for _, leaf := range snap.GSTLeaves[epoch] {
			if _, err := s.insertGSTLeaf(leaf); err != nil {
				return nil, err
			}
		}

		for _, keyed := range snap.Attestations[epoch] {
			for _, att := range keyed.Attestations {
				s.appendAttestation(keyed.EpochKey, att)
			}
		}

		if epoch == snap.CurrentEpoch {
			break
		}

		tree := sparse.NewSparseTree(s.settings.EpochTreeDepth, crypto.SealHashChain(crypto.Zero))
		for _, leaf := range snap.EpochTreeLeaves[epoch] {
			if _, err := tree.Update(leaf.EpochKey, leaf.HashchainResult); err != nil {
				return nil, fmt.Errorf("failed to restore epoch tree of epoch %d; %w", epoch, err)
			}
		}
		s.epochTrees[epoch] = tree
		s.epochTreeLeaves[epoch] = append([]EpochTreeLeaf{}, snap.EpochTreeLeaves[epoch]...)
	}

	if err := s.nullifiers.Add(snap.Nullifiers...); err != nil {
		return nil, err
	}

	for _, rec := range snap.Proofs {
		r := *rec
		s.proofs[r.Index] = &r
	}

	for _, rec := range snap.SignUps {
		r := *rec
		s.signUps = append(s.signUps, &r)
	}

	for _, rec := range snap.Transitions {
		r := *rec
		s.transitions = append(s.transitions, &r)
	}

	s.latestProcessedBlock = snap.LatestProcessedBlock
	if snap.Cursor != nil {
		cursor := *snap.Cursor
		s.cursor = &cursor
	}

	return s, nil
}

// Restore decodes a serialized snapshot and restores the state it describes
func Restore(raw []byte, verifier providers.Verifier) (*UnirepState, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal unirep state snapshot; %s", err.Error())
	}
	return FromSnapshot(&snap, verifier)
}
