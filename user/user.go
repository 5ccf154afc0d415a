// Package user projects the global unirep state onto one identity.
package user

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/state"
	"github.com/provideplatform/unirep/store/providers/sparse"
)

// ErrNotSignedUp is returned when the identity has no accepted sign-up
var ErrNotSignedUp = errors.New("user has not signed up")

// ErrNotTransitioned is returned when an operation needs the user state in the current
// epoch but the user has not transitioned to it
var ErrNotTransitioned = errors.New("user has not transitioned to the current epoch")

// ErrAlreadyTransitioned is returned when computing a transition for a user already in
// the current epoch
var ErrAlreadyTransitioned = errors.New("user has already transitioned to the current epoch")

// UserState is an identity's view of the global state; it is derived, never persisted
type UserState struct {
	unirepState *state.UnirepState
	settings    *common.Settings
	id          *crypto.Identity

	hasSignedUp             bool
	latestTransitionedEpoch uint64
	latestGSTLeafIndex      int

	// attesterId -> reputation as of latestTransitionedEpoch
	latestUserStateLeaves map[uint64]state.Reputation

	// epoch keys of the epoch transitioned from -> attestations applied during transition
	transitionedFromAttestations map[crypto.Element][]state.Attestation
}

// Derive replays the identity's sign-up and user state transitions out of the global state
func Derive(unirepState *state.UnirepState, id *crypto.Identity) (*UserState, error) {
	if unirepState == nil || id == nil {
		return nil, errors.New("unirep state and identity are required")
	}

	u := &UserState{
		unirepState:                  unirepState,
		settings:                     unirepState.Settings(),
		id:                           id,
		latestUserStateLeaves:        map[uint64]state.Reputation{},
		transitionedFromAttestations: map[crypto.Element][]state.Attestation{},
	}

	signUp, ok := unirepState.GetSignUp(id.Commitment())
	if !ok {
		return u, nil
	}

	u.hasSignedUp = true
	u.latestTransitionedEpoch = signUp.Epoch
	u.latestGSTLeafIndex = signUp.GSTLeafIndex
	if signUp.AttesterID > 0 && !signUp.AirdropAmount.IsZero() {
		u.latestUserStateLeaves[signUp.AttesterID] = state.Reputation{
			PosRep: signUp.AirdropAmount,
			SignUp: crypto.ElementFromUint64(1),
		}
	}

	transitions := unirepState.Transitions()
	for {
		rec := u.findTransition(transitions)
		if rec == nil {
			break
		}

		leaves, err := u.genNewUserStateLeaves()
		if err != nil {
			return nil, err
		}

		leaf, err := u.gstLeaf(leaves)
		if err != nil {
			return nil, err
		}
		if leaf != rec.NewGSTLeaf {
			return nil, fmt.Errorf("transition from epoch %d committed to GST leaf %s; user state recomputes %s", rec.FromEpoch, rec.NewGSTLeaf, leaf)
		}

		for _, epochKey := range u.GetEpochKeys(rec.FromEpoch) {
			u.transitionedFromAttestations[epochKey] = u.unirepState.GetAttestationsInEpoch(rec.FromEpoch, epochKey)
		}
		u.latestUserStateLeaves = leaves
		u.latestTransitionedEpoch = rec.ToEpoch
		u.latestGSTLeafIndex = rec.GSTLeafIndex
	}

	common.Log.Debugf("derived user state of %s at epoch %d", id.Commitment(), u.latestTransitionedEpoch)
	return u, nil
}

// findTransition returns the accepted transition out of latestTransitionedEpoch which spent
// the identity's epoch key nullifiers
func (u *UserState) findTransition(transitions []state.TransitionRecord) *state.TransitionRecord {
	own := map[crypto.Element]struct{}{}
	for nonce := 0; nonce < u.settings.NumEpochKeyNoncePerEpoch; nonce++ {
		own[crypto.GenEpochKeyNullifier(u.id.Nullifier, u.latestTransitionedEpoch, uint64(nonce))] = struct{}{}
	}

	for i := range transitions {
		rec := &transitions[i]
		if rec.FromEpoch != u.latestTransitionedEpoch {
			continue
		}
		for _, n := range rec.EpochKeyNullifiers {
			if _, ok := own[n]; ok {
				return rec
			}
		}
	}
	return nil
}

// HasSignedUp returns true if the identity has an accepted sign-up
func (u *UserState) HasSignedUp() bool {
	return u.hasSignedUp
}

// LatestTransitionedEpoch returns the epoch the user state was last committed to
func (u *UserState) LatestTransitionedEpoch() uint64 {
	return u.latestTransitionedEpoch
}

// LatestGSTLeafIndex returns the index of the user's leaf in the latest transitioned epoch's GST
func (u *UserState) LatestGSTLeafIndex() int {
	return u.latestGSTLeafIndex
}

// Identity returns the user's identity
func (u *UserState) Identity() *crypto.Identity {
	return u.id
}

// NullifierExist delegates to the global nullifier registry
func (u *UserState) NullifierExist(nullifier crypto.Element) bool {
	return u.unirepState.NullifierExist(nullifier)
}

// GetAttestations returns the attestations to the epoch key in the current epoch
func (u *UserState) GetAttestations(epochKey crypto.Element) []state.Attestation {
	return u.unirepState.GetAttestations(epochKey)
}

// GetEpochKeys returns the identity's epoch keys of the epoch, one per nonce
func (u *UserState) GetEpochKeys(epoch uint64) []crypto.Element {
	keys := make([]crypto.Element, u.settings.NumEpochKeyNoncePerEpoch)
	for nonce := range keys {
		keys[nonce] = crypto.GenEpochKey(u.id.Nullifier, epoch, uint64(nonce), u.settings.EpochTreeDepth)
	}
	return keys
}

// GetRepByAttester returns the committed reputation from the attester
func (u *UserState) GetRepByAttester(attesterID uint64) state.Reputation {
	if rep, ok := u.latestUserStateLeaves[attesterID]; ok {
		return rep
	}
	return state.DefaultReputation()
}

// GenUserStateTree builds the user state tree as of latestTransitionedEpoch
func (u *UserState) GenUserStateTree() (*sparse.SparseTree, error) {
	return u.userStateTree(u.latestUserStateLeaves)
}

func (u *UserState) userStateTree(leaves map[uint64]state.Reputation) (*sparse.SparseTree, error) {
	tree := sparse.NewSparseTree(u.settings.UserStateTreeDepth, state.DefaultReputation().Hash())
	for attesterID, rep := range leaves {
		if _, err := tree.Update(crypto.ElementFromUint64(attesterID), rep.Hash()); err != nil {
			return nil, fmt.Errorf("failed to update user state tree leaf of attester %d; %w", attesterID, err)
		}
	}
	return tree, nil
}

func (u *UserState) gstLeaf(leaves map[uint64]state.Reputation) (crypto.Element, error) {
	tree, err := u.userStateTree(leaves)
	if err != nil {
		return crypto.Zero, err
	}
	return crypto.HashLeftRight(u.id.Commitment(), tree.Root()), nil
}

// genNewUserStateLeaves applies the attestations to the identity's epoch keys of
// latestTransitionedEpoch to the latest user state leaves
func (u *UserState) genNewUserStateLeaves() (map[uint64]state.Reputation, error) {
	leaves := make(map[uint64]state.Reputation, len(u.latestUserStateLeaves))
	for attesterID, rep := range u.latestUserStateLeaves {
		leaves[attesterID] = rep
	}

	for _, epochKey := range u.GetEpochKeys(u.latestTransitionedEpoch) {
		for _, att := range u.unirepState.GetAttestationsInEpoch(u.latestTransitionedEpoch, epochKey) {
			attesterID, ok := att.AttesterID.Uint64()
			if !ok {
				return nil, fmt.Errorf("attester id %s out of range", att.AttesterID)
			}
			rep, ok := leaves[attesterID]
			if !ok {
				rep = state.DefaultReputation()
			}
			leaves[attesterID] = rep.Update(att.PosRep, att.NegRep, att.Graffiti, att.SignUp)
		}
	}
	return leaves, nil
}

// GenNewUserStateAfterTransition computes the reputation leaves and GST leaf the user state
// transitions to from latestTransitionedEpoch
func (u *UserState) GenNewUserStateAfterTransition() (map[uint64]state.Reputation, crypto.Element, error) {
	if !u.hasSignedUp {
		return nil, crypto.Zero, ErrNotSignedUp
	}
	if u.latestTransitionedEpoch >= u.unirepState.CurrentEpoch() {
		return nil, crypto.Zero, ErrAlreadyTransitioned
	}

	leaves, err := u.genNewUserStateLeaves()
	if err != nil {
		return nil, crypto.Zero, err
	}

	leaf, err := u.gstLeaf(leaves)
	if err != nil {
		return nil, crypto.Zero, err
	}
	return leaves, leaf, nil
}

// GenUserStateTransitionedLeaf returns the GST leaf the next transition inserts
func (u *UserState) GenUserStateTransitionedLeaf() (crypto.Element, error) {
	_, leaf, err := u.GenNewUserStateAfterTransition()
	return leaf, err
}

func (u *UserState) requireCurrentEpoch() error {
	if !u.hasSignedUp {
		return ErrNotSignedUp
	}
	if u.latestTransitionedEpoch != u.unirepState.CurrentEpoch() {
		return ErrNotTransitioned
	}
	return nil
}

type userStateLeaf struct {
	AttesterID uint64           `json:"attesterId"`
	Reputation state.Reputation `json:"reputation"`
}

type userStateJSON struct {
	IDNullifier                  crypto.Element                         `json:"idNullifier"`
	IDCommitment                 crypto.Element                         `json:"idCommitment"`
	HasSignedUp                  bool                                   `json:"hasSignedUp"`
	LatestTransitionedEpoch      uint64                                 `json:"latestTransitionedEpoch"`
	LatestGSTLeafIndex           int                                    `json:"latestGSTLeafIndex"`
	LatestUserStateLeaves        []userStateLeaf                        `json:"latestUserStateLeaves"`
	TransitionedFromAttestations map[crypto.Element][]state.Attestation `json:"transitionedFromAttestations"`
	UnirepState                  *state.UnirepState                     `json:"unirepState"`
}

// MarshalJSON exports the user state together with the global state it was derived from
func (u *UserState) MarshalJSON() ([]byte, error) {
	leaves := make([]userStateLeaf, 0, len(u.latestUserStateLeaves))
	for attesterID, rep := range u.latestUserStateLeaves {
		leaves = append(leaves, userStateLeaf{AttesterID: attesterID, Reputation: rep})
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].AttesterID < leaves[j].AttesterID })

	return json.Marshal(&userStateJSON{
		IDNullifier:                  u.id.Nullifier,
		IDCommitment:                 u.id.Commitment(),
		HasSignedUp:                  u.hasSignedUp,
		LatestTransitionedEpoch:      u.latestTransitionedEpoch,
		LatestGSTLeafIndex:           u.latestGSTLeafIndex,
		LatestUserStateLeaves:        leaves,
		TransitionedFromAttestations: u.transitionedFromAttestations,
		UnirepState:                  u.unirepState,
	})
}
