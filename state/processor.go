package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/crypto"
	storeproviders "github.com/provideplatform/unirep/store/providers"
	"github.com/provideplatform/unirep/store/providers/sparse"
	"github.com/provideplatform/unirep/zkp/proofs"
	"github.com/provideplatform/unirep/zkp/providers"
)

// ErrEventOutOfOrder is returned when an event is older than the latest processed block
var ErrEventOutOfOrder = errors.New("event out of order")

// Rejection is the reason the mirror refused an event's effects; rejected events leave
// the accumulators unchanged and are not errors
type Rejection int

const (
	RejectNone Rejection = iota
	RejectStaleOrDuplicateNullifier
	RejectEpochMismatch
	RejectUnknownProofIndex
	RejectInvalidProof
	RejectUnknownGSTRoot
	RejectEpochKeyMismatch
	RejectAlreadySignedUp
	RejectMaxUsersReached
	RejectUnknownEpochTreeRoot
	RejectAttesterMismatch
	RejectDuplicateProofIndex
	RejectMalformedInput
)

var rejections = map[Rejection]string{
	RejectNone:                      "none",
	RejectStaleOrDuplicateNullifier: "stale or duplicate nullifier",
	RejectEpochMismatch:             "epoch mismatch",
	RejectUnknownProofIndex:         "unknown proof index",
	RejectInvalidProof:              "invalid proof",
	RejectUnknownGSTRoot:            "unknown global state tree root",
	RejectEpochKeyMismatch:          "epoch key mismatch",
	RejectAlreadySignedUp:           "already signed up",
	RejectMaxUsersReached:           "max users reached",
	RejectUnknownEpochTreeRoot:      "unknown epoch tree root",
	RejectAttesterMismatch:          "attester mismatch",
	RejectDuplicateProofIndex:       "duplicate proof index",
	RejectMalformedInput:            "malformed input",
}

func (r Rejection) String() string {
	if s, ok := rejections[r]; ok {
		return s
	}
	return fmt.Sprintf("rejection(%d)", int(r))
}

// MarshalText renders the rejection reason
func (r Rejection) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ApplyResult reports the outcome of applying one event
type ApplyResult struct {
	Event     Event     `json:"-"`
	Applied   bool      `json:"applied"`
	Skipped   bool      `json:"skipped"`
	Rejection Rejection `json:"rejection"`

	// Epoch is the epoch that was current when the event was processed
	Epoch uint64 `json:"epoch"`
}

// Rejected returns true if the event was processed but its effects were refused
func (r *ApplyResult) Rejected() bool {
	return !r.Skipped && r.Rejection != RejectNone
}

// proofCarrier is implemented by the events whose effects depend on a proof
type proofCarrier interface {
	proof() proofs.Proof
	proofIndex() uint64
}

func (e *EpochKeyProofSubmitted) proof() proofs.Proof       { return e.Proof }
func (e *SignUpProofSubmitted) proof() proofs.Proof         { return e.Proof }
func (e *ReputationNullifierSubmitted) proof() proofs.Proof { return e.Proof }
func (e *UserStateTransitioned) proof() proofs.Proof        { return e.Proof }

func (e *EpochKeyProofSubmitted) proofIndex() uint64       { return e.ProofIndex }
func (e *SignUpProofSubmitted) proofIndex() uint64         { return e.ProofIndex }
func (e *ReputationNullifierSubmitted) proofIndex() uint64 { return e.ProofIndex }
func (e *UserStateTransitioned) proofIndex() uint64        { return e.ProofIndex }

// Apply applies the event if it orders after every event already applied. Proof
// verification happens before the state is locked; the event's full effect set is
// then applied atomically, or not at all
func (s *UnirepState) Apply(ctx context.Context, ev Event) (*ApplyResult, error) {
	if ev == nil {
		return nil, errors.New("nil event")
	}

	s.mutex.RLock()
	err := s.checkOrder(ev)
	skip := s.cursor != nil && !s.cursor.Less(ev.Position())
	s.mutex.RUnlock()
	if skip {
		return &ApplyResult{Event: ev, Skipped: true}, nil
	}
	if err != nil {
		return nil, err
	}

	verified := true
	if carrier, ok := ev.(proofCarrier); ok {
		p := carrier.proof()
		if p == nil || isNilProof(p) {
			return nil, fmt.Errorf("%s event at block %d carries no proof", ev.Name(), ev.Position().Block)
		}
		verified, err = p.Verify(ctx, s.verifier)
		if err != nil {
			return nil, fmt.Errorf("failed to verify %s proof; %w", ev.Name(), err)
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cursor != nil && !s.cursor.Less(ev.Position()) {
		return &ApplyResult{Event: ev, Skipped: true}, nil
	}
	if err := s.checkOrder(ev); err != nil {
		return nil, err
	}

	epoch := s.currentEpoch
	rejection, err := s.apply(ev, verified)
	if err != nil {
		return nil, err
	}

	pos := ev.Position()
	s.cursor = &pos
	if pos.Block > s.latestProcessedBlock {
		s.latestProcessedBlock = pos.Block
	}

	if rejection != RejectNone {
		common.Log.Warningf("rejected effects of %s event at block %d log %d; %s", ev.Name(), pos.Block, pos.LogIndex, rejection)
	} else {
		common.Log.Debugf("applied %s event at block %d log %d", ev.Name(), pos.Block, pos.LogIndex)
	}

	return &ApplyResult{
		Event:     ev,
		Applied:   rejection == RejectNone,
		Rejection: rejection,
		Epoch:     epoch,
	}, nil
}

func isNilProof(p proofs.Proof) bool {
	switch v := p.(type) {
	case *proofs.EpochKeyProof:
		return v == nil
	case *proofs.SignUpProof:
		return v == nil
	case *proofs.ReputationProof:
		return v == nil
	case *proofs.UserTransitionProof:
		return v == nil
	}
	return false
}

func (s *UnirepState) checkOrder(ev Event) error {
	pos := ev.Position()
	if pos.Block < s.latestProcessedBlock {
		return fmt.Errorf("%w: %s event at block %d precedes latest processed block %d", ErrEventOutOfOrder, ev.Name(), pos.Block, s.latestProcessedBlock)
	}
	return nil
}

// ApplyBatch applies the events in order, stopping at the first error
func (s *UnirepState) ApplyBatch(ctx context.Context, evs []Event) ([]*ApplyResult, error) {
	results := make([]*ApplyResult, 0, len(evs))
	for _, ev := range evs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := s.Apply(ctx, ev)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// AdvanceBlock records that every event up to and including the block has been applied
func (s *UnirepState) AdvanceBlock(block uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if block > s.latestProcessedBlock {
		s.latestProcessedBlock = block
	}
}

func (s *UnirepState) apply(ev Event, verified bool) (Rejection, error) {
	if carrier, ok := ev.(proofCarrier); ok && carrier.proof().Malformed() {
		return s.applyMalformedProof(carrier)
	}

	switch e := ev.(type) {
	case *MalformedEvent:
		return RejectMalformedInput, nil
	case *UserSignedUp:
		return s.applyUserSignedUp(e)
	case *EpochKeyProofSubmitted:
		return s.applyIndexedProof(e.ProofIndex, e.Proof, e.Proof.Epoch(), e.Proof.EpochKey(), crypto.Zero, e.Proof.GlobalStateTree(), verified)
	case *SignUpProofSubmitted:
		return s.applyIndexedProof(e.ProofIndex, e.Proof, e.Proof.Epoch(), e.Proof.EpochKey(), e.Proof.AttesterID(), e.Proof.GlobalStateTree(), verified)
	case *ReputationNullifierSubmitted:
		return s.applyReputationNullifiers(e, verified)
	case *AttestationSubmitted:
		return s.applyAttestation(e)
	case *EpochEnded:
		return s.applyEpochEnded(e)
	case *UserStateTransitioned:
		return s.applyUserStateTransitioned(e, verified)
	}
	return RejectNone, fmt.Errorf("unsupported event %T", ev)
}

func (s *UnirepState) isCurrentEpoch(epoch crypto.Element) bool {
	e, ok := epoch.Uint64()
	return ok && e == s.currentEpoch
}

func (s *UnirepState) epochKeyInRange(epochKey crypto.Element) bool {
	return epochKey.BitLen() <= s.settings.EpochTreeDepth
}

func (s *UnirepState) attesterInRange(attesterID crypto.Element) bool {
	id, ok := attesterID.Uint64()
	return ok && id > 0 && id <= uint64(s.settings.MaxAttesters) && attesterID.BitLen() <= s.settings.UserStateTreeDepth
}

// insertGSTLeaf inserts into the current epoch's GST and appends the new root to its history
func (s *UnirepState) insertGSTLeaf(leaf crypto.Element) (int, error) {
	tree := s.gsts[s.currentEpoch]
	root, err := tree.Insert(leaf)
	if err != nil {
		return 0, fmt.Errorf("failed to insert GST leaf in epoch %d; %w", s.currentEpoch, err)
	}
	s.rootHistory[s.currentEpoch] = append(s.rootHistory[s.currentEpoch], root)
	common.Log.Debugf("inserted GST leaf %s in epoch %d; root: %s", leaf, s.currentEpoch, root)
	return tree.Length() - 1, nil
}

// initUserStateRoot returns the user state root a sign-up commits to
func (s *UnirepState) initUserStateRoot(attesterID uint64, airdrop crypto.Element) (crypto.Element, error) {
	if attesterID == 0 || airdrop.IsZero() {
		return s.emptyUserStateRoot, nil
	}

	ust := sparse.NewSparseTree(s.settings.UserStateTreeDepth, DefaultReputation().Hash())
	rep := Reputation{PosRep: airdrop, SignUp: crypto.ElementFromUint64(1)}
	return ust.Update(crypto.ElementFromUint64(attesterID), rep.Hash())
}

func (s *UnirepState) applyUserSignedUp(e *UserSignedUp) (Rejection, error) {
	if e.Epoch != s.currentEpoch {
		return RejectEpochMismatch, nil
	}

	for _, rec := range s.signUps {
		if rec.Epoch == s.currentEpoch && rec.IdentityCommitment == e.IdentityCommitment {
			return RejectAlreadySignedUp, nil
		}
	}

	if len(s.signUps) >= s.settings.MaxUsers {
		return RejectMaxUsersReached, nil
	}

	if e.AttesterID > 0 && !s.attesterInRange(crypto.ElementFromUint64(e.AttesterID)) {
		return RejectAttesterMismatch, nil
	}

	ustRoot, err := s.initUserStateRoot(e.AttesterID, e.AirdropAmount)
	if err != nil {
		return RejectNone, err
	}

	leaf := crypto.HashLeftRight(e.IdentityCommitment, ustRoot)
	index, err := s.insertGSTLeaf(leaf)
	if err != nil {
		return RejectNone, err
	}

	s.signUps = append(s.signUps, &SignUpRecord{
		Epoch:              s.currentEpoch,
		IdentityCommitment: e.IdentityCommitment,
		AttesterID:         e.AttesterID,
		AirdropAmount:      e.AirdropAmount,
		GSTLeaf:            leaf,
		GSTLeafIndex:       index,
	})
	return RejectNone, nil
}

// applyMalformedProof takes the proof index so later attestations against it are refused
// as invalid rather than unknown
func (s *UnirepState) applyMalformedProof(carrier proofCarrier) (Rejection, error) {
	index := carrier.proofIndex()
	if _, ok := s.proofs[index]; ok {
		return RejectDuplicateProofIndex, nil
	}

	s.recordProof(index, carrier.proof(), crypto.ElementFromUint64(s.currentEpoch), crypto.Zero, crypto.Zero, false)
	return RejectMalformedInput, nil
}

func (s *UnirepState) recordProof(index uint64, p proofs.Proof, epoch, epochKey, attesterID crypto.Element, valid bool) {
	e, _ := epoch.Uint64()
	s.proofs[index] = &ProofRecord{
		Index:      index,
		Hash:       p.Hash(),
		Circuit:    p.Circuit(),
		Epoch:      e,
		EpochKey:   epochKey,
		AttesterID: attesterID,
		Valid:      valid,
	}
}

// applyIndexedProof records an epoch key or sign-up proof; the record is valid only when
// the proof belongs to the current epoch, references a known GST root and verifies
func (s *UnirepState) applyIndexedProof(index uint64, p proofs.Proof, epoch, epochKey, attesterID, gstRoot crypto.Element, verified bool) (Rejection, error) {
	if _, ok := s.proofs[index]; ok {
		return RejectDuplicateProofIndex, nil
	}

	rejection := RejectNone
	switch {
	case !s.isCurrentEpoch(epoch):
		rejection = RejectEpochMismatch
	case !s.epochKeyInRange(epochKey):
		rejection = RejectEpochKeyMismatch
	case !s.gstRootExists(gstRoot, s.currentEpoch):
		rejection = RejectUnknownGSTRoot
	case !verified:
		rejection = RejectInvalidProof
	}

	s.recordProof(index, p, epoch, epochKey, attesterID, rejection == RejectNone)
	return rejection, nil
}

func (s *UnirepState) applyReputationNullifiers(e *ReputationNullifierSubmitted, verified bool) (Rejection, error) {
	if _, ok := s.proofs[e.ProofIndex]; ok {
		return RejectDuplicateProofIndex, nil
	}

	p := e.Proof
	rejection := s.validateReputationNullifiers(p, verified)
	s.recordProof(e.ProofIndex, p, p.Epoch(), p.EpochKey(), p.AttesterID(), rejection == RejectNone)
	if rejection != RejectNone {
		return rejection, nil
	}

	if err := s.nullifiers.Add(p.SpentNullifiers()...); err != nil {
		return RejectNone, err
	}

	s.appendAttestation(p.EpochKey(), Attestation{
		AttesterID: p.AttesterID(),
		PosRep:     crypto.Zero,
		NegRep:     p.ProveReputationAmount(),
		Graffiti:   crypto.Zero,
		SignUp:     crypto.Zero,
		ProofIndex: e.ProofIndex,
	})
	return RejectNone, nil
}

func (s *UnirepState) validateReputationNullifiers(p *proofs.ReputationProof, verified bool) Rejection {
	if !s.isCurrentEpoch(p.Epoch()) {
		return RejectEpochMismatch
	}
	if !s.epochKeyInRange(p.EpochKey()) {
		return RejectEpochKeyMismatch
	}
	if !s.attesterInRange(p.AttesterID()) {
		return RejectAttesterMismatch
	}
	if !s.gstRootExists(p.GlobalStateTree(), s.currentEpoch) {
		return RejectUnknownGSTRoot
	}
	if s.anySpent(p.SpentNullifiers()) {
		return RejectStaleOrDuplicateNullifier
	}
	if !verified {
		return RejectInvalidProof
	}
	return RejectNone
}

// anySpent returns true if any nullifier is already registered or repeats within the set
func (s *UnirepState) anySpent(nullifiers []crypto.Element) bool {
	seen := make(map[crypto.Element]struct{}, len(nullifiers))
	for _, n := range nullifiers {
		if n.IsZero() {
			continue
		}
		if _, dup := seen[n]; dup || s.nullifiers.Contains(n) {
			return true
		}
		seen[n] = struct{}{}
	}
	return false
}

func (s *UnirepState) appendAttestation(epochKey crypto.Element, att Attestation) {
	atts := s.attestations[s.currentEpoch]
	if _, ok := atts[epochKey]; !ok {
		s.epochKeys[s.currentEpoch] = append(s.epochKeys[s.currentEpoch], epochKey)
	}
	atts[epochKey] = append(atts[epochKey], att)
}

func (s *UnirepState) applyAttestation(e *AttestationSubmitted) (Rejection, error) {
	if e.Epoch != s.currentEpoch {
		return RejectEpochMismatch, nil
	}

	to, ok := s.proofs[e.ToProofIndex]
	if !ok {
		return RejectUnknownProofIndex, nil
	}
	if !to.Valid {
		return RejectInvalidProof, nil
	}
	if to.Epoch != s.currentEpoch {
		return RejectEpochMismatch, nil
	}
	if to.EpochKey != e.EpochKey {
		return RejectEpochKeyMismatch, nil
	}

	if !s.attesterInRange(e.Attestation.AttesterID) {
		return RejectAttesterMismatch, nil
	}

	if e.FromProofIndex != 0 {
		from, ok := s.proofs[e.FromProofIndex]
		if !ok {
			return RejectUnknownProofIndex, nil
		}
		if !from.Valid {
			return RejectInvalidProof, nil
		}
		if from.Epoch != s.currentEpoch {
			return RejectEpochMismatch, nil
		}
		if from.Circuit == providers.CircuitProveReputation && from.AttesterID != e.Attestation.AttesterID {
			return RejectAttesterMismatch, nil
		}
	}

	att := e.Attestation
	att.ProofIndex = e.ToProofIndex
	s.appendAttestation(e.EpochKey, att)
	return RejectNone, nil
}

func (s *UnirepState) applyEpochEnded(e *EpochEnded) (Rejection, error) {
	if e.Epoch != s.currentEpoch {
		return RejectEpochMismatch, nil
	}

	tree := sparse.NewSparseTree(s.settings.EpochTreeDepth, crypto.SealHashChain(crypto.Zero))
	leaves := make([]EpochTreeLeaf, 0, len(s.epochKeys[s.currentEpoch]))
	for _, epochKey := range s.epochKeys[s.currentEpoch] {
		sealed := crypto.SealHashChain(HashChain(s.attestations[s.currentEpoch][epochKey]))
		if _, err := tree.Update(epochKey, sealed); err != nil {
			return RejectNone, fmt.Errorf("failed to seal epoch key %s in epoch %d; %w", epochKey, s.currentEpoch, err)
		}
		leaves = append(leaves, EpochTreeLeaf{EpochKey: epochKey, HashchainResult: sealed})
	}

	s.epochTrees[s.currentEpoch] = tree
	s.epochTreeLeaves[s.currentEpoch] = leaves
	common.Log.Debugf("sealed epoch %d with %d epoch keys; epoch tree root: %s", s.currentEpoch, len(leaves), tree.Root())

	s.currentEpoch++
	s.openEpoch(s.currentEpoch)
	return RejectNone, nil
}

func (s *UnirepState) applyUserStateTransitioned(e *UserStateTransitioned, verified bool) (Rejection, error) {
	if _, ok := s.proofs[e.ProofIndex]; ok {
		return RejectDuplicateProofIndex, nil
	}

	p := e.Proof
	fromEpoch := p.TransitionFromEpoch()
	rejection := s.validateTransition(e, verified)
	if rejection != RejectNone {
		s.recordProof(e.ProofIndex, p, fromEpoch, crypto.Zero, crypto.Zero, false)
		return rejection, nil
	}

	if tree := s.gsts[s.currentEpoch]; tree.Length() >= 1<<s.settings.GlobalStateTreeDepth {
		return RejectNone, fmt.Errorf("failed to insert GST leaf in epoch %d; %w", s.currentEpoch, storeproviders.ErrCapacityExceeded)
	}

	if err := s.nullifiers.Add(p.EpochKeyNullifiers()...); err != nil {
		return RejectNone, err
	}
	s.recordProof(e.ProofIndex, p, fromEpoch, crypto.Zero, crypto.Zero, true)

	index, err := s.insertGSTLeaf(p.NewGlobalStateTreeLeaf())
	if err != nil {
		return RejectNone, err
	}

	from, _ := fromEpoch.Uint64()
	s.transitions = append(s.transitions, &TransitionRecord{
		ToEpoch:            s.currentEpoch,
		FromEpoch:          from,
		ProofIndex:         e.ProofIndex,
		NewGSTLeaf:         p.NewGlobalStateTreeLeaf(),
		GSTLeafIndex:       index,
		EpochKeyNullifiers: append([]crypto.Element{}, p.EpochKeyNullifiers()...),
		BlindedUserStates:  append([]crypto.Element{}, p.BlindedUserStates()...),
		BlindedHashChains:  append([]crypto.Element{}, p.BlindedHashChains()...),
	})
	return RejectNone, nil
}

func (s *UnirepState) validateTransition(e *UserStateTransitioned, verified bool) Rejection {
	p := e.Proof
	if e.Epoch != s.currentEpoch {
		return RejectEpochMismatch
	}

	from, ok := p.TransitionFromEpoch().Uint64()
	if !ok || from == 0 || from >= s.currentEpoch {
		return RejectEpochMismatch
	}
	if !s.gstRootExists(p.FromGlobalStateTree(), from) {
		return RejectUnknownGSTRoot
	}
	if tree, ok := s.epochTrees[from]; !ok || tree.Root() != p.FromEpochTree() {
		return RejectUnknownEpochTreeRoot
	}
	if s.anySpent(p.EpochKeyNullifiers()) {
		return RejectStaleOrDuplicateNullifier
	}
	if !verified {
		return RejectInvalidProof
	}
	return RejectNone
}
