package state

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/store/providers/sparse"
	"github.com/provideplatform/unirep/zkp/proofs"
	"github.com/provideplatform/unirep/zkp/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// proofs whose first word is badProof fail verification
var badProof = big.NewInt(666)

func proofWords(valid bool) []*big.Int {
	out := make([]*big.Int, providers.ProofLength)
	for i := range out {
		out[i] = big.NewInt(int64(i + 1))
	}
	if !valid {
		out[0] = badProof
	}
	return out
}

var fakeVerifier = providers.VerifierFunc(func(ctx context.Context, circuit string, signals []crypto.Element, proof []*big.Int) (bool, error) {
	return proof[0].Cmp(badProof) != 0, nil
})

type harness struct {
	t     *testing.T
	state *UnirepState
	block uint64
	log   uint
}

func newHarness(t *testing.T) *harness {
	s, err := NewUnirepState(common.DefaultSettings(), fakeVerifier)
	require.NoError(t, err)
	return &harness{t: t, state: s, block: 1}
}

func (h *harness) meta() Meta {
	m := Meta{BlockNumber: h.block, LogIndex: h.log}
	h.log++
	return m
}

func (h *harness) nextBlock() {
	h.block++
	h.log = 0
}

func (h *harness) apply(ev Event) *ApplyResult {
	res, err := h.state.Apply(context.Background(), ev)
	require.NoError(h.t, err)
	return res
}

func (h *harness) signUp(commitment crypto.Element, attesterID, airdrop uint64) *ApplyResult {
	return h.apply(&UserSignedUp{
		Meta:               h.meta(),
		Epoch:              h.state.CurrentEpoch(),
		IdentityCommitment: commitment,
		AttesterID:         attesterID,
		AirdropAmount:      crypto.ElementFromUint64(airdrop),
	})
}

func (h *harness) latestRoot() crypto.Element {
	history := h.state.GSTRootHistory(h.state.CurrentEpoch())
	require.NotEmpty(h.t, history)
	return history[len(history)-1]
}

func (h *harness) epochKeyProof(index uint64, epochKey, gstRoot crypto.Element, valid bool) *ApplyResult {
	settings := h.state.Settings()
	p, err := proofs.NewEpochKeyProof(settings, []crypto.Element{gstRoot, crypto.ElementFromUint64(h.state.CurrentEpoch()), epochKey}, proofWords(valid))
	require.NoError(h.t, err)
	return h.apply(&EpochKeyProofSubmitted{Meta: h.meta(), ProofIndex: index, Proof: p})
}

func (h *harness) reputationProof(epoch uint64, epochKey, gstRoot crypto.Element, attesterID uint64, nullifiers []crypto.Element, valid bool) *proofs.ReputationProof {
	settings := h.state.Settings()
	b := settings.MaxReputationBudget
	signals := make([]crypto.Element, proofs.ReputationProofSignals(settings))
	copy(signals, nullifiers)
	signals[b] = crypto.ElementFromUint64(epoch)
	signals[b+1] = epochKey
	signals[b+2] = gstRoot
	signals[b+3] = crypto.ElementFromUint64(attesterID)
	signals[b+4] = crypto.ElementFromUint64(uint64(len(nullifiers)))

	p, err := proofs.NewReputationProof(settings, signals, proofWords(valid))
	require.NoError(h.t, err)
	return p
}

func (h *harness) spend(index uint64, p *proofs.ReputationProof) *ApplyResult {
	return h.apply(&ReputationNullifierSubmitted{Meta: h.meta(), ProofIndex: index, Proof: p})
}

func (h *harness) attest(epochKey crypto.Element, attesterID, posRep uint64, toProofIndex, fromProofIndex uint64) *ApplyResult {
	return h.apply(&AttestationSubmitted{
		Meta:           h.meta(),
		Epoch:          h.state.CurrentEpoch(),
		EpochKey:       epochKey,
		Attestation:    NewAttestation(attesterID, posRep, 0, crypto.Zero, 0),
		ToProofIndex:   toProofIndex,
		FromProofIndex: fromProofIndex,
	})
}

func (h *harness) endEpoch() *ApplyResult {
	return h.apply(&EpochEnded{Meta: h.meta(), Epoch: h.state.CurrentEpoch()})
}

// naiveRoot hashes the full leaf layer of a tree pairwise up to the root
func naiveRoot(leaves []crypto.Element, zero crypto.Element, depth int) crypto.Element {
	layer := make([]crypto.Element, 1<<depth)
	for i := range layer {
		layer[i] = zero
	}
	copy(layer, leaves)

	for len(layer) > 1 {
		next := make([]crypto.Element, len(layer)/2)
		for i := range next {
			next[i] = crypto.HashLeftRight(layer[2*i], layer[2*i+1])
		}
		layer = next
	}
	return layer[0]
}

func commitments(n int) []crypto.Element {
	out := make([]crypto.Element, n)
	for i := range out {
		id, _ := crypto.NewIdentity()
		out[i] = id.Commitment()
	}
	return out
}

func TestSignUpUpToMaxUsers(t *testing.T) {
	h := newHarness(t)
	settings := h.state.Settings()
	users := commitments(settings.MaxUsers + 1)

	leaves := make([]crypto.Element, 0)
	for i := 0; i < settings.MaxUsers; i++ {
		res := h.signUp(users[i], 0, 0)
		require.True(t, res.Applied)

		leaves = append(leaves, crypto.HashLeftRight(users[i], h.state.EmptyUserStateRoot()))
		assert.Equal(t, naiveRoot(leaves, h.state.GSTZeroLeaf(), settings.GlobalStateTreeDepth), h.latestRoot())
		h.nextBlock()
	}

	before := h.state.Snapshot()
	rootBefore := h.latestRoot()

	res := h.signUp(users[settings.MaxUsers], 0, 0)
	assert.False(t, res.Applied)
	assert.Equal(t, RejectMaxUsersReached, res.Rejection)
	assert.Equal(t, rootBefore, h.latestRoot())
	assert.Equal(t, settings.MaxUsers, h.state.NumSignUps())
	assert.Equal(t, before.GSTLeaves, h.state.Snapshot().GSTLeaves)
}

func TestSignUpRejections(t *testing.T) {
	h := newHarness(t)
	user := commitments(1)[0]

	require.True(t, h.signUp(user, 0, 0).Applied)

	res := h.signUp(user, 0, 0)
	assert.Equal(t, RejectAlreadySignedUp, res.Rejection)

	res = h.apply(&UserSignedUp{Meta: h.meta(), Epoch: 7, IdentityCommitment: commitments(1)[0]})
	assert.Equal(t, RejectEpochMismatch, res.Rejection)
	assert.Equal(t, 1, h.state.NumSignUps())
}

func TestGSTRootExists(t *testing.T) {
	h := newHarness(t)
	for _, c := range commitments(4) {
		require.True(t, h.signUp(c, 0, 0).Applied)
	}

	epochOneHistory := h.state.GSTRootHistory(1)
	require.Len(t, epochOneHistory, 4)
	for _, root := range epochOneHistory {
		assert.True(t, h.state.GSTRootExists(root, 1))
	}
	assert.False(t, h.state.GSTRootExists(crypto.ElementFromUint64(42), 1))

	require.True(t, h.endEpoch().Applied)
	h.nextBlock()
	for _, c := range commitments(2) {
		require.True(t, h.signUp(c, 0, 0).Applied)
	}

	for _, root := range epochOneHistory {
		assert.False(t, h.state.GSTRootExists(root, 2))
		assert.True(t, h.state.GSTRootExists(root, 1))
	}
	for _, root := range h.state.GSTRootHistory(2) {
		assert.True(t, h.state.GSTRootExists(root, 2))
		assert.False(t, h.state.GSTRootExists(root, 1))
	}
}

func TestAirdropSignUp(t *testing.T) {
	h := newHarness(t)
	settings := h.state.Settings()
	users := commitments(2)

	require.True(t, h.signUp(users[0], 1, 10).Applied)
	require.True(t, h.signUp(users[1], 0, 0).Applied)

	ust := sparse.NewSparseTree(settings.UserStateTreeDepth, DefaultReputation().Hash())
	airdropRoot, err := ust.Update(crypto.ElementFromUint64(1), NewReputation(10, 0, 0, 1).Hash())
	require.NoError(t, err)

	leaves := h.state.GetGSTLeaves(1)
	require.Len(t, leaves, 2)
	assert.Equal(t, crypto.HashLeftRight(users[0], airdropRoot), leaves[0])
	assert.Equal(t, crypto.HashLeftRight(users[1], h.state.EmptyUserStateRoot()), leaves[1])
}

func TestReputationSpend(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.signUp(commitments(1)[0], 1, 10).Applied)
	h.nextBlock()

	epochKey := crypto.ElementFromUint64(3)
	nullifiers := []crypto.Element{crypto.ElementFromUint64(1001), crypto.ElementFromUint64(1002)}

	t.Run("valid spend records an attestation", func(t *testing.T) {
		res := h.spend(1, h.reputationProof(1, epochKey, h.latestRoot(), 1, nullifiers, true))
		require.True(t, res.Applied)

		atts := h.state.GetAttestations(epochKey)
		require.Len(t, atts, 1)
		assert.Equal(t, crypto.ElementFromUint64(2), atts[0].NegRep)
		assert.Equal(t, uint64(1), atts[0].ProofIndex)
		for _, n := range nullifiers {
			assert.True(t, h.state.NullifierExist(n))
		}
	})

	t.Run("attestation to the spend's proof index", func(t *testing.T) {
		res := h.attest(epochKey, 1, 5, 1, 0)
		require.True(t, res.Applied)
		atts := h.state.GetAttestations(epochKey)
		require.Len(t, atts, 2)
		assert.Equal(t, crypto.ElementFromUint64(5), atts[1].PosRep)
	})

	t.Run("duplicate nullifiers are rejected", func(t *testing.T) {
		otherKey := crypto.ElementFromUint64(4)
		res := h.spend(2, h.reputationProof(1, otherKey, h.latestRoot(), 1, nullifiers[:1], true))
		assert.Equal(t, RejectStaleOrDuplicateNullifier, res.Rejection)
		assert.Empty(t, h.state.GetAttestations(otherKey))
		assert.True(t, h.state.NullifierExist(nullifiers[0]))

		res = h.attest(otherKey, 1, 5, 2, 0)
		assert.Equal(t, RejectInvalidProof, res.Rejection)
		assert.Empty(t, h.state.GetAttestations(otherKey))
	})

	t.Run("repeated nullifier within one proof is rejected", func(t *testing.T) {
		n := crypto.ElementFromUint64(2001)
		res := h.spend(3, h.reputationProof(1, crypto.ElementFromUint64(5), h.latestRoot(), 1, []crypto.Element{n, n}, true))
		assert.Equal(t, RejectStaleOrDuplicateNullifier, res.Rejection)
		assert.False(t, h.state.NullifierExist(n))
	})

	t.Run("invalid proof is rejected", func(t *testing.T) {
		n := crypto.ElementFromUint64(3001)
		res := h.spend(4, h.reputationProof(1, crypto.ElementFromUint64(6), h.latestRoot(), 1, []crypto.Element{n}, false))
		assert.Equal(t, RejectInvalidProof, res.Rejection)
		assert.False(t, h.state.NullifierExist(n))
		assert.Empty(t, h.state.GetAttestations(crypto.ElementFromUint64(6)))
	})

	t.Run("unknown GST root is rejected", func(t *testing.T) {
		n := crypto.ElementFromUint64(4001)
		res := h.spend(5, h.reputationProof(1, crypto.ElementFromUint64(7), crypto.ElementFromUint64(99), 1, []crypto.Element{n}, true))
		assert.Equal(t, RejectUnknownGSTRoot, res.Rejection)
		assert.False(t, h.state.NullifierExist(n))
	})

	t.Run("wrong epoch is rejected regardless of validity", func(t *testing.T) {
		for i, valid := range []bool{true, false} {
			n := crypto.ElementFromUint64(uint64(5001 + i))
			res := h.spend(uint64(6+i), h.reputationProof(2, crypto.ElementFromUint64(8), h.latestRoot(), 1, []crypto.Element{n}, valid))
			assert.Equal(t, RejectEpochMismatch, res.Rejection)
			assert.False(t, h.state.NullifierExist(n))
		}
	})

	t.Run("unknown proof index", func(t *testing.T) {
		res := h.attest(crypto.ElementFromUint64(9), 1, 1, 100, 0)
		assert.Equal(t, RejectUnknownProofIndex, res.Rejection)
	})
}

func TestAttestationToInvalidProofIndex(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.signUp(commitments(1)[0], 0, 0).Applied)

	epochKey := crypto.ElementFromUint64(2)
	res := h.epochKeyProof(1, epochKey, h.latestRoot(), false)
	assert.Equal(t, RejectInvalidProof, res.Rejection)

	assert.Empty(t, h.state.GetAttestations(epochKey))
	res = h.attest(epochKey, 1, 3, 1, 0)
	assert.Equal(t, RejectInvalidProof, res.Rejection)
	assert.Empty(t, h.state.GetAttestations(epochKey))

	rec, ok := h.state.GetProof(1)
	require.True(t, ok)
	assert.False(t, rec.Valid)
}

func TestAttestationChecksEpochKey(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.signUp(commitments(1)[0], 0, 0).Applied)

	require.True(t, h.epochKeyProof(1, crypto.ElementFromUint64(2), h.latestRoot(), true).Applied)
	res := h.attest(crypto.ElementFromUint64(3), 1, 3, 1, 0)
	assert.Equal(t, RejectEpochKeyMismatch, res.Rejection)

	res = h.attest(crypto.ElementFromUint64(2), 0, 3, 1, 0)
	assert.Equal(t, RejectAttesterMismatch, res.Rejection)

	res = h.attest(crypto.ElementFromUint64(2), 1, 3, 1, 0)
	assert.True(t, res.Applied)
	assert.Len(t, h.state.GetAttestations(crypto.ElementFromUint64(2)), 1)
}

func TestAttesterAboveMaxAttesters(t *testing.T) {
	settings := common.DefaultSettings()
	settings.MaxAttesters = 3
	s, err := NewUnirepState(settings, fakeVerifier)
	require.NoError(t, err)
	h := &harness{t: t, state: s, block: 1}

	assert.Equal(t, RejectAttesterMismatch, h.signUp(commitments(2)[1], 4, 10).Rejection)
	require.True(t, h.signUp(commitments(1)[0], 3, 10).Applied)

	epochKey := crypto.ElementFromUint64(2)
	require.True(t, h.epochKeyProof(1, epochKey, h.latestRoot(), true).Applied)

	res := h.attest(epochKey, 4, 3, 1, 0)
	assert.Equal(t, RejectAttesterMismatch, res.Rejection)
	assert.Empty(t, h.state.GetAttestations(epochKey))

	res = h.attest(epochKey, 3, 3, 1, 0)
	assert.True(t, res.Applied)
	assert.Len(t, h.state.GetAttestations(epochKey), 1)
}

func TestMaxAttestersMustFitUserStateTree(t *testing.T) {
	settings := common.DefaultSettings()
	settings.MaxAttesters = 1 << settings.UserStateTreeDepth
	_, err := NewUnirepState(settings, fakeVerifier)
	assert.Error(t, err)

	settings.MaxAttesters = 0
	_, err = NewUnirepState(settings, fakeVerifier)
	assert.Error(t, err)
}

func TestMalformedProofTakesItsIndex(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.signUp(commitments(1)[0], 0, 0).Applied)

	settings := h.state.Settings()
	raw := []*big.Int{h.latestRoot().BigInt(), crypto.Modulus(), big.NewInt(2)}
	p, err := proofs.EpochKeyProofFromWords(settings, raw, proofWords(true))
	require.NoError(t, err)
	require.True(t, p.Malformed())

	called := false
	h.state.verifier = providers.VerifierFunc(func(ctx context.Context, circuit string, signals []crypto.Element, proof []*big.Int) (bool, error) {
		called = true
		return true, nil
	})

	res := h.apply(&EpochKeyProofSubmitted{Meta: h.meta(), ProofIndex: 1, Proof: p})
	assert.False(t, res.Applied)
	assert.Equal(t, RejectMalformedInput, res.Rejection)
	assert.False(t, called)

	rec, ok := h.state.GetProof(1)
	require.True(t, ok)
	assert.False(t, rec.Valid)
	assert.Equal(t, p.Hash(), rec.Hash)
	assert.Equal(t, h.state.CurrentEpoch(), rec.Epoch)

	h.nextBlock()
	res = h.apply(&EpochKeyProofSubmitted{Meta: h.meta(), ProofIndex: 1, Proof: p})
	assert.Equal(t, RejectDuplicateProofIndex, res.Rejection)

	res = h.attest(crypto.ElementFromUint64(2), 1, 3, 1, 0)
	assert.Equal(t, RejectInvalidProof, res.Rejection)
	assert.Empty(t, h.state.GetAttestations(crypto.ElementFromUint64(2)))
}

func TestMalformedEventAdvancesTheCursor(t *testing.T) {
	h := newHarness(t)
	h.block = 5

	res := h.apply(&MalformedEvent{Meta: h.meta(), Event: EventUserSignedUp, Reason: "identity commitment not in field"})
	assert.False(t, res.Applied)
	assert.True(t, res.Rejected())
	assert.Equal(t, RejectMalformedInput, res.Rejection)

	require.NotNil(t, h.state.Cursor())
	assert.Equal(t, Position{Block: 5, LogIndex: 0}, *h.state.Cursor())
	assert.Equal(t, uint64(5), h.state.LatestProcessedBlock())
	assert.Equal(t, 0, h.state.NumSignUps())

	res = h.apply(&MalformedEvent{Meta: Meta{BlockNumber: 5}, Event: EventUserSignedUp})
	assert.True(t, res.Skipped)

	assert.True(t, h.signUp(commitments(1)[0], 0, 0).Applied)
}

func TestNullifierReadsWaitForWriters(t *testing.T) {
	h := newHarness(t)
	nullifier := crypto.ElementFromUint64(42)

	reads := map[string]func(){
		"exist": func() { h.state.NullifierExist(nullifier) },
		"root":  func() { h.state.NullifierRoot() },
	}
	for name, read := range reads {
		t.Run(name, func(t *testing.T) {
			h.state.mutex.Lock()
			done := make(chan struct{})
			go func() {
				read()
				close(done)
			}()

			select {
			case <-done:
				h.state.mutex.Unlock()
				t.Fatal("read completed while the state was write locked")
			case <-time.After(50 * time.Millisecond):
			}

			h.state.mutex.Unlock()
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("read did not complete after the write lock was released")
			}
		})
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ev := &UserSignedUp{Meta: h.meta(), Epoch: 1, IdentityCommitment: commitments(1)[0]}

	require.True(t, h.apply(ev).Applied)
	res := h.apply(ev)
	assert.True(t, res.Skipped)
	assert.False(t, res.Applied)
	assert.Equal(t, 1, h.state.NumSignUps())

	h.nextBlock()
	h.nextBlock()
	require.True(t, h.signUp(commitments(1)[0], 0, 0).Applied)

	res, err := h.state.Apply(context.Background(), &UserSignedUp{
		Meta:               Meta{BlockNumber: 2, LogIndex: 0},
		Epoch:              1,
		IdentityCommitment: commitments(1)[0],
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 2, h.state.NumSignUps())
}

func TestAdvanceBlock(t *testing.T) {
	h := newHarness(t)
	h.state.AdvanceBlock(50)
	assert.Equal(t, uint64(50), h.state.LatestProcessedBlock())
	h.state.AdvanceBlock(10)
	assert.Equal(t, uint64(50), h.state.LatestProcessedBlock())

	_, err := h.state.Apply(context.Background(), &EpochEnded{Meta: Meta{BlockNumber: 49}, Epoch: 1})
	assert.ErrorIs(t, err, ErrEventOutOfOrder)
}

func TestVerifierErrorPropagates(t *testing.T) {
	failing := providers.VerifierFunc(func(ctx context.Context, circuit string, signals []crypto.Element, proof []*big.Int) (bool, error) {
		return false, errors.New("verifier unavailable")
	})
	s, err := NewUnirepState(common.DefaultSettings(), failing)
	require.NoError(t, err)

	p, err := proofs.NewEpochKeyProof(s.Settings(), []crypto.Element{crypto.Zero, crypto.ElementFromUint64(1), crypto.ElementFromUint64(1)}, proofWords(true))
	require.NoError(t, err)

	_, err = s.Apply(context.Background(), &EpochKeyProofSubmitted{Meta: Meta{BlockNumber: 1}, ProofIndex: 1, Proof: p})
	assert.Error(t, err)
	assert.Nil(t, s.Cursor())
	_, ok := s.GetProof(1)
	assert.False(t, ok)
}

func transitionProof(t *testing.T, settings *common.Settings, newLeaf crypto.Element, nullifiers []crypto.Element, fromEpoch uint64, fromGST, fromEpochTree crypto.Element, valid bool) *proofs.UserTransitionProof {
	n := settings.NumEpochKeyNoncePerEpoch
	signals := make([]crypto.Element, proofs.UserTransitionProofSignals(settings))
	signals[0] = newLeaf
	copy(signals[1:1+n], nullifiers)
	signals[1+n] = crypto.ElementFromUint64(fromEpoch)
	signals[4+n] = fromGST
	signals[5+2*n] = fromEpochTree

	p, err := proofs.NewUserTransitionProof(settings, signals, proofWords(valid))
	require.NoError(t, err)
	return p
}

func TestEpochTransition(t *testing.T) {
	h := newHarness(t)
	settings := h.state.Settings()
	require.True(t, h.signUp(commitments(1)[0], 0, 0).Applied)
	fromGST := h.latestRoot()

	epochKey := crypto.ElementFromUint64(5)
	require.True(t, h.epochKeyProof(1, epochKey, fromGST, true).Applied)
	require.True(t, h.attest(epochKey, 1, 3, 1, 0).Applied)
	require.True(t, h.attest(epochKey, 2, 4, 1, 0).Applied)
	atts := h.state.GetAttestations(epochKey)

	require.True(t, h.endEpoch().Applied)
	assert.Equal(t, uint64(2), h.state.CurrentEpoch())
	assert.Empty(t, h.state.GetAttestations(epochKey))
	assert.Len(t, h.state.GetAttestationsInEpoch(1, epochKey), 2)

	sealed := crypto.SealHashChain(crypto.HashChain(atts[1].Hash(), crypto.HashChain(atts[0].Hash(), crypto.Zero)))
	leaves := h.state.GetEpochTreeLeaves(1)
	require.Len(t, leaves, 1)
	assert.Equal(t, sealed, leaves[0].HashchainResult)

	epochTree, err := h.state.GenEpochTree(1)
	require.NoError(t, err)
	assert.True(t, h.state.EpochTreeRootExists(epochTree.Root(), 1))

	nullifiers := []crypto.Element{crypto.ElementFromUint64(71), crypto.ElementFromUint64(72), crypto.ElementFromUint64(73)}
	newLeaf := crypto.ElementFromUint64(777)

	h.nextBlock()
	res := h.apply(&UserStateTransitioned{Meta: h.meta(), Epoch: 2, ProofIndex: 2,
		Proof: transitionProof(t, settings, newLeaf, nullifiers, 1, fromGST, crypto.ElementFromUint64(1), true)})
	assert.Equal(t, RejectUnknownEpochTreeRoot, res.Rejection)

	res = h.apply(&UserStateTransitioned{Meta: h.meta(), Epoch: 2, ProofIndex: 3,
		Proof: transitionProof(t, settings, newLeaf, nullifiers, 1, crypto.ElementFromUint64(1), epochTree.Root(), true)})
	assert.Equal(t, RejectUnknownGSTRoot, res.Rejection)

	res = h.apply(&UserStateTransitioned{Meta: h.meta(), Epoch: 2, ProofIndex: 4,
		Proof: transitionProof(t, settings, newLeaf, nullifiers, 2, fromGST, epochTree.Root(), true)})
	assert.Equal(t, RejectEpochMismatch, res.Rejection)

	res = h.apply(&UserStateTransitioned{Meta: h.meta(), Epoch: 2, ProofIndex: 5,
		Proof: transitionProof(t, settings, newLeaf, nullifiers, 1, fromGST, epochTree.Root(), false)})
	assert.Equal(t, RejectInvalidProof, res.Rejection)
	assert.Empty(t, h.state.GetGSTLeaves(2))

	res = h.apply(&UserStateTransitioned{Meta: h.meta(), Epoch: 2, ProofIndex: 6,
		Proof: transitionProof(t, settings, newLeaf, nullifiers, 1, fromGST, epochTree.Root(), true)})
	require.True(t, res.Applied)
	assert.Equal(t, []crypto.Element{newLeaf}, h.state.GetGSTLeaves(2))
	assert.True(t, h.state.GSTRootExists(h.latestRoot(), 2))
	for _, n := range nullifiers {
		assert.True(t, h.state.NullifierExist(n))
	}
	require.Len(t, h.state.Transitions(), 1)
	assert.Equal(t, uint64(1), h.state.Transitions()[0].FromEpoch)

	res = h.apply(&UserStateTransitioned{Meta: h.meta(), Epoch: 2, ProofIndex: 7,
		Proof: transitionProof(t, settings, crypto.ElementFromUint64(778), nullifiers, 1, fromGST, epochTree.Root(), true)})
	assert.Equal(t, RejectStaleOrDuplicateNullifier, res.Rejection)
	assert.Len(t, h.state.GetGSTLeaves(2), 1)
}

func TestEpochEndedRequiresCurrentEpoch(t *testing.T) {
	h := newHarness(t)
	res := h.apply(&EpochEnded{Meta: h.meta(), Epoch: 3})
	assert.Equal(t, RejectEpochMismatch, res.Rejection)
	assert.Equal(t, uint64(1), h.state.CurrentEpoch())

	require.True(t, h.endEpoch().Applied)
	tree, err := h.state.GenEpochTree(1)
	require.NoError(t, err)
	empty := sparse.NewSparseTree(h.state.Settings().EpochTreeDepth, crypto.SealHashChain(crypto.Zero))
	assert.Equal(t, empty.Root(), tree.Root())
}

func TestSnapshotRestore(t *testing.T) {
	h := newHarness(t)
	for _, c := range commitments(3) {
		require.True(t, h.signUp(c, 0, 0).Applied)
	}
	epochKey := crypto.ElementFromUint64(1)
	require.True(t, h.spend(1, h.reputationProof(1, epochKey, h.latestRoot(), 1, []crypto.Element{crypto.ElementFromUint64(9)}, true)).Applied)
	require.True(t, h.attest(epochKey, 2, 1, 1, 0).Applied)
	require.True(t, h.endEpoch().Applied)
	h.nextBlock()
	require.True(t, h.signUp(commitments(1)[0], 0, 0).Applied)
	require.True(t, h.epochKeyProof(2, crypto.ElementFromUint64(4), h.latestRoot(), true).Applied)
	require.True(t, h.attest(crypto.ElementFromUint64(4), 1, 2, 2, 0).Applied)

	raw, err := h.state.MarshalJSON()
	require.NoError(t, err)

	restored, err := Restore(raw, fakeVerifier)
	require.NoError(t, err)

	assert.Equal(t, h.state.Snapshot(), restored.Snapshot())
	assert.Equal(t, h.state.GSTRootHistory(1), restored.GSTRootHistory(1))
	assert.Equal(t, h.state.GSTRootHistory(2), restored.GSTRootHistory(2))
	assert.Equal(t, h.state.NullifierRoot(), restored.NullifierRoot())
	assert.Equal(t, h.state.Cursor(), restored.Cursor())

	original, err := h.state.GenEpochTree(1)
	require.NoError(t, err)
	assert.True(t, restored.EpochTreeRootExists(original.Root(), 1))
	assert.Len(t, restored.GetAttestations(crypto.ElementFromUint64(4)), 1)
}
