package user

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/state"
	"github.com/provideplatform/unirep/zkp/proofs"
	"github.com/provideplatform/unirep/zkp/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var acceptAll = providers.VerifierFunc(func(ctx context.Context, circuit string, signals []crypto.Element, proof []*big.Int) (bool, error) {
	return true, nil
})

func proofWords() []*big.Int {
	out := make([]*big.Int, providers.ProofLength)
	for i := range out {
		out[i] = big.NewInt(int64(i + 1))
	}
	return out
}

type ledger struct {
	t     *testing.T
	state *state.UnirepState
	block uint64
}

func newLedger(t *testing.T) *ledger {
	s, err := state.NewUnirepState(common.DefaultSettings(), acceptAll)
	require.NoError(t, err)
	return &ledger{t: t, state: s}
}

func (l *ledger) meta() state.Meta {
	l.block++
	return state.Meta{BlockNumber: l.block}
}

func (l *ledger) apply(ev state.Event) *state.ApplyResult {
	res, err := l.state.Apply(context.Background(), ev)
	require.NoError(l.t, err)
	require.True(l.t, res.Applied, "%s rejected: %s", ev.Name(), res.Rejection)
	return res
}

func (l *ledger) signUp(id *crypto.Identity, attesterID, airdrop uint64) {
	l.apply(&state.UserSignedUp{
		Meta:               l.meta(),
		Epoch:              l.state.CurrentEpoch(),
		IdentityCommitment: id.Commitment(),
		AttesterID:         attesterID,
		AirdropAmount:      crypto.ElementFromUint64(airdrop),
	})
}

func (l *ledger) latestRoot(epoch uint64) crypto.Element {
	history := l.state.GSTRootHistory(epoch)
	require.NotEmpty(l.t, history)
	return history[len(history)-1]
}

func (l *ledger) attest(proofIndex uint64, epochKey crypto.Element, attesterID, posRep uint64) {
	settings := l.state.Settings()
	epoch := l.state.CurrentEpoch()
	p, err := proofs.NewEpochKeyProof(settings, []crypto.Element{l.latestRoot(epoch), crypto.ElementFromUint64(epoch), epochKey}, proofWords())
	require.NoError(l.t, err)
	l.apply(&state.EpochKeyProofSubmitted{Meta: l.meta(), ProofIndex: proofIndex, Proof: p})

	l.apply(&state.AttestationSubmitted{
		Meta:         l.meta(),
		Epoch:        epoch,
		EpochKey:     epochKey,
		Attestation:  state.NewAttestation(attesterID, posRep, 0, crypto.Zero, 0),
		ToProofIndex: proofIndex,
	})
}

func (l *ledger) endEpoch() {
	l.apply(&state.EpochEnded{Meta: l.meta(), Epoch: l.state.CurrentEpoch()})
}

func (l *ledger) transition(u *UserState, proofIndex uint64) {
	settings := l.state.Settings()
	n := settings.NumEpochKeyNoncePerEpoch
	from := u.LatestTransitionedEpoch()

	newLeaf, err := u.GenUserStateTransitionedLeaf()
	require.NoError(l.t, err)
	epochTree, err := l.state.GenEpochTree(from)
	require.NoError(l.t, err)

	signals := make([]crypto.Element, proofs.UserTransitionProofSignals(settings))
	signals[0] = newLeaf
	for nonce := 0; nonce < n; nonce++ {
		signals[1+nonce] = crypto.GenEpochKeyNullifier(u.Identity().Nullifier, from, uint64(nonce))
	}
	signals[1+n] = crypto.ElementFromUint64(from)
	signals[4+n] = l.latestRoot(from)
	signals[5+2*n] = epochTree.Root()

	p, err := proofs.NewUserTransitionProof(settings, signals, proofWords())
	require.NoError(l.t, err)
	l.apply(&state.UserStateTransitioned{Meta: l.meta(), Epoch: l.state.CurrentEpoch(), ProofIndex: proofIndex, Proof: p})
}

func newIdentity(t *testing.T) *crypto.Identity {
	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	return id
}

func count(keys []crypto.Element, key crypto.Element) uint64 {
	n := uint64(0)
	for _, k := range keys {
		if k == key {
			n++
		}
	}
	return n
}

func TestDeriveBeforeSignUp(t *testing.T) {
	l := newLedger(t)
	u, err := Derive(l.state, newIdentity(t))
	require.NoError(t, err)
	assert.False(t, u.HasSignedUp())

	_, err = u.GenVerifyEpochKeyInputs(0)
	assert.ErrorIs(t, err, ErrNotSignedUp)
	_, err = u.GenUserStateTransitionedLeaf()
	assert.ErrorIs(t, err, ErrNotSignedUp)
}

func TestDeriveAirdropSignUp(t *testing.T) {
	l := newLedger(t)
	id := newIdentity(t)
	l.signUp(newIdentity(t), 0, 0)
	l.signUp(id, 1, 10)

	u, err := Derive(l.state, id)
	require.NoError(t, err)
	assert.True(t, u.HasSignedUp())
	assert.Equal(t, uint64(1), u.LatestTransitionedEpoch())
	assert.Equal(t, 1, u.LatestGSTLeafIndex())
	assert.Equal(t, state.NewReputation(10, 0, 0, 1), u.GetRepByAttester(1))
	assert.Equal(t, state.DefaultReputation(), u.GetRepByAttester(2))

	ust, err := u.GenUserStateTree()
	require.NoError(t, err)
	assert.Equal(t, crypto.HashLeftRight(id.Commitment(), ust.Root()), l.state.GetGSTLeaves(1)[1])
}

func TestUserStateTransition(t *testing.T) {
	l := newLedger(t)
	id := newIdentity(t)
	l.signUp(id, 1, 10)

	u, err := Derive(l.state, id)
	require.NoError(t, err)

	epochKeys := u.GetEpochKeys(1)
	require.Len(t, epochKeys, l.state.Settings().NumEpochKeyNoncePerEpoch)
	l.attest(1, epochKeys[0], 2, 5)
	l.endEpoch()

	_, err = u.GenVerifyEpochKeyInputs(0)
	assert.ErrorIs(t, err, ErrNotTransitioned)

	l.transition(u, 2)

	u, err = Derive(l.state, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), u.LatestTransitionedEpoch())
	assert.Equal(t, 0, u.LatestGSTLeafIndex())
	assert.Equal(t, crypto.ElementFromUint64(5*count(epochKeys, epochKeys[0])), u.GetRepByAttester(2).PosRep)
	assert.Equal(t, state.NewReputation(10, 0, 0, 1), u.GetRepByAttester(1))

	for _, n := range []uint64{0, 1, 2} {
		assert.True(t, u.NullifierExist(crypto.GenEpochKeyNullifier(id.Nullifier, 1, n)))
	}

	_, err = u.GenUserStateTransitionedLeaf()
	assert.ErrorIs(t, err, ErrAlreadyTransitioned)

	inputs, err := u.GenVerifyEpochKeyInputs(1)
	require.NoError(t, err)
	assert.Equal(t, l.latestRoot(2).String(), inputs["GST_root"])
	assert.Equal(t, crypto.GenEpochKey(id.Nullifier, 2, 1, 4).String(), inputs["epoch_key"])
}

func TestTransitionInputs(t *testing.T) {
	l := newLedger(t)
	id := newIdentity(t)
	l.signUp(id, 0, 0)
	l.endEpoch()

	u, err := Derive(l.state, id)
	require.NoError(t, err)

	inputs, err := u.GenUserStateTransitionInputs()
	require.NoError(t, err)

	epochTree, err := l.state.GenEpochTree(1)
	require.NoError(t, err)
	assert.Equal(t, epochTree.Root().String(), inputs["epoch_tree_root"])
	assert.Equal(t, l.latestRoot(1).String(), inputs["GST_root"])
	assert.Len(t, inputs["epk_nullifiers"], 3)

	leaf, err := u.GenUserStateTransitionedLeaf()
	require.NoError(t, err)
	assert.Equal(t, crypto.HashLeftRight(id.Commitment(), l.state.EmptyUserStateRoot()), leaf)
}

func TestValidateNonceList(t *testing.T) {
	l := newLedger(t)
	u, err := Derive(l.state, newIdentity(t))
	require.NoError(t, err)

	unused := func(prefix ...int) []int {
		list := make([]int, l.state.Settings().MaxReputationBudget)
		for i := range list {
			list[i] = NonceUnused
		}
		copy(list, prefix)
		return list
	}

	tests := []struct {
		name  string
		list  []int
		used  int
		valid bool
	}{
		{"all unused", unused(), 0, true},
		{"prefix", unused(0, 1, 2), 3, true},
		{"gap", unused(0, NonceUnused, 4), 2, true},
		{"repeated nonce", unused(1, 1), 0, false},
		{"nonce out of range", unused(10), 0, false},
		{"negative nonce", unused(-2), 0, false},
		{"short list", []int{0}, 0, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			used, err := u.ValidateNonceList(tc.list)
			if !tc.valid {
				assert.ErrorIs(t, err, ErrInvalidNonceList)
				return
			}
			require.NoError(t, err)
			assert.Len(t, used, tc.used)
		})
	}
}

func TestProveReputationInputs(t *testing.T) {
	l := newLedger(t)
	id := newIdentity(t)
	l.signUp(id, 1, 10)

	u, err := Derive(l.state, id)
	require.NoError(t, err)

	nonceList := make([]int, l.state.Settings().MaxReputationBudget)
	for i := range nonceList {
		nonceList[i] = NonceUnused
	}
	nonceList[0], nonceList[1] = 0, 1

	inputs, err := u.GenProveReputationInputs(1, 0, 3, false, crypto.Zero, nonceList)
	require.NoError(t, err)
	assert.Equal(t, 2, inputs["rep_nullifiers_amount"])
	assert.Equal(t, "10", inputs["pos_rep"])

	// minimum and spend are checked separately
	_, err = u.GenProveReputationInputs(1, 0, 10, false, crypto.Zero, nonceList)
	require.NoError(t, err)

	_, err = u.GenProveReputationInputs(1, 0, 11, false, crypto.Zero, nonceList)
	assert.ErrorIs(t, err, ErrInsufficientReputation)

	_, err = u.GenProveReputationInputs(1, 3, 0, false, crypto.Zero, nonceList)
	assert.ErrorIs(t, err, ErrInvalidEpochKeyNonce)

	_, err = u.GenProveReputationInputs(1, 0, 0, true, crypto.ElementFromUint64(1), nonceList)
	assert.Error(t, err)
}

func TestProveReputationSpendBound(t *testing.T) {
	l := newLedger(t)
	id := newIdentity(t)
	l.signUp(id, 1, 2)

	u, err := Derive(l.state, id)
	require.NoError(t, err)

	nonceList := make([]int, l.state.Settings().MaxReputationBudget)
	for i := range nonceList {
		nonceList[i] = NonceUnused
	}
	nonceList[0], nonceList[1] = 0, 1

	_, err = u.GenProveReputationInputs(1, 0, 2, false, crypto.Zero, nonceList)
	require.NoError(t, err)

	nonceList[2] = 2
	_, err = u.GenProveReputationInputs(1, 0, 0, false, crypto.Zero, nonceList)
	assert.ErrorIs(t, err, ErrInsufficientReputation)
}

type fakeProver struct {
	signals []crypto.Element
	circuit string
}

func (p *fakeProver) GenProof(ctx context.Context, circuit string, inputs map[string]interface{}) ([]*big.Int, []crypto.Element, error) {
	p.circuit = circuit
	return proofWords(), p.signals, nil
}

func TestGenProofs(t *testing.T) {
	l := newLedger(t)
	id := newIdentity(t)
	l.signUp(id, 1, 10)

	u, err := Derive(l.state, id)
	require.NoError(t, err)

	epochKey := crypto.GenEpochKey(id.Nullifier, 1, 0, 4)
	prover := &fakeProver{signals: []crypto.Element{l.latestRoot(1), crypto.ElementFromUint64(1), epochKey}}

	p, err := u.GenVerifyEpochKeyProof(context.Background(), prover, 0)
	require.NoError(t, err)
	assert.Equal(t, providers.CircuitVerifyEpochKey, prover.circuit)
	assert.Equal(t, epochKey, p.EpochKey())

	_, err = u.GenUserSignUpProof(context.Background(), prover, 1, 0)
	assert.ErrorIs(t, err, proofs.ErrMalformedInput)
	assert.Equal(t, providers.CircuitProveUserSignUp, prover.circuit)

	_, err = u.GenVerifyEpochKeyProof(context.Background(), nil, 0)
	assert.Error(t, err)
}

func TestUserStateJSON(t *testing.T) {
	l := newLedger(t)
	id := newIdentity(t)
	l.signUp(id, 1, 10)

	u, err := Derive(l.state, id)
	require.NoError(t, err)

	raw, err := json.Marshal(u)
	require.NoError(t, err)

	var exported map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &exported))
	for _, key := range []string{"idNullifier", "idCommitment", "hasSignedUp", "latestTransitionedEpoch", "latestGSTLeafIndex", "latestUserStateLeaves", "transitionedFromAttestations", "unirepState"} {
		assert.Contains(t, exported, key)
	}
	assert.Equal(t, true, exported["hasSignedUp"])
	assert.Len(t, exported["latestUserStateLeaves"], 1)
}
