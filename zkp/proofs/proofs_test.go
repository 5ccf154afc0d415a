package proofs

import (
	"context"
	"math/big"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/zkp/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(start, n int) []crypto.Element {
	out := make([]crypto.Element, n)
	for i := range out {
		out[i] = crypto.ElementFromUint64(uint64(start + i))
	}
	return out
}

func words(start, n int) []*big.Int {
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = big.NewInt(int64(start + i))
	}
	return out
}

func TestMalformedInput(t *testing.T) {
	settings := common.DefaultSettings()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"epoch key signals", func() error {
			_, err := NewEpochKeyProof(settings, sequence(0, 4), words(0, 8))
			return err
		}},
		{"epoch key proof length", func() error {
			_, err := NewEpochKeyProof(settings, sequence(0, 3), words(0, 7))
			return err
		}},
		{"reputation signals", func() error {
			_, err := NewReputationProof(settings, sequence(0, settings.MaxReputationBudget+7), words(0, 8))
			return err
		}},
		{"sign up signals", func() error {
			_, err := NewSignUpProof(settings, sequence(0, 4), words(0, 8))
			return err
		}},
		{"proof word wider than uint256", func() error {
			prf := words(0, 8)
			prf[3] = new(big.Int).Lsh(big.NewInt(1), 256)
			_, err := NewEpochKeyProof(settings, sequence(0, 3), prf)
			return err
		}},
		{"negative signal word", func() error {
			_, err := SignUpProofFromWords(settings, []*big.Int{big.NewInt(-1), big.NewInt(1), big.NewInt(2), big.NewInt(3), big.NewInt(4)}, words(0, 8))
			return err
		}},
		{"user transition signals", func() error {
			_, err := NewUserTransitionProof(settings, sequence(0, 2*settings.NumEpochKeyNoncePerEpoch+5), words(0, 8))
			return err
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.fn(), ErrMalformedInput)
		})
	}
}

func TestEpochKeyProofAccessors(t *testing.T) {
	p, err := NewEpochKeyProof(common.DefaultSettings(), sequence(10, 3), words(0, 8))
	require.NoError(t, err)

	assert.Equal(t, crypto.ElementFromUint64(10), p.GlobalStateTree())
	assert.Equal(t, crypto.ElementFromUint64(11), p.Epoch())
	assert.Equal(t, crypto.ElementFromUint64(12), p.EpochKey())
	assert.Equal(t, providers.CircuitVerifyEpochKey, p.Circuit())
}

func TestReputationProofAccessors(t *testing.T) {
	settings := common.DefaultSettings()
	budget := settings.MaxReputationBudget

	signals := sequence(100, budget+8)
	signals[1] = crypto.Zero
	p, err := NewReputationProof(settings, signals, words(0, 8))
	require.NoError(t, err)

	assert.Len(t, p.RepNullifiers(), budget)
	assert.Len(t, p.SpentNullifiers(), budget-1)
	assert.Equal(t, signals[budget], p.Epoch())
	assert.Equal(t, signals[budget+1], p.EpochKey())
	assert.Equal(t, signals[budget+2], p.GlobalStateTree())
	assert.Equal(t, signals[budget+3], p.AttesterID())
	assert.Equal(t, signals[budget+4], p.ProveReputationAmount())
	assert.Equal(t, signals[budget+5], p.MinRep())
	assert.Equal(t, signals[budget+6], p.ProveGraffiti())
	assert.Equal(t, signals[budget+7], p.GraffitiPreImage())
}

func TestSignUpProofAccessors(t *testing.T) {
	p, err := NewSignUpProof(common.DefaultSettings(), sequence(1, 5), words(0, 8))
	require.NoError(t, err)

	assert.Equal(t, crypto.ElementFromUint64(1), p.Epoch())
	assert.Equal(t, crypto.ElementFromUint64(2), p.EpochKey())
	assert.Equal(t, crypto.ElementFromUint64(3), p.GlobalStateTree())
	assert.Equal(t, crypto.ElementFromUint64(4), p.AttesterID())
	assert.Equal(t, crypto.ElementFromUint64(5), p.UserHasSignedUp())
}

func TestUserTransitionProofAccessors(t *testing.T) {
	settings := common.DefaultSettings()
	n := settings.NumEpochKeyNoncePerEpoch

	signals := sequence(0, 2*n+6)
	p, err := NewUserTransitionProof(settings, signals, words(0, 8))
	require.NoError(t, err)

	assert.Equal(t, signals[0], p.NewGlobalStateTreeLeaf())
	assert.Equal(t, signals[1:1+n], p.EpochKeyNullifiers())
	assert.Equal(t, signals[1+n], p.TransitionFromEpoch())
	assert.Equal(t, signals[2+n:4+n], p.BlindedUserStates())
	assert.Equal(t, signals[4+n], p.FromGlobalStateTree())
	assert.Equal(t, signals[5+n:5+2*n], p.BlindedHashChains())
	assert.Equal(t, signals[5+2*n], p.FromEpochTree())
}

func TestVerifyIsPassThrough(t *testing.T) {
	p, err := NewEpochKeyProof(common.DefaultSettings(), sequence(1, 3), words(0, 8))
	require.NoError(t, err)

	var seen string
	verifier := providers.VerifierFunc(func(ctx context.Context, circuit string, signals []crypto.Element, proof []*big.Int) (bool, error) {
		seen = circuit
		return signals[0] == crypto.ElementFromUint64(1), nil
	})

	ok, err := p.Verify(context.Background(), verifier)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, providers.CircuitVerifyEpochKey, seen)

	_, err = p.Verify(context.Background(), nil)
	assert.Error(t, err)
}

func TestHash(t *testing.T) {
	settings := common.DefaultSettings()
	a, err := NewEpochKeyProof(settings, sequence(1, 3), words(0, 8))
	require.NoError(t, err)
	b, err := NewEpochKeyProof(settings, sequence(1, 3), words(0, 8))
	require.NoError(t, err)
	c, err := NewEpochKeyProof(settings, sequence(2, 3), words(0, 8))
	require.NoError(t, err)

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestEncodeDecode(t *testing.T) {
	settings := common.DefaultSettings()
	p, err := NewReputationProof(settings, sequence(5, settings.MaxReputationBudget+8), words(1000, 8))
	require.NoError(t, err)

	encodedProof, encodedSignals, err := Encode(p)
	require.NoError(t, err)
	assert.Contains(t, encodedProof, ReputationProofPrefix)
	assert.Contains(t, encodedSignals, ReputationPublicSignalsPrefix)

	decoded, err := DecodeReputationProof(settings, encodedProof, encodedSignals)
	require.NoError(t, err)
	assert.Equal(t, p.PublicSignals, decoded.PublicSignals)
	assert.Equal(t, p.Proof, decoded.Proof)
	assert.Equal(t, p.Hash(), decoded.Hash())

	_, err = DecodeEpochKeyProof(settings, encodedProof, encodedSignals)
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestProofWordsOutsideScalarField(t *testing.T) {
	settings := common.DefaultSettings()
	aboveR := new(big.Int).Add(crypto.Modulus(), big.NewInt(1))

	prf := words(0, 8)
	prf[0] = aboveR
	p, err := NewEpochKeyProof(settings, sequence(1, 3), prf)
	require.NoError(t, err)
	assert.False(t, p.Malformed())
	assert.Equal(t, 0, aboveR.Cmp(p.ProofWords()[0]))
}

func TestMalformedSignals(t *testing.T) {
	settings := common.DefaultSettings()
	aboveR := new(big.Int).Add(crypto.Modulus(), big.NewInt(1))

	signals := []*big.Int{big.NewInt(7), aboveR, big.NewInt(9)}
	p, err := EpochKeyProofFromWords(settings, signals, words(0, 8))
	require.NoError(t, err)
	assert.True(t, p.Malformed())
	assert.Equal(t, crypto.ElementFromUint64(7), p.GlobalStateTree())
	assert.Equal(t, crypto.Zero, p.Epoch())

	called := false
	verifier := providers.VerifierFunc(func(ctx context.Context, circuit string, signals []crypto.Element, proof []*big.Int) (bool, error) {
		called = true
		return true, nil
	})
	ok, err := p.Verify(context.Background(), verifier)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, called)

	ok, err = p.Verify(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)

	packed := make([][]byte, 0, 11)
	for _, w := range append(signals, words(0, 8)...) {
		packed = append(packed, ethcommon.BigToHash(w).Bytes())
	}
	assert.Equal(t, ethcrypto.Keccak256Hash(packed...), p.Hash())

	zeroed, err := NewEpochKeyProof(settings, []crypto.Element{crypto.ElementFromUint64(7), crypto.Zero, crypto.ElementFromUint64(9)}, words(0, 8))
	require.NoError(t, err)
	assert.NotEqual(t, zeroed.Hash(), p.Hash())

	_, _, err = Encode(p)
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestFromWordsMatchesElements(t *testing.T) {
	settings := common.DefaultSettings()
	signals := sequence(3, SignUpProofSignals)

	fromWords, err := SignUpProofFromWords(settings, crypto.BigInts(signals), words(0, 8))
	require.NoError(t, err)
	fromElements, err := NewSignUpProof(settings, signals, words(0, 8))
	require.NoError(t, err)

	assert.False(t, fromWords.Malformed())
	assert.Equal(t, fromElements.Signals(), fromWords.Signals())
	assert.Equal(t, fromElements.Hash(), fromWords.Hash())
}
