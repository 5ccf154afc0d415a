package providers

import (
	"context"
	"errors"
	"math/big"

	"github.com/provideplatform/unirep/crypto"
)

// CircuitVerifyEpochKey proves knowledge of an epoch key of a signed-up identity
const CircuitVerifyEpochKey = "verifyEpochKey"

// CircuitProveReputation proves a minimum reputation and spends reputation nullifiers
const CircuitProveReputation = "proveReputation"

// CircuitProveUserSignUp proves the user signed up through the given attester
const CircuitProveUserSignUp = "proveUserSignUp"

// CircuitUserStateTransition proves a user state transition to the current epoch
const CircuitUserStateTransition = "userStateTransition"

// Circuits lists every circuit identifier
var Circuits = []string{
	CircuitVerifyEpochKey,
	CircuitProveReputation,
	CircuitProveUserSignUp,
	CircuitUserStateTransition,
}

// ZKSnarkCircuitProviderGnark gnark-backed groth16 verifier
const ZKSnarkCircuitProviderGnark = "gnark"

// ZKSnarkCircuitProviderSnarkJS snarkjs-backed groth16 prover
const ZKSnarkCircuitProviderSnarkJS = "snarkjs"

// ProofLength is the length of a groth16 proof in the solidity verifier's layout
const ProofLength = 8

// ErrUnknownCircuit is returned for an unsupported circuit identifier
var ErrUnknownCircuit = errors.New("unknown circuit")

// ErrMissingVerifyingKey is returned when a circuit has no verifying key loaded
var ErrMissingVerifyingKey = errors.New("missing verifying key")

// Verifier checks a groth16 proof against a circuit's verifying key. Proof words are
// uint256 base field coordinates in the solidity verifier's layout
type Verifier interface {
	Verify(ctx context.Context, circuit string, publicSignals []crypto.Element, proof []*big.Int) (bool, error)
}

// VerifierFunc adapts a function to the Verifier interface
type VerifierFunc func(ctx context.Context, circuit string, publicSignals []crypto.Element, proof []*big.Int) (bool, error)

// Verify calls f
func (f VerifierFunc) Verify(ctx context.Context, circuit string, publicSignals []crypto.Element, proof []*big.Int) (bool, error) {
	return f(ctx, circuit, publicSignals, proof)
}

// Prover produces a groth16 proof and its public signals from circuit inputs
type Prover interface {
	GenProof(ctx context.Context, circuit string, inputs map[string]interface{}) (proof []*big.Int, publicSignals []crypto.Element, err error)
}

// IsCircuit returns true if the given identifier names a supported circuit
func IsCircuit(circuit string) bool {
	for _, c := range Circuits {
		if c == circuit {
			return true
		}
	}
	return false
}

// IsProofWord returns true if v fits an unsigned 256-bit word
func IsProofWord(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.BitLen() <= 256
}
