package proofs

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/zkp/providers"
)

const (
	EpochKeyProofPrefix               = "Unirep.epk.proof."
	EpochKeyPublicSignalsPrefix       = "Unirep.epk.publicSignals."
	ReputationProofPrefix             = "Unirep.reputation.proof."
	ReputationPublicSignalsPrefix     = "Unirep.reputation.publicSignals."
	SignUpProofPrefix                 = "Unirep.signUp.proof."
	SignUpPublicSignalsPrefix         = "Unirep.signUp.publicSignals."
	UserTransitionProofPrefix         = "Unirep.ust.proof."
	UserTransitionPublicSignalsPrefix = "Unirep.ust.publicSignals."
)

var prefixes = map[string][2]string{
	providers.CircuitVerifyEpochKey:      {EpochKeyProofPrefix, EpochKeyPublicSignalsPrefix},
	providers.CircuitProveReputation:     {ReputationProofPrefix, ReputationPublicSignalsPrefix},
	providers.CircuitProveUserSignUp:     {SignUpProofPrefix, SignUpPublicSignalsPrefix},
	providers.CircuitUserStateTransition: {UserTransitionProofPrefix, UserTransitionPublicSignalsPrefix},
}

// Encode returns the prefixed base64url encodings of the snarkjs-format proof and the
// public signals, as exchanged between users and attesters
func Encode(p Proof) (encodedProof, encodedPublicSignals string, err error) {
	prefix, ok := prefixes[p.Circuit()]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", providers.ErrUnknownCircuit, p.Circuit())
	}
	if p.Malformed() {
		return "", "", fmt.Errorf("%w: %s public signals outside the scalar field", ErrMalformedInput, p.Circuit())
	}

	snarkjsProof, err := providers.FormatProofForSnarkjsVerification(p.ProofWords())
	if err != nil {
		return "", "", err
	}

	rawProof, err := json.Marshal(snarkjsProof)
	if err != nil {
		return "", "", err
	}

	rawSignals, err := json.Marshal(p.Signals())
	if err != nil {
		return "", "", err
	}

	return prefix[0] + base64.RawURLEncoding.EncodeToString(rawProof),
		prefix[1] + base64.RawURLEncoding.EncodeToString(rawSignals),
		nil
}

func decode(circuit, encodedProof, encodedPublicSignals string) (proof []*big.Int, publicSignals []crypto.Element, err error) {
	prefix := prefixes[circuit]

	if !strings.HasPrefix(encodedProof, prefix[0]) {
		return nil, nil, fmt.Errorf("%w: proof missing %s prefix", ErrMalformedInput, prefix[0])
	}
	if !strings.HasPrefix(encodedPublicSignals, prefix[1]) {
		return nil, nil, fmt.Errorf("%w: public signals missing %s prefix", ErrMalformedInput, prefix[1])
	}

	rawProof, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(encodedProof, prefix[0]))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrMalformedInput, err.Error())
	}

	var snarkjsProof providers.SnarkJSProof
	err = json.Unmarshal(rawProof, &snarkjsProof)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrMalformedInput, err.Error())
	}

	proof, err = providers.FormatProofForVerifierContract(&snarkjsProof)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrMalformedInput, err.Error())
	}

	rawSignals, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(encodedPublicSignals, prefix[1]))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrMalformedInput, err.Error())
	}

	err = json.Unmarshal(rawSignals, &publicSignals)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrMalformedInput, err.Error())
	}

	return proof, publicSignals, nil
}

// DecodeEpochKeyProof decodes the output of Encode for an epoch key proof
func DecodeEpochKeyProof(settings *common.Settings, encodedProof, encodedPublicSignals string) (*EpochKeyProof, error) {
	proof, signals, err := decode(providers.CircuitVerifyEpochKey, encodedProof, encodedPublicSignals)
	if err != nil {
		return nil, err
	}
	return NewEpochKeyProof(settings, signals, proof)
}

// DecodeReputationProof decodes the output of Encode for a reputation proof
func DecodeReputationProof(settings *common.Settings, encodedProof, encodedPublicSignals string) (*ReputationProof, error) {
	proof, signals, err := decode(providers.CircuitProveReputation, encodedProof, encodedPublicSignals)
	if err != nil {
		return nil, err
	}
	return NewReputationProof(settings, signals, proof)
}

// DecodeSignUpProof decodes the output of Encode for a sign-up proof
func DecodeSignUpProof(settings *common.Settings, encodedProof, encodedPublicSignals string) (*SignUpProof, error) {
	proof, signals, err := decode(providers.CircuitProveUserSignUp, encodedProof, encodedPublicSignals)
	if err != nil {
		return nil, err
	}
	return NewSignUpProof(settings, signals, proof)
}

// DecodeUserTransitionProof decodes the output of Encode for a user state transition proof
func DecodeUserTransitionProof(settings *common.Settings, encodedProof, encodedPublicSignals string) (*UserTransitionProof, error) {
	proof, signals, err := decode(providers.CircuitUserStateTransition, encodedProof, encodedPublicSignals)
	if err != nil {
		return nil, err
	}
	return NewUserTransitionProof(settings, signals, proof)
}
