// Package proofs wraps the public signals and solidity-layout proof of each unirep
// circuit and exposes the signals by name.
package proofs

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/zkp/providers"
)

// ErrMalformedInput is returned when the public signals or proof do not match the
// circuit's fixed layout
var ErrMalformedInput = errors.New("malformed proof input")

// Proof is implemented by every proof object
type Proof interface {
	Circuit() string
	Signals() []crypto.Element
	ProofWords() []*big.Int
	Malformed() bool
	Verify(ctx context.Context, verifier providers.Verifier) (bool, error)
	Hash() ethcommon.Hash
}

type baseProof struct {
	PublicSignals []crypto.Element `json:"publicSignals"`
	Proof         []*big.Int       `json:"proof"`

	circuit string

	// words holds the signals as submitted; malformed proofs have words outside the
	// scalar field, read back as zero through PublicSignals
	words     []*big.Int
	malformed bool
}

func checkLayout(circuit string, expected, signals int, proof []*big.Int) error {
	if signals != expected {
		return fmt.Errorf("%w: %s expects %d public signals, got %d", ErrMalformedInput, circuit, expected, signals)
	}

	if len(proof) != providers.ProofLength {
		return fmt.Errorf("%w: %s expects a proof of length %d, got %d", ErrMalformedInput, circuit, providers.ProofLength, len(proof))
	}

	for i, w := range proof {
		if !providers.IsProofWord(w) {
			return fmt.Errorf("%w: %s proof word %d is not a uint256", ErrMalformedInput, circuit, i)
		}
	}
	return nil
}

func copyWords(words []*big.Int) []*big.Int {
	out := make([]*big.Int, len(words))
	for i, w := range words {
		out[i] = new(big.Int).Set(w)
	}
	return out
}

func newBaseProof(circuit string, expected int, publicSignals []crypto.Element, proof []*big.Int) (baseProof, error) {
	if err := checkLayout(circuit, expected, len(publicSignals), proof); err != nil {
		return baseProof{}, err
	}

	signals := make([]crypto.Element, len(publicSignals))
	copy(signals, publicSignals)

	return baseProof{
		PublicSignals: signals,
		Proof:         copyWords(proof),
		circuit:       circuit,
		words:         crypto.BigInts(signals),
	}, nil
}

// newBaseProofFromWords accepts signals outside the scalar field and marks the proof
// malformed instead of failing
func newBaseProofFromWords(circuit string, expected int, publicSignals, proof []*big.Int) (baseProof, error) {
	if err := checkLayout(circuit, expected, len(publicSignals), proof); err != nil {
		return baseProof{}, err
	}

	malformed := false
	signals := make([]crypto.Element, len(publicSignals))
	for i, w := range publicSignals {
		if !providers.IsProofWord(w) {
			return baseProof{}, fmt.Errorf("%w: %s public signal %d is not a uint256", ErrMalformedInput, circuit, i)
		}
		el, err := crypto.NewElement(w)
		if err != nil {
			malformed = true
			continue
		}
		signals[i] = el
	}

	return baseProof{
		PublicSignals: signals,
		Proof:         copyWords(proof),
		circuit:       circuit,
		words:         copyWords(publicSignals),
		malformed:     malformed,
	}, nil
}

// Circuit returns the identifier of the circuit the proof was generated for
func (p *baseProof) Circuit() string {
	return p.circuit
}

// Signals returns the public signals
func (p *baseProof) Signals() []crypto.Element {
	return p.PublicSignals
}

// ProofWords returns the proof in the solidity verifier's layout
func (p *baseProof) ProofWords() []*big.Int {
	return p.Proof
}

// Malformed returns true if a public signal lies outside the scalar field; such a
// proof never verifies
func (p *baseProof) Malformed() bool {
	return p.malformed
}

// Verify delegates to the verifier; it performs no check of its own
func (p *baseProof) Verify(ctx context.Context, verifier providers.Verifier) (bool, error) {
	if p.malformed {
		return false, nil
	}
	if verifier == nil {
		return false, errors.New("nil verifier")
	}
	return verifier.Verify(ctx, p.circuit, p.PublicSignals, p.Proof)
}

// Hash is the ledger's key for a submitted proof: keccak256 over the tightly packed
// public signals followed by the proof
func (p *baseProof) Hash() ethcommon.Hash {
	words := make([][]byte, 0, len(p.words)+len(p.Proof))
	for _, w := range append(append([]*big.Int{}, p.words...), p.Proof...) {
		words = append(words, ethcommon.BigToHash(w).Bytes())
	}
	return ethcrypto.Keccak256Hash(words...)
}

// EpochKeyProof proves knowledge of an epoch key of an identity in the global state tree
type EpochKeyProof struct {
	baseProof
}

// EpochKeyProofSignals is the public signal count of an EpochKeyProof
const EpochKeyProofSignals = 3

// NewEpochKeyProof validates the layout and returns the proof object
func NewEpochKeyProof(settings *common.Settings, publicSignals []crypto.Element, proof []*big.Int) (*EpochKeyProof, error) {
	base, err := newBaseProof(providers.CircuitVerifyEpochKey, EpochKeyProofSignals, publicSignals, proof)
	if err != nil {
		return nil, err
	}
	return &EpochKeyProof{base}, nil
}

// EpochKeyProofFromWords builds the proof from the uint256 words of a ledger log
func EpochKeyProofFromWords(settings *common.Settings, publicSignals, proof []*big.Int) (*EpochKeyProof, error) {
	base, err := newBaseProofFromWords(providers.CircuitVerifyEpochKey, EpochKeyProofSignals, publicSignals, proof)
	if err != nil {
		return nil, err
	}
	return &EpochKeyProof{base}, nil
}

func (p *EpochKeyProof) GlobalStateTree() crypto.Element { return p.PublicSignals[0] }
func (p *EpochKeyProof) Epoch() crypto.Element           { return p.PublicSignals[1] }
func (p *EpochKeyProof) EpochKey() crypto.Element        { return p.PublicSignals[2] }

// ReputationProof proves a minimum reputation from one attester and spends up to
// maxReputationBudget reputation nullifiers; unused nullifier slots are zero
type ReputationProof struct {
	baseProof
	budget int
}

// ReputationProofSignals returns the public signal count of a ReputationProof
func ReputationProofSignals(settings *common.Settings) int {
	return settings.MaxReputationBudget + 8
}

// NewReputationProof validates the layout and returns the proof object
func NewReputationProof(settings *common.Settings, publicSignals []crypto.Element, proof []*big.Int) (*ReputationProof, error) {
	base, err := newBaseProof(providers.CircuitProveReputation, ReputationProofSignals(settings), publicSignals, proof)
	if err != nil {
		return nil, err
	}
	return &ReputationProof{base, settings.MaxReputationBudget}, nil
}

// ReputationProofFromWords builds the proof from the uint256 words of a ledger log
func ReputationProofFromWords(settings *common.Settings, publicSignals, proof []*big.Int) (*ReputationProof, error) {
	base, err := newBaseProofFromWords(providers.CircuitProveReputation, ReputationProofSignals(settings), publicSignals, proof)
	if err != nil {
		return nil, err
	}
	return &ReputationProof{base, settings.MaxReputationBudget}, nil
}

// RepNullifiers returns every nullifier slot, including unused zero slots
func (p *ReputationProof) RepNullifiers() []crypto.Element {
	return p.PublicSignals[:p.budget]
}

// SpentNullifiers returns the non-zero nullifier slots
func (p *ReputationProof) SpentNullifiers() []crypto.Element {
	spent := make([]crypto.Element, 0, p.budget)
	for _, n := range p.RepNullifiers() {
		if !n.IsZero() {
			spent = append(spent, n)
		}
	}
	return spent
}

func (p *ReputationProof) Epoch() crypto.Element                 { return p.PublicSignals[p.budget] }
func (p *ReputationProof) EpochKey() crypto.Element              { return p.PublicSignals[p.budget+1] }
func (p *ReputationProof) GlobalStateTree() crypto.Element       { return p.PublicSignals[p.budget+2] }
func (p *ReputationProof) AttesterID() crypto.Element            { return p.PublicSignals[p.budget+3] }
func (p *ReputationProof) ProveReputationAmount() crypto.Element { return p.PublicSignals[p.budget+4] }
func (p *ReputationProof) MinRep() crypto.Element                { return p.PublicSignals[p.budget+5] }
func (p *ReputationProof) ProveGraffiti() crypto.Element         { return p.PublicSignals[p.budget+6] }
func (p *ReputationProof) GraffitiPreImage() crypto.Element      { return p.PublicSignals[p.budget+7] }

// SignUpProof proves the epoch key belongs to an identity which signed up through the attester
type SignUpProof struct {
	baseProof
}

// SignUpProofSignals is the public signal count of a SignUpProof
const SignUpProofSignals = 5

// NewSignUpProof validates the layout and returns the proof object
func NewSignUpProof(settings *common.Settings, publicSignals []crypto.Element, proof []*big.Int) (*SignUpProof, error) {
	base, err := newBaseProof(providers.CircuitProveUserSignUp, SignUpProofSignals, publicSignals, proof)
	if err != nil {
		return nil, err
	}
	return &SignUpProof{base}, nil
}

// SignUpProofFromWords builds the proof from the uint256 words of a ledger log
func SignUpProofFromWords(settings *common.Settings, publicSignals, proof []*big.Int) (*SignUpProof, error) {
	base, err := newBaseProofFromWords(providers.CircuitProveUserSignUp, SignUpProofSignals, publicSignals, proof)
	if err != nil {
		return nil, err
	}
	return &SignUpProof{base}, nil
}

func (p *SignUpProof) Epoch() crypto.Element           { return p.PublicSignals[0] }
func (p *SignUpProof) EpochKey() crypto.Element        { return p.PublicSignals[1] }
func (p *SignUpProof) GlobalStateTree() crypto.Element { return p.PublicSignals[2] }
func (p *SignUpProof) AttesterID() crypto.Element      { return p.PublicSignals[3] }
func (p *SignUpProof) UserHasSignedUp() crypto.Element { return p.PublicSignals[4] }

// UserTransitionProof proves the transition of a user state from an earlier epoch into
// a new global state tree leaf of the current epoch
type UserTransitionProof struct {
	baseProof
	nonces int
}

// UserTransitionProofSignals returns the public signal count of a UserTransitionProof
func UserTransitionProofSignals(settings *common.Settings) int {
	return 2*settings.NumEpochKeyNoncePerEpoch + 6
}

// NewUserTransitionProof validates the layout and returns the proof object
func NewUserTransitionProof(settings *common.Settings, publicSignals []crypto.Element, proof []*big.Int) (*UserTransitionProof, error) {
	base, err := newBaseProof(providers.CircuitUserStateTransition, UserTransitionProofSignals(settings), publicSignals, proof)
	if err != nil {
		return nil, err
	}
	return &UserTransitionProof{base, settings.NumEpochKeyNoncePerEpoch}, nil
}

// UserTransitionProofFromWords builds the proof from the uint256 words of a ledger log
func UserTransitionProofFromWords(settings *common.Settings, publicSignals, proof []*big.Int) (*UserTransitionProof, error) {
	base, err := newBaseProofFromWords(providers.CircuitUserStateTransition, UserTransitionProofSignals(settings), publicSignals, proof)
	if err != nil {
		return nil, err
	}
	return &UserTransitionProof{base, settings.NumEpochKeyNoncePerEpoch}, nil
}

func (p *UserTransitionProof) NewGlobalStateTreeLeaf() crypto.Element { return p.PublicSignals[0] }

// EpochKeyNullifiers returns one nullifier per epoch key nonce of the from epoch
func (p *UserTransitionProof) EpochKeyNullifiers() []crypto.Element {
	return p.PublicSignals[1 : 1+p.nonces]
}

func (p *UserTransitionProof) TransitionFromEpoch() crypto.Element {
	return p.PublicSignals[1+p.nonces]
}

func (p *UserTransitionProof) BlindedUserStates() []crypto.Element {
	return p.PublicSignals[2+p.nonces : 4+p.nonces]
}

func (p *UserTransitionProof) FromGlobalStateTree() crypto.Element {
	return p.PublicSignals[4+p.nonces]
}

func (p *UserTransitionProof) BlindedHashChains() []crypto.Element {
	return p.PublicSignals[5+p.nonces : 5+2*p.nonces]
}

func (p *UserTransitionProof) FromEpochTree() crypto.Element {
	return p.PublicSignals[5+2*p.nonces]
}
