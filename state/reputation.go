package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/provideplatform/unirep/crypto"
)

// ErrGraffitiPreImageMismatch is returned when a graffiti preimage does not hash to the recorded graffiti
var ErrGraffitiPreImageMismatch = errors.New("graffiti preimage does not match graffiti")

// Reputation is the per-attester record committed to by a user state tree leaf
type Reputation struct {
	PosRep           crypto.Element `json:"posRep"`
	NegRep           crypto.Element `json:"negRep"`
	Graffiti         crypto.Element `json:"graffiti"`
	SignUp           crypto.Element `json:"signUp"`
	GraffitiPreImage crypto.Element `json:"graffitiPreImage"`
}

// DefaultReputation returns the all-zero record held by every attester a user never heard from
func DefaultReputation() Reputation {
	return Reputation{}
}

// NewReputation returns a record with the given fields
func NewReputation(posRep, negRep, graffiti, signUp uint64) Reputation {
	return Reputation{
		PosRep:   crypto.ElementFromUint64(posRep),
		NegRep:   crypto.ElementFromUint64(negRep),
		Graffiti: crypto.ElementFromUint64(graffiti),
		SignUp:   crypto.ElementFromUint64(signUp),
	}
}

func add(a, b crypto.Element) crypto.Element {
	return crypto.ReduceElement(new(big.Int).Add(a.BigInt(), b.BigInt()))
}

// Update returns a new record with the reputation deltas added, the graffiti replaced
// if the given graffiti is non-zero and the sign-up flag or'ed in
func (r Reputation) Update(posRep, negRep, graffiti, signUp crypto.Element) Reputation {
	next := r
	next.PosRep = add(r.PosRep, posRep)
	next.NegRep = add(r.NegRep, negRep)
	if !graffiti.IsZero() {
		next.Graffiti = graffiti
		next.GraffitiPreImage = crypto.Zero
	}
	if !r.SignUp.IsZero() || !signUp.IsZero() {
		next.SignUp = crypto.ElementFromUint64(1)
	}
	return next
}

// Hash is the user state tree leaf committing to the record; the graffiti preimage is not committed
func (r Reputation) Hash() crypto.Element {
	return crypto.Hash5(r.PosRep, r.NegRep, r.Graffiti, r.SignUp, crypto.Zero)
}

// AddGraffitiPreImage records the preimage if it hashes to the current graffiti
func (r *Reputation) AddGraffitiPreImage(preImage crypto.Element) error {
	if crypto.HashOne(preImage) != r.Graffiti {
		return ErrGraffitiPreImageMismatch
	}
	r.GraffitiPreImage = preImage
	return nil
}

// NetRep returns posRep - negRep, or zero when negative
func (r Reputation) NetRep() *big.Int {
	net := new(big.Int).Sub(r.PosRep.BigInt(), r.NegRep.BigInt())
	if net.Sign() < 0 {
		return big.NewInt(0)
	}
	return net
}

func (r Reputation) String() string {
	return fmt.Sprintf("{posRep: %s, negRep: %s, graffiti: %s, signUp: %s}", r.PosRep, r.NegRep, r.Graffiti, r.SignUp)
}

// Attestation is the effect an attester applies to one epoch key during one epoch
type Attestation struct {
	AttesterID crypto.Element `json:"attesterId"`
	PosRep     crypto.Element `json:"posRep"`
	NegRep     crypto.Element `json:"negRep"`
	Graffiti   crypto.Element `json:"graffiti"`
	SignUp     crypto.Element `json:"signUp"`
	ProofIndex uint64         `json:"proofIndex"`
}

// NewAttestation returns an attestation with small-valued fields
func NewAttestation(attesterID, posRep, negRep uint64, graffiti crypto.Element, signUp uint64) Attestation {
	return Attestation{
		AttesterID: crypto.ElementFromUint64(attesterID),
		PosRep:     crypto.ElementFromUint64(posRep),
		NegRep:     crypto.ElementFromUint64(negRep),
		Graffiti:   graffiti,
		SignUp:     crypto.ElementFromUint64(signUp),
	}
}

// Hash is the attestation's element in its epoch key's hashchain
func (a Attestation) Hash() crypto.Element {
	return crypto.Hash5(a.AttesterID, a.PosRep, a.NegRep, a.Graffiti, a.SignUp)
}

// HashChain folds the attestations in order, starting from zero
func HashChain(attestations []Attestation) crypto.Element {
	chain := crypto.Zero
	for i := range attestations {
		chain = crypto.HashChain(attestations[i].Hash(), chain)
	}
	return chain
}

// EpochTreeLeaf is a sealed epoch tree leaf
type EpochTreeLeaf struct {
	EpochKey        crypto.Element `json:"epochKey"`
	HashchainResult crypto.Element `json:"hashchainResult"`
}
