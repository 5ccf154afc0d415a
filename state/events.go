package state

import (
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/zkp/proofs"
)

const (
	EventUserSignedUp                 = "UserSignedUp"
	EventEpochKeyProofSubmitted       = "IndexedEpochKeyProof"
	EventSignUpProofSubmitted         = "IndexedUserSignedUpProof"
	EventReputationNullifierSubmitted = "IndexedReputationProof"
	EventAttestationSubmitted         = "AttestationSubmitted"
	EventEpochEnded                   = "EpochEnded"
	EventUserStateTransitioned        = "IndexedUserStateTransitionProof"
)

// Meta locates an event in the ledger's log
type Meta struct {
	BlockNumber uint64         `json:"blockNumber"`
	LogIndex    uint           `json:"logIndex"`
	TxHash      ethcommon.Hash `json:"transactionHash"`
}

// Position returns the (block, log index) pair events are ordered by
func (m Meta) Position() Position {
	return Position{Block: m.BlockNumber, LogIndex: m.LogIndex}
}

// Position is an event's place in the ledger's total order
type Position struct {
	Block    uint64 `json:"blockNumber"`
	LogIndex uint   `json:"logIndex"`
}

// Less returns true if p orders strictly before other
func (p Position) Less(other Position) bool {
	if p.Block != other.Block {
		return p.Block < other.Block
	}
	return p.LogIndex < other.LogIndex
}

// Event is a decoded ledger event the processor can apply
type Event interface {
	Name() string
	Position() Position
	Metadata() Meta
}

// UserSignedUp is emitted when an identity commitment joins the current epoch's GST
type UserSignedUp struct {
	Meta
	Epoch              uint64         `json:"epoch"`
	IdentityCommitment crypto.Element `json:"identityCommitment"`
	AttesterID         uint64         `json:"attesterId"`
	AirdropAmount      crypto.Element `json:"airdropAmount"`
}

// EpochKeyProofSubmitted records an epoch key proof under a proof index
type EpochKeyProofSubmitted struct {
	Meta
	ProofIndex uint64                `json:"proofIndex"`
	Proof      *proofs.EpochKeyProof `json:"proof"`
}

// SignUpProofSubmitted records an attester sign-up proof under a proof index
type SignUpProofSubmitted struct {
	Meta
	ProofIndex uint64              `json:"proofIndex"`
	Proof      *proofs.SignUpProof `json:"proof"`
}

// ReputationNullifierSubmitted records a reputation spend under a proof index
type ReputationNullifierSubmitted struct {
	Meta
	ProofIndex uint64                  `json:"proofIndex"`
	Proof      *proofs.ReputationProof `json:"proof"`
}

// AttestationSubmitted is an attester's attestation to an epoch key, backed by the
// proof recorded at ToProofIndex
type AttestationSubmitted struct {
	Meta
	Epoch          uint64            `json:"epoch"`
	EpochKey       crypto.Element    `json:"epochKey"`
	Attester       ethcommon.Address `json:"attester"`
	Attestation    Attestation       `json:"attestation"`
	ToProofIndex   uint64            `json:"toProofIndex"`
	FromProofIndex uint64            `json:"fromProofIndex"`
}

// EpochEnded seals the epoch
type EpochEnded struct {
	Meta
	Epoch uint64 `json:"epoch"`
}

// UserStateTransitioned moves a user's state from an earlier epoch into the current GST
type UserStateTransitioned struct {
	Meta
	Epoch      uint64                      `json:"epoch"`
	ProofIndex uint64                      `json:"proofIndex"`
	Proof      *proofs.UserTransitionProof `json:"proof"`
}

// MalformedEvent takes the place of a log carrying a value the mirror cannot represent,
// such as a word outside the scalar field; it only advances the cursor
type MalformedEvent struct {
	Meta
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

func (m Meta) Metadata() Meta { return m }

func (*UserSignedUp) Name() string                 { return EventUserSignedUp }
func (*EpochKeyProofSubmitted) Name() string       { return EventEpochKeyProofSubmitted }
func (*SignUpProofSubmitted) Name() string         { return EventSignUpProofSubmitted }
func (*ReputationNullifierSubmitted) Name() string { return EventReputationNullifierSubmitted }
func (*AttestationSubmitted) Name() string         { return EventAttestationSubmitted }
func (*EpochEnded) Name() string                   { return EventEpochEnded }
func (*UserStateTransitioned) Name() string        { return EventUserStateTransitioned }

// Name returns the name of the log the event stands in for
func (e *MalformedEvent) Name() string { return e.Event }
