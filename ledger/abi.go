package ledger

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// unirepABI covers the events the mirror replays and the read-only accessors it queries
const unirepABI = `[
	{"type":"event","name":"UserSignedUp","anonymous":false,"inputs":[
		{"name":"_epoch","type":"uint256","indexed":true},
		{"name":"_identityCommitment","type":"uint256","indexed":true},
		{"name":"_attesterId","type":"uint256","indexed":false},
		{"name":"_airdropAmount","type":"uint256","indexed":false}]},
	{"type":"event","name":"IndexedEpochKeyProof","anonymous":false,"inputs":[
		{"name":"_proofIndex","type":"uint256","indexed":true},
		{"name":"_epoch","type":"uint256","indexed":true},
		{"name":"_epochKey","type":"uint256","indexed":true},
		{"name":"_proof","type":"tuple","indexed":false,"components":[
			{"name":"globalStateTree","type":"uint256"},
			{"name":"epoch","type":"uint256"},
			{"name":"epochKey","type":"uint256"},
			{"name":"proof","type":"uint256[8]"}]}]},
	{"type":"event","name":"IndexedReputationProof","anonymous":false,"inputs":[
		{"name":"_proofIndex","type":"uint256","indexed":true},
		{"name":"_epoch","type":"uint256","indexed":true},
		{"name":"_epochKey","type":"uint256","indexed":true},
		{"name":"_proof","type":"tuple","indexed":false,"components":[
			{"name":"repNullifiers","type":"uint256[]"},
			{"name":"epoch","type":"uint256"},
			{"name":"epochKey","type":"uint256"},
			{"name":"globalStateTree","type":"uint256"},
			{"name":"attesterId","type":"uint256"},
			{"name":"proveReputationAmount","type":"uint256"},
			{"name":"minRep","type":"uint256"},
			{"name":"proveGraffiti","type":"uint256"},
			{"name":"graffitiPreImage","type":"uint256"},
			{"name":"proof","type":"uint256[8]"}]}]},
	{"type":"event","name":"IndexedUserSignedUpProof","anonymous":false,"inputs":[
		{"name":"_proofIndex","type":"uint256","indexed":true},
		{"name":"_epoch","type":"uint256","indexed":true},
		{"name":"_epochKey","type":"uint256","indexed":true},
		{"name":"_proof","type":"tuple","indexed":false,"components":[
			{"name":"epoch","type":"uint256"},
			{"name":"epochKey","type":"uint256"},
			{"name":"globalStateTree","type":"uint256"},
			{"name":"attesterId","type":"uint256"},
			{"name":"userHasSignedUp","type":"uint256"},
			{"name":"proof","type":"uint256[8]"}]}]},
	{"type":"event","name":"IndexedUserStateTransitionProof","anonymous":false,"inputs":[
		{"name":"_proofIndex","type":"uint256","indexed":true},
		{"name":"_proof","type":"tuple","indexed":false,"components":[
			{"name":"newGlobalStateTreeLeaf","type":"uint256"},
			{"name":"epkNullifiers","type":"uint256[]"},
			{"name":"transitionFromEpoch","type":"uint256"},
			{"name":"blindedUserStates","type":"uint256[]"},
			{"name":"fromGlobalStateTree","type":"uint256"},
			{"name":"blindedHashChains","type":"uint256[]"},
			{"name":"fromEpochTree","type":"uint256"},
			{"name":"proof","type":"uint256[8]"}]}]},
	{"type":"event","name":"UserStateTransitioned","anonymous":false,"inputs":[
		{"name":"_epoch","type":"uint256","indexed":true},
		{"name":"_hashedLeaf","type":"uint256","indexed":true},
		{"name":"_proofIndex","type":"uint256","indexed":false}]},
	{"type":"event","name":"AttestationSubmitted","anonymous":false,"inputs":[
		{"name":"_epoch","type":"uint256","indexed":true},
		{"name":"_epochKey","type":"uint256","indexed":true},
		{"name":"_attester","type":"address","indexed":true},
		{"name":"_attestation","type":"tuple","indexed":false,"components":[
			{"name":"attesterId","type":"uint256"},
			{"name":"posRep","type":"uint256"},
			{"name":"negRep","type":"uint256"},
			{"name":"graffiti","type":"uint256"},
			{"name":"signUp","type":"uint256"}]},
		{"name":"_toProofIndex","type":"uint256","indexed":false},
		{"name":"_fromProofIndex","type":"uint256","indexed":false}]},
	{"type":"event","name":"EpochEnded","anonymous":false,"inputs":[
		{"name":"_epoch","type":"uint256","indexed":true}]},
	{"type":"function","name":"currentEpoch","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"numUserSignUps","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"attesters","stateMutability":"view","inputs":[{"name":"","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"airdropAmount","stateMutability":"view","inputs":[{"name":"","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getProofIndex","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],
		"outputs":[{"name":"","type":"uint256"}]}
]`

// ParsedABI returns the contract ABI the client decodes with
func ParsedABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(unirepABI))
}

// the tuple layouts below mirror the ABI component names so abi.ConvertType can fill them

type epochKeyProofTuple struct {
	GlobalStateTree *big.Int
	Epoch           *big.Int
	EpochKey        *big.Int
	Proof           [8]*big.Int
}

type reputationProofTuple struct {
	RepNullifiers         []*big.Int
	Epoch                 *big.Int
	EpochKey              *big.Int
	GlobalStateTree       *big.Int
	AttesterId            *big.Int
	ProveReputationAmount *big.Int
	MinRep                *big.Int
	ProveGraffiti         *big.Int
	GraffitiPreImage      *big.Int
	Proof                 [8]*big.Int
}

type signUpProofTuple struct {
	Epoch           *big.Int
	EpochKey        *big.Int
	GlobalStateTree *big.Int
	AttesterId      *big.Int
	UserHasSignedUp *big.Int
	Proof           [8]*big.Int
}

type userTransitionProofTuple struct {
	NewGlobalStateTreeLeaf *big.Int
	EpkNullifiers          []*big.Int
	TransitionFromEpoch    *big.Int
	BlindedUserStates      []*big.Int
	FromGlobalStateTree    *big.Int
	BlindedHashChains      []*big.Int
	FromEpochTree          *big.Int
	Proof                  [8]*big.Int
}

type attestationTuple struct {
	AttesterId *big.Int
	PosRep     *big.Int
	NegRep     *big.Int
	Graffiti   *big.Int
	SignUp     *big.Int
}
