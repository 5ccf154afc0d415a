// Package ledger reads the unirep contract's event log and read-only accessors and decodes
// them into the events the state processor applies.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/state"
	"github.com/provideplatform/unirep/zkp/proofs"
)

// logUserStateTransitioned is emitted when the contract inserts a transitioned leaf; the
// proof itself was indexed earlier by an IndexedUserStateTransitionProof log
const logUserStateTransitioned = "UserStateTransitioned"

// ErrTransitionProofNotFound is returned when a transition refers to a proof index the
// contract never indexed
var ErrTransitionProofNotFound = errors.New("user state transition proof not found")

var errNotUint64 = errors.New("value does not fit in 64 bits")

// EventSource yields the ledger's unirep events in log order
type EventSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FetchEvents(ctx context.Context, fromBlock, toBlock uint64) ([]state.Event, error)
}

// Backend is the subset of an ethereum node client the ledger client needs; *ethclient.Client
// satisfies it
type Backend interface {
	bind.ContractCaller
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client is an EventSource backed by an ethereum JSON-RPC node
type Client struct {
	backend    Backend
	address    ethcommon.Address
	abi        abi.ABI
	contract   *bind.BoundContract
	settings   *common.Settings
	startBlock uint64

	mutex sync.Mutex

	// transition proofs indexed but not yet consumed by a UserStateTransitioned log
	transitionProofs map[uint64]*proofs.UserTransitionProof
}

// Dial connects to the node at rpcURL and returns a client for the contract at address
func Dial(ctx context.Context, rpcURL, address string, settings *common.Settings, startBlock uint64) (*Client, error) {
	if !ethcommon.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid unirep contract address: %s", address)
	}

	backend, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ethereum node %s; %s", rpcURL, err.Error())
	}

	return NewClient(backend, ethcommon.HexToAddress(address), settings, startBlock)
}

// NewClient returns a client for the contract at address
func NewClient(backend Backend, address ethcommon.Address, settings *common.Settings, startBlock uint64) (*Client, error) {
	if backend == nil || settings == nil {
		return nil, errors.New("backend and settings are required")
	}

	parsed, err := ParsedABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse unirep abi; %s", err.Error())
	}

	return &Client{
		backend:          backend,
		address:          address,
		abi:              parsed,
		contract:         bind.NewBoundContract(address, parsed, backend, nil, nil),
		settings:         settings,
		startBlock:       startBlock,
		transitionProofs: map[uint64]*proofs.UserTransitionProof{},
	}, nil
}

// Address returns the contract address
func (c *Client) Address() ethcommon.Address {
	return c.address
}

// LatestBlock returns the node's head block number
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

func (c *Client) eventIDs() []ethcommon.Hash {
	ids := make([]ethcommon.Hash, 0, len(c.abi.Events))
	for _, ev := range c.abi.Events {
		ids = append(ids, ev.ID)
	}
	return ids
}

// FetchEvents returns the decoded events of [fromBlock, toBlock] ordered by (block, log index)
func (c *Client) FetchEvents(ctx context.Context, fromBlock, toBlock uint64) ([]state.Event, error) {
	if fromBlock < c.startBlock {
		fromBlock = c.startBlock
	}
	if fromBlock > toBlock {
		return nil, nil
	}

	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []ethcommon.Address{c.address},
		Topics:    [][]ethcommon.Hash{c.eventIDs()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter unirep logs in blocks [%d, %d]; %w", fromBlock, toBlock, err)
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	c.mutex.Lock()
	defer c.mutex.Unlock()

	events := make([]state.Event, 0, len(logs))
	for i := range logs {
		log := &logs[i]
		if log.Removed {
			continue
		}

		ev, err := c.decode(ctx, log)
		if err != nil {
			return nil, fmt.Errorf("failed to decode log %d of tx %s; %w", log.Index, log.TxHash.Hex(), err)
		}
		if ev != nil {
			events = append(events, ev)
		}
	}

	common.Log.Debugf("decoded %d unirep events from %d logs in blocks [%d, %d]", len(events), len(logs), fromBlock, toBlock)
	return events, nil
}

func meta(log *types.Log) state.Meta {
	return state.Meta{
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
		TxHash:      log.TxHash,
	}
}

// decode returns nil without error for logs which only feed later events
func (c *Client) decode(ctx context.Context, log *types.Log) (state.Event, error) {
	if len(log.Topics) == 0 {
		return nil, errors.New("anonymous log")
	}

	event, err := c.abi.EventByID(log.Topics[0])
	if err != nil {
		return nil, err
	}

	values, err := c.abi.Unpack(event.Name, log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s; %s", event.Name, err.Error())
	}

	switch event.Name {
	case state.EventUserSignedUp:
		return c.decodeUserSignedUp(log, values)
	case state.EventEpochKeyProofSubmitted:
		return c.decodeEpochKeyProof(log, values)
	case state.EventReputationNullifierSubmitted:
		return c.decodeReputationProof(log, values)
	case state.EventSignUpProofSubmitted:
		return c.decodeSignUpProof(log, values)
	case state.EventUserStateTransitioned:
		proofIndex, prf, err := c.decodeTransitionProof(log, values)
		if isMalformed(err) {
			// the later transition log stands in as malformed
			c.transitionProofs[proofIndex] = nil
			common.Log.Warningf("malformed user state transition proof %d in tx %s; %s", proofIndex, log.TxHash.Hex(), err.Error())
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		c.transitionProofs[proofIndex] = prf
		return nil, nil
	case logUserStateTransitioned:
		return c.decodeUserStateTransitioned(ctx, log, values)
	case state.EventAttestationSubmitted:
		return c.decodeAttestation(log, values)
	case state.EventEpochEnded:
		epoch, err := topicUint64(log, 1)
		if err != nil {
			return nil, err
		}
		return &state.EpochEnded{Meta: meta(log), Epoch: epoch}, nil
	}

	return nil, fmt.Errorf("unhandled unirep event %s", event.Name)
}

func (c *Client) decodeUserSignedUp(log *types.Log, values []interface{}) (state.Event, error) {
	epoch, err := topicUint64(log, 1)
	if err != nil {
		return nil, err
	}
	commitment, err := topicElement(log, 2)
	if isMalformed(err) {
		return malformedEvent(log, state.EventUserSignedUp, err), nil
	} else if err != nil {
		return nil, err
	}
	attesterID, err := toUint64(values[0].(*big.Int))
	if isMalformed(err) {
		return malformedEvent(log, state.EventUserSignedUp, err), nil
	} else if err != nil {
		return nil, err
	}
	airdrop, err := crypto.NewElement(values[1].(*big.Int))
	if isMalformed(err) {
		return malformedEvent(log, state.EventUserSignedUp, err), nil
	} else if err != nil {
		return nil, err
	}

	return &state.UserSignedUp{
		Meta:               meta(log),
		Epoch:              epoch,
		IdentityCommitment: commitment,
		AttesterID:         attesterID,
		AirdropAmount:      airdrop,
	}, nil
}

func (c *Client) decodeEpochKeyProof(log *types.Log, values []interface{}) (state.Event, error) {
	proofIndex, err := topicUint64(log, 1)
	if err != nil {
		return nil, err
	}

	t := *abi.ConvertType(values[0], new(epochKeyProofTuple)).(*epochKeyProofTuple)
	p, err := proofs.EpochKeyProofFromWords(c.settings, []*big.Int{t.GlobalStateTree, t.Epoch, t.EpochKey}, t.Proof[:])
	if isMalformed(err) {
		return malformedEvent(log, state.EventEpochKeyProofSubmitted, err), nil
	} else if err != nil {
		return nil, err
	}
	return &state.EpochKeyProofSubmitted{Meta: meta(log), ProofIndex: proofIndex, Proof: p}, nil
}

func (c *Client) decodeReputationProof(log *types.Log, values []interface{}) (state.Event, error) {
	proofIndex, err := topicUint64(log, 1)
	if err != nil {
		return nil, err
	}

	t := *abi.ConvertType(values[0], new(reputationProofTuple)).(*reputationProofTuple)
	raw := append(append([]*big.Int{}, t.RepNullifiers...),
		t.Epoch,
		t.EpochKey,
		t.GlobalStateTree,
		t.AttesterId,
		t.ProveReputationAmount,
		t.MinRep,
		t.ProveGraffiti,
		t.GraffitiPreImage,
	)
	p, err := proofs.ReputationProofFromWords(c.settings, raw, t.Proof[:])
	if isMalformed(err) {
		return malformedEvent(log, state.EventReputationNullifierSubmitted, err), nil
	} else if err != nil {
		return nil, err
	}
	return &state.ReputationNullifierSubmitted{Meta: meta(log), ProofIndex: proofIndex, Proof: p}, nil
}

func (c *Client) decodeSignUpProof(log *types.Log, values []interface{}) (state.Event, error) {
	proofIndex, err := topicUint64(log, 1)
	if err != nil {
		return nil, err
	}

	t := *abi.ConvertType(values[0], new(signUpProofTuple)).(*signUpProofTuple)
	signals := []*big.Int{t.Epoch, t.EpochKey, t.GlobalStateTree, t.AttesterId, t.UserHasSignedUp}
	p, err := proofs.SignUpProofFromWords(c.settings, signals, t.Proof[:])
	if isMalformed(err) {
		return malformedEvent(log, state.EventSignUpProofSubmitted, err), nil
	} else if err != nil {
		return nil, err
	}
	return &state.SignUpProofSubmitted{Meta: meta(log), ProofIndex: proofIndex, Proof: p}, nil
}

func (c *Client) decodeTransitionProof(log *types.Log, values []interface{}) (uint64, *proofs.UserTransitionProof, error) {
	proofIndex, err := topicUint64(log, 1)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid proof index topic; %s", err.Error())
	}

	t := *abi.ConvertType(values[0], new(userTransitionProofTuple)).(*userTransitionProofTuple)
	if len(t.EpkNullifiers) != c.settings.NumEpochKeyNoncePerEpoch || len(t.BlindedHashChains) != c.settings.NumEpochKeyNoncePerEpoch {
		return proofIndex, nil, fmt.Errorf("%w: transition proof %d carries %d epoch key nullifiers and %d blinded hash chains", proofs.ErrMalformedInput, proofIndex, len(t.EpkNullifiers), len(t.BlindedHashChains))
	}

	raw := []*big.Int{t.NewGlobalStateTreeLeaf}
	raw = append(raw, t.EpkNullifiers...)
	raw = append(raw, t.TransitionFromEpoch)
	raw = append(raw, t.BlindedUserStates...)
	raw = append(raw, t.FromGlobalStateTree)
	raw = append(raw, t.BlindedHashChains...)
	raw = append(raw, t.FromEpochTree)

	p, err := proofs.UserTransitionProofFromWords(c.settings, raw, t.Proof[:])
	if err != nil {
		return proofIndex, nil, err
	}
	return proofIndex, p, nil
}

func (c *Client) decodeUserStateTransitioned(ctx context.Context, log *types.Log, values []interface{}) (state.Event, error) {
	epoch, err := topicUint64(log, 1)
	if err != nil {
		return nil, err
	}
	proofIndex, err := toUint64(values[0].(*big.Int))
	if err != nil {
		return nil, err
	}

	prf, ok := c.transitionProofs[proofIndex]
	if ok {
		delete(c.transitionProofs, proofIndex)
	} else {
		prf, err = c.lookupTransitionProof(ctx, proofIndex, log.BlockNumber)
		if isMalformed(err) {
			return malformedEvent(log, state.EventUserStateTransitioned, err), nil
		} else if err != nil {
			return nil, err
		}
	}
	if prf == nil {
		return malformedEvent(log, state.EventUserStateTransitioned, fmt.Errorf("%w: transition proof %d", proofs.ErrMalformedInput, proofIndex)), nil
	}

	return &state.UserStateTransitioned{
		Meta:       meta(log),
		Epoch:      epoch,
		ProofIndex: proofIndex,
		Proof:      prf,
	}, nil
}

// lookupTransitionProof resolves a proof indexed before the block range being fetched,
// i.e. after resuming from a checkpoint
func (c *Client) lookupTransitionProof(ctx context.Context, proofIndex, toBlock uint64) (*proofs.UserTransitionProof, error) {
	event := c.abi.Events[state.EventUserStateTransitioned]
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(c.startBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []ethcommon.Address{c.address},
		Topics: [][]ethcommon.Hash{
			{event.ID},
			{ethcommon.BigToHash(new(big.Int).SetUint64(proofIndex))},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up user state transition proof %d; %w", proofIndex, err)
	}

	for i := range logs {
		if logs[i].Removed {
			continue
		}
		values, err := c.abi.Unpack(event.Name, logs[i].Data)
		if err != nil {
			return nil, err
		}
		_, prf, err := c.decodeTransitionProof(&logs[i], values)
		return prf, err
	}

	return nil, fmt.Errorf("%w: proof index %d", ErrTransitionProofNotFound, proofIndex)
}

func (c *Client) decodeAttestation(log *types.Log, values []interface{}) (state.Event, error) {
	epoch, err := topicUint64(log, 1)
	if err != nil {
		return nil, err
	}
	if len(log.Topics) < 4 {
		return nil, errors.New("missing attester topic")
	}
	epochKey, err := topicElement(log, 2)
	if isMalformed(err) {
		return malformedEvent(log, state.EventAttestationSubmitted, err), nil
	} else if err != nil {
		return nil, err
	}

	t := *abi.ConvertType(values[0], new(attestationTuple)).(*attestationTuple)
	fields, err := toElements(t.AttesterId, t.PosRep, t.NegRep, t.Graffiti, t.SignUp)
	if isMalformed(err) {
		return malformedEvent(log, state.EventAttestationSubmitted, err), nil
	} else if err != nil {
		return nil, err
	}
	toProofIndex, err := toUint64(values[1].(*big.Int))
	if isMalformed(err) {
		return malformedEvent(log, state.EventAttestationSubmitted, err), nil
	} else if err != nil {
		return nil, err
	}
	fromProofIndex, err := toUint64(values[2].(*big.Int))
	if isMalformed(err) {
		return malformedEvent(log, state.EventAttestationSubmitted, err), nil
	} else if err != nil {
		return nil, err
	}

	return &state.AttestationSubmitted{
		Meta:     meta(log),
		Epoch:    epoch,
		EpochKey: epochKey,
		Attester: ethcommon.BytesToAddress(log.Topics[3].Bytes()),
		Attestation: state.Attestation{
			AttesterID: fields[0],
			PosRep:     fields[1],
			NegRep:     fields[2],
			Graffiti:   fields[3],
			SignUp:     fields[4],
		},
		ToProofIndex:   toProofIndex,
		FromProofIndex: fromProofIndex,
	}, nil
}

// isMalformed reports values the contract accepts but the mirror cannot represent
func isMalformed(err error) bool {
	return errors.Is(err, crypto.ErrNotInField) || errors.Is(err, errNotUint64) || errors.Is(err, proofs.ErrMalformedInput)
}

func malformedEvent(log *types.Log, name string, err error) state.Event {
	common.Log.Warningf("malformed %s log %d in tx %s; %s", name, log.Index, log.TxHash.Hex(), err.Error())
	return &state.MalformedEvent{Meta: meta(log), Event: name, Reason: err.Error()}
}

func toElements(vals ...*big.Int) ([]crypto.Element, error) {
	els := make([]crypto.Element, len(vals))
	for i, v := range vals {
		el, err := crypto.NewElement(v)
		if err != nil {
			return nil, fmt.Errorf("%w: value %d", err, i)
		}
		els[i] = el
	}
	return els, nil
}

func toUint64(v *big.Int) (uint64, error) {
	if v == nil || !v.IsUint64() {
		return 0, fmt.Errorf("%w: %s", errNotUint64, v)
	}
	return v.Uint64(), nil
}

func topicElement(log *types.Log, i int) (crypto.Element, error) {
	if len(log.Topics) <= i {
		return crypto.Zero, fmt.Errorf("missing topic %d", i)
	}
	return crypto.NewElement(new(big.Int).SetBytes(log.Topics[i].Bytes()))
}

func topicUint64(log *types.Log, i int) (uint64, error) {
	if len(log.Topics) <= i {
		return 0, fmt.Errorf("missing topic %d", i)
	}
	return toUint64(new(big.Int).SetBytes(log.Topics[i].Bytes()))
}

func (c *Client) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s on unirep contract %s; %w", method, c.address.Hex(), err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// CurrentEpoch returns the contract's current epoch
func (c *Client) CurrentEpoch(ctx context.Context) (uint64, error) {
	v, err := c.callUint(ctx, "currentEpoch")
	if err != nil {
		return 0, err
	}
	return toUint64(v)
}

// NumUserSignUps returns the number of identity commitments the contract has accepted
func (c *Client) NumUserSignUps(ctx context.Context) (uint64, error) {
	v, err := c.callUint(ctx, "numUserSignUps")
	if err != nil {
		return 0, err
	}
	return toUint64(v)
}

// Attesters returns the attester id registered for the address; 0 if it never registered
func (c *Client) Attesters(ctx context.Context, attester ethcommon.Address) (uint64, error) {
	v, err := c.callUint(ctx, "attesters", attester)
	if err != nil {
		return 0, err
	}
	return toUint64(v)
}

// AirdropAmount returns the positive reputation the attester grants on sign-up
func (c *Client) AirdropAmount(ctx context.Context, attester ethcommon.Address) (crypto.Element, error) {
	v, err := c.callUint(ctx, "airdropAmount", attester)
	if err != nil {
		return crypto.Zero, err
	}
	return crypto.NewElement(v)
}

// GetProofIndex returns the index the contract assigned the proof; 0 if it was never submitted
func (c *Client) GetProofIndex(ctx context.Context, p proofs.Proof) (uint64, error) {
	v, err := c.callUint(ctx, "getProofIndex", [32]byte(p.Hash()))
	if err != nil {
		return 0, err
	}
	return toUint64(v)
}
