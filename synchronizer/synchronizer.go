// Package synchronizer keeps a UnirepState in step with the ledger: it pulls events in
// block batches, applies them, checkpoints the result and notifies subscribers.
package synchronizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/ledger"
	"github.com/provideplatform/unirep/state"
	"github.com/provideplatform/unirep/store"
	"github.com/provideplatform/unirep/store/providers/dmt"
)

// Config of a synchronizer
type Config struct {
	ContractAddress string
	StartBlock      uint64
	BatchSize       uint64
}

// ConfigFromEnv returns the sync config resolved by the common package
func ConfigFromEnv() *Config {
	return &Config{
		ContractAddress: common.ContractAddress,
		StartBlock:      common.StartBlock,
		BatchSize:       common.SyncBatchSize,
	}
}

// Synchronizer replays the ledger into a UnirepState; rounds are serialized
type Synchronizer struct {
	mutex sync.Mutex

	source      ledger.EventSource
	state       *state.UnirepState
	checkpoints store.CheckpointStore
	notifier    Notifier
	config      Config

	synced   bool
	syncedTo uint64
}

// Result summarizes one SyncOnce round
type Result struct {
	ID          uuid.UUID `json:"id"`
	FromBlock   uint64    `json:"from_block"`
	ToBlock     uint64    `json:"to_block"`
	Applied     int       `json:"applied"`
	Rejected    int       `json:"rejected"`
	Skipped     int       `json:"skipped"`
	ReceiptRoot *string   `json:"receipt_root,omitempty"`
}

// NewSynchronizer returns a synchronizer resuming from the state's latest processed block;
// checkpoints and notifier are optional
func NewSynchronizer(source ledger.EventSource, unirepState *state.UnirepState, checkpoints store.CheckpointStore, notifier Notifier, config *Config) (*Synchronizer, error) {
	if source == nil || unirepState == nil || config == nil {
		return nil, errors.New("event source, unirep state and config are required")
	}
	if config.BatchSize == 0 {
		return nil, errors.New("sync batch size must be positive")
	}
	if checkpoints != nil && config.ContractAddress == "" {
		return nil, errors.New("contract address required to checkpoint")
	}

	s := &Synchronizer{
		source:      source,
		state:       unirepState,
		checkpoints: checkpoints,
		notifier:    notifier,
		config:      *config,
	}

	if unirepState.Cursor() != nil || unirepState.LatestProcessedBlock() > 0 {
		s.synced = true
		s.syncedTo = unirepState.LatestProcessedBlock()
	}

	return s, nil
}

// State returns the synchronized state
func (s *Synchronizer) State() *state.UnirepState {
	return s.state
}

func (s *Synchronizer) nextBlock() uint64 {
	if s.synced && s.syncedTo+1 > s.config.StartBlock {
		return s.syncedTo + 1
	}
	return s.config.StartBlock
}

// SyncOnce applies every event up to the ledger's current head. A batch that fails part
// way is fetched again in full next round; events already applied are skipped.
func (s *Synchronizer) SyncOnce(ctx context.Context) (*Result, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	head, err := s.source.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ledger head; %w", err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	from := s.nextBlock()
	result := &Result{ID: id, FromBlock: from}
	if from > head {
		result.ToBlock = s.syncedTo
		return result, nil
	}

	for from <= head {
		to := from + s.config.BatchSize - 1
		if to > head || to < from {
			to = head
		}

		events, err := s.source.FetchEvents(ctx, from, to)
		if err != nil {
			return result, fmt.Errorf("failed to fetch unirep events in blocks [%d, %d]; %w", from, to, err)
		}

		results, err := s.state.ApplyBatch(ctx, events)
		processed := tally(result, results)
		if err != nil {
			return result, fmt.Errorf("failed to apply unirep events in blocks [%d, %d]; %w", from, to, err)
		}

		s.state.AdvanceBlock(to)
		s.synced = true
		s.syncedTo = to
		result.ToBlock = to

		root, err := receiptRoot(processed)
		if err != nil {
			return result, err
		}
		if root != nil {
			result.ReceiptRoot = root
		}

		if len(processed) > 0 || to == head {
			if err := s.checkpoint(ctx, root); err != nil {
				return result, err
			}
		}

		s.notify(ctx, processed)
		from = to + 1
	}

	common.Log.Debugf("sync round %s synchronized unirep state through block %d; %d applied, %d rejected, %d skipped", result.ID, result.ToBlock, result.Applied, result.Rejected, result.Skipped)
	s.dispatch(ctx, notificationSyncCompleted, result)
	return result, nil
}

// tally adds the results to the round summary and returns the ones which were not skipped
func tally(result *Result, results []*state.ApplyResult) []*state.ApplyResult {
	processed := make([]*state.ApplyResult, 0, len(results))
	for _, r := range results {
		switch {
		case r.Skipped:
			result.Skipped++
			continue
		case r.Applied:
			result.Applied++
		default:
			result.Rejected++
		}
		processed = append(processed, r)
	}
	return processed
}

// receipt is the leaf committed to by a batch's receipt root
type receipt struct {
	Event     string          `json:"event"`
	Position  state.Position  `json:"position"`
	TxHash    string          `json:"transactionHash"`
	Applied   bool            `json:"applied"`
	Rejection state.Rejection `json:"rejection"`
}

func newReceipt(r *state.ApplyResult) *receipt {
	return &receipt{
		Event:     r.Event.Name(),
		Position:  r.Event.Position(),
		TxHash:    r.Event.Metadata().TxHash.Hex(),
		Applied:   r.Applied,
		Rejection: r.Rejection,
	}
}

// receiptRoot commits to the outcome of every processed event of a batch; nil when the
// batch processed nothing
func receiptRoot(processed []*state.ApplyResult) (*string, error) {
	if len(processed) == 0 {
		return nil, nil
	}

	tree := dmt.InitDMT()
	for _, r := range processed {
		raw, err := json.Marshal(newReceipt(r))
		if err != nil {
			return nil, err
		}
		if _, err := tree.Insert(raw); err != nil {
			return nil, fmt.Errorf("failed to insert receipt of %s event; %s", r.Event.Name(), err.Error())
		}
	}
	return tree.Root()
}

func (s *Synchronizer) checkpoint(ctx context.Context, receiptRoot *string) error {
	if s.checkpoints == nil {
		return nil
	}

	checkpoint, err := store.NewCheckpoint(s.config.ContractAddress, s.state, receiptRoot)
	if err != nil {
		return fmt.Errorf("failed to snapshot unirep state; %w", err)
	}
	if err := s.checkpoints.SaveCheckpoint(ctx, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint at block %d; %w", checkpoint.LatestProcessedBlock, err)
	}
	return nil
}

// Run syncs immediately and then every interval until ctx is done
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.SyncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			common.Log.Warningf("unirep sync round failed; %s", err.Error())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
