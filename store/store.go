// Package store persists the mirrored unirep state as checkpoints so a restarted
// synchronizer resumes from its last processed block instead of the deployment block.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/jinzhu/gorm"
	dbconf "github.com/kthomas/go-db-config"
	provide "github.com/provideplatform/provide-go/api"
	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/state"
	"github.com/provideplatform/unirep/zkp/providers"
)

// ErrNoCheckpoint is returned when no checkpoint was ever saved for the contract
var ErrNoCheckpoint = errors.New("no checkpoint")

// Checkpoint model; a snapshot of the mirrored state as of LatestProcessedBlock
type Checkpoint struct {
	provide.Model

	ContractAddress      *string `sql:"not null" json:"contract_address"`
	LatestProcessedBlock uint64  `sql:"not null" json:"latest_processed_block"`
	Epoch                uint64  `sql:"not null" json:"epoch"`
	ReceiptRoot          *string `json:"receipt_root"`

	Snapshot *json.RawMessage `sql:"type:json not null" json:"-"`
}

// NewCheckpoint snapshots the state; receiptRoot commits to the events applied since
// the previous checkpoint
func NewCheckpoint(contractAddress string, s *state.UnirepState, receiptRoot *string) (*Checkpoint, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	snapshot := json.RawMessage(raw)

	return &Checkpoint{
		ContractAddress:      common.StringOrNil(strings.ToLower(contractAddress)),
		LatestProcessedBlock: s.LatestProcessedBlock(),
		Epoch:                s.CurrentEpoch(),
		ReceiptRoot:          receiptRoot,
		Snapshot:             &snapshot,
	}, nil
}

// Restore rebuilds the state captured by the checkpoint
func (c *Checkpoint) Restore(verifier providers.Verifier) (*state.UnirepState, error) {
	if c.Snapshot == nil {
		return nil, errors.New("checkpoint has no snapshot")
	}
	return state.Restore(*c.Snapshot, verifier)
}

// Create a checkpoint
func (c *Checkpoint) Create(db *gorm.DB) bool {
	if !c.validate() {
		return false
	}

	if db.NewRecord(c) {
		result := db.Create(&c)
		rowsAffected := result.RowsAffected
		errors := result.GetErrors()
		if len(errors) > 0 {
			for _, err := range errors {
				c.Errors = append(c.Errors, &provide.Error{
					Message: common.StringOrNil(err.Error()),
				})
			}
		}
		if !db.NewRecord(c) {
			success := rowsAffected > 0
			if success {
				common.Log.Debugf("saved checkpoint %s of unirep contract %s at block %d", c.ID, *c.ContractAddress, c.LatestProcessedBlock)
			}

			return success
		}
	}

	return false
}

// validate the checkpoint params
func (c *Checkpoint) validate() bool {
	c.Errors = make([]*provide.Error, 0)

	if c.ContractAddress == nil || *c.ContractAddress == "" {
		c.Errors = append(c.Errors, &provide.Error{
			Message: common.StringOrNil("contract address required"),
		})
	}

	if c.Snapshot == nil || len(*c.Snapshot) == 0 {
		c.Errors = append(c.Errors, &provide.Error{
			Message: common.StringOrNil("snapshot required"),
		})
	}

	return len(c.Errors) == 0
}

func (c *Checkpoint) err() error {
	msgs := make([]string, 0, len(c.Errors))
	for _, e := range c.Errors {
		if e.Message != nil {
			msgs = append(msgs, *e.Message)
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// LatestCheckpoint returns the checkpoint with the highest processed block for the contract
func LatestCheckpoint(db *gorm.DB, contractAddress string) *Checkpoint {
	checkpoint := &Checkpoint{}
	db.Where("contract_address = ?", strings.ToLower(contractAddress)).
		Order("latest_processed_block DESC, created_at DESC").
		First(&checkpoint)
	if checkpoint.ContractAddress == nil {
		return nil
	}
	return checkpoint
}

// CheckpointStore saves and loads checkpoints
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error
	LatestCheckpoint(ctx context.Context, contractAddress string) (*Checkpoint, error)
}

// DBCheckpointStore keeps checkpoints in the configured postgres database
type DBCheckpointStore struct {
	db *gorm.DB
}

// NewDBCheckpointStore returns a store on db, or on the shared connection when db is nil
func NewDBCheckpointStore(db *gorm.DB) *DBCheckpointStore {
	if db == nil {
		db = dbconf.DatabaseConnection()
	}
	return &DBCheckpointStore{db: db}
}

// SaveCheckpoint inserts the checkpoint
func (s *DBCheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	if !checkpoint.Create(s.db) {
		return checkpoint.err()
	}
	return nil
}

// LatestCheckpoint returns ErrNoCheckpoint if nothing was saved for the contract
func (s *DBCheckpointStore) LatestCheckpoint(ctx context.Context, contractAddress string) (*Checkpoint, error) {
	checkpoint := LatestCheckpoint(s.db, contractAddress)
	if checkpoint == nil {
		return nil, ErrNoCheckpoint
	}
	return checkpoint, nil
}

// MemoryCheckpointStore keeps the latest checkpoint per contract in memory
type MemoryCheckpointStore struct {
	mutex       sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryCheckpointStore returns an empty in-memory store
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: map[string]*Checkpoint{}}
}

// SaveCheckpoint replaces the contract's checkpoint unless it is older than the stored one
func (s *MemoryCheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	if !checkpoint.validate() {
		return checkpoint.err()
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := strings.ToLower(*checkpoint.ContractAddress)
	if prev, ok := s.checkpoints[key]; ok && prev.LatestProcessedBlock > checkpoint.LatestProcessedBlock {
		return nil
	}
	s.checkpoints[key] = checkpoint
	return nil
}

// LatestCheckpoint returns ErrNoCheckpoint if nothing was saved for the contract
func (s *MemoryCheckpointStore) LatestCheckpoint(ctx context.Context, contractAddress string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	checkpoint, ok := s.checkpoints[strings.ToLower(contractAddress)]
	if !ok {
		return nil, ErrNoCheckpoint
	}
	return checkpoint, nil
}
