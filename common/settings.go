package common

import (
	"errors"
	"fmt"
	"math/big"
	"os"
)

const defaultGlobalStateTreeDepth = 4
const defaultUserStateTreeDepth = 4
const defaultEpochTreeDepth = 4
const defaultEpochLength = 30
const defaultNumEpochKeyNoncePerEpoch = 3
const defaultMaxReputationBudget = 10

// Settings are the protocol constants of a deployed unirep instance; they must match
// the ledger's configuration exactly or every recomputed root diverges
type Settings struct {
	GlobalStateTreeDepth     int      `json:"globalStateTreeDepth"`
	UserStateTreeDepth       int      `json:"userStateTreeDepth"`
	EpochTreeDepth           int      `json:"epochTreeDepth"`
	AttestingFee             *big.Int `json:"attestingFee"`
	EpochLength              int      `json:"epochLength"`
	NumEpochKeyNoncePerEpoch int      `json:"numEpochKeyNoncePerEpoch"`
	MaxReputationBudget      int      `json:"maxReputationBudget"`
	MaxUsers                 int      `json:"maxUsers"`
	MaxAttesters             int      `json:"maxAttesters"`
}

// DefaultSettings returns the settings of the protocol's testing deployment
func DefaultSettings() *Settings {
	return &Settings{
		GlobalStateTreeDepth:     defaultGlobalStateTreeDepth,
		UserStateTreeDepth:       defaultUserStateTreeDepth,
		EpochTreeDepth:           defaultEpochTreeDepth,
		AttestingFee:             big.NewInt(0),
		EpochLength:              defaultEpochLength,
		NumEpochKeyNoncePerEpoch: defaultNumEpochKeyNoncePerEpoch,
		MaxReputationBudget:      defaultMaxReputationBudget,
		MaxUsers:                 (1 << defaultGlobalStateTreeDepth) - 1,
		MaxAttesters:             (1 << defaultUserStateTreeDepth) - 1,
	}
}

// SettingsFromEnv resolves the protocol settings from the environment, falling back
// to the defaults for anything unset
func SettingsFromEnv() (*Settings, error) {
	s := DefaultSettings()

	s.GlobalStateTreeDepth = envInt("UNIREP_GLOBAL_STATE_TREE_DEPTH", s.GlobalStateTreeDepth)
	s.UserStateTreeDepth = envInt("UNIREP_USER_STATE_TREE_DEPTH", s.UserStateTreeDepth)
	s.EpochTreeDepth = envInt("UNIREP_EPOCH_TREE_DEPTH", s.EpochTreeDepth)
	s.EpochLength = envInt("UNIREP_EPOCH_LENGTH", s.EpochLength)
	s.NumEpochKeyNoncePerEpoch = envInt("UNIREP_NUM_EPOCH_KEY_NONCE_PER_EPOCH", s.NumEpochKeyNoncePerEpoch)
	s.MaxReputationBudget = envInt("UNIREP_MAX_REPUTATION_BUDGET", s.MaxReputationBudget)
	s.MaxUsers = envInt("UNIREP_MAX_USERS", (1<<s.GlobalStateTreeDepth)-1)
	s.MaxAttesters = envInt("UNIREP_MAX_ATTESTERS", (1<<s.UserStateTreeDepth)-1)

	if fee := os.Getenv("UNIREP_ATTESTING_FEE"); fee != "" {
		val, ok := new(big.Int).SetString(fee, 10)
		if !ok {
			return nil, fmt.Errorf("failed to parse UNIREP_ATTESTING_FEE: %s", fee)
		}
		s.AttestingFee = val
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Validate returns an error if the settings cannot describe a deployable instance
func (s *Settings) Validate() error {
	if s == nil {
		return errors.New("nil settings")
	}

	if s.GlobalStateTreeDepth <= 0 || s.GlobalStateTreeDepth > 32 {
		return fmt.Errorf("invalid global state tree depth: %d", s.GlobalStateTreeDepth)
	}

	if s.UserStateTreeDepth <= 0 || s.UserStateTreeDepth > 62 {
		return fmt.Errorf("invalid user state tree depth: %d", s.UserStateTreeDepth)
	}

	if s.EpochTreeDepth <= 0 || s.EpochTreeDepth > 252 {
		return fmt.Errorf("invalid epoch tree depth: %d", s.EpochTreeDepth)
	}

	if s.NumEpochKeyNoncePerEpoch <= 0 {
		return fmt.Errorf("invalid number of epoch key nonces per epoch: %d", s.NumEpochKeyNoncePerEpoch)
	}

	if s.MaxReputationBudget <= 0 {
		return fmt.Errorf("invalid max reputation budget: %d", s.MaxReputationBudget)
	}

	if s.MaxUsers <= 0 || s.MaxUsers > 1<<s.GlobalStateTreeDepth {
		return fmt.Errorf("invalid max users %d for global state tree depth %d", s.MaxUsers, s.GlobalStateTreeDepth)
	}

	if s.MaxAttesters <= 0 || s.MaxAttesters >= 1<<s.UserStateTreeDepth {
		return fmt.Errorf("invalid max attesters %d for user state tree depth %d", s.MaxAttesters, s.UserStateTreeDepth)
	}

	if s.AttestingFee == nil || s.AttestingFee.Sign() < 0 {
		return errors.New("invalid attesting fee")
	}

	return nil
}
