package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	logger "github.com/kthomas/go-logger"
)

const defaultSyncInterval = time.Second * 15
const defaultSyncBatchSize = uint64(5000)
const defaultAPIListenAddr = "0.0.0.0:8080"
const defaultSnarkJSBinary = "snarkjs"

var (
	// Log is the configured logger
	Log *logger.Logger

	// ConsumeNATSStreamingSubscriptions is true when the sync-request consumer should be started
	ConsumeNATSStreamingSubscriptions bool

	// EthereumRPCURL is the ledger node endpoint events are read from
	EthereumRPCURL string

	// ContractAddress is the hex address of the unirep contract being mirrored
	ContractAddress string

	// StartBlock is the block the contract was deployed in; sync never reads below it
	StartBlock uint64

	// SyncInterval is the delay between background sync rounds
	SyncInterval time.Duration

	// SyncBatchSize is the maximum block span requested from the ledger per round trip
	SyncBatchSize uint64

	// APIListenAddr is the address the read-only API binds to
	APIListenAddr string

	// SnarkJSBinary is the snarkjs executable used to generate proofs
	SnarkJSBinary string

	// CircuitsDir holds the <circuit>.wasm and <circuit>.zkey proving artifacts
	CircuitsDir string

	// VerifyingKeysDir holds one verifying key per circuit
	VerifyingKeysDir string

	// DatabaseConfigured is true when checkpoints are persisted to postgres
	DatabaseConfigured bool
)

func init() {
	godotenv.Load()

	requireLogger()
	requireSyncConfig()
	requireZKPConfig()
}

func requireLogger() {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "INFO"
	}

	var endpoint *string
	if os.Getenv("SYSLOG_ENDPOINT") != "" {
		endpt := os.Getenv("SYSLOG_ENDPOINT")
		endpoint = &endpt
	}

	Log = logger.NewLogger("unirep", lvl, endpoint)
}

func requireSyncConfig() {
	ConsumeNATSStreamingSubscriptions = strings.ToLower(os.Getenv("CONSUME_NATS_STREAMING_SUBSCRIPTIONS")) == "true"

	EthereumRPCURL = os.Getenv("ETH_RPC_URL")
	ContractAddress = os.Getenv("UNIREP_CONTRACT_ADDRESS")
	StartBlock = envUint64("UNIREP_START_BLOCK", 0)
	SyncBatchSize = envUint64("UNIREP_SYNC_BATCH_SIZE", defaultSyncBatchSize)

	SyncInterval = defaultSyncInterval
	if os.Getenv("UNIREP_SYNC_INTERVAL") != "" {
		interval, err := time.ParseDuration(os.Getenv("UNIREP_SYNC_INTERVAL"))
		if err != nil {
			Log.Warningf("failed to parse UNIREP_SYNC_INTERVAL; using default %s; %s", defaultSyncInterval, err.Error())
		} else {
			SyncInterval = interval
		}
	}

	APIListenAddr = os.Getenv("API_LISTEN_ADDR")
	if APIListenAddr == "" {
		APIListenAddr = defaultAPIListenAddr
	}
}

func requireZKPConfig() {
	SnarkJSBinary = os.Getenv("SNARKJS_BINARY")
	if SnarkJSBinary == "" {
		SnarkJSBinary = defaultSnarkJSBinary
	}

	CircuitsDir = os.Getenv("UNIREP_CIRCUITS_DIR")
	VerifyingKeysDir = os.Getenv("UNIREP_VERIFYING_KEYS_DIR")
	DatabaseConfigured = os.Getenv("DATABASE_HOST") != ""
}

// RequireLedgerConfig panics if the ledger connection has not been configured
func RequireLedgerConfig() {
	PanicIfEmpty(EthereumRPCURL, "ETH_RPC_URL required")
	PanicIfEmpty(ContractAddress, "UNIREP_CONTRACT_ADDRESS required")
}

func envUint64(key string, fallback uint64) uint64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}

	val, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		Log.Warningf("failed to parse %s; using default %d; %s", key, fallback, err.Error())
		return fallback
	}

	return val
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		Log.Warningf("failed to parse %s; using default %d; %s", key, fallback, err.Error())
		return fallback
	}

	return val
}
