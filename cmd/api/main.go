package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	provide "github.com/provideplatform/provide-go/common"
	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/ledger"
	"github.com/provideplatform/unirep/state"
	"github.com/provideplatform/unirep/store"
	"github.com/provideplatform/unirep/synchronizer"
	"github.com/provideplatform/unirep/zkp/providers"
)

const runloopSleepInterval = 250 * time.Millisecond
const runloopTickInterval = 5000 * time.Millisecond

var (
	cancelF     context.CancelFunc
	closing     uint32
	shutdownCtx context.Context
	sigs        chan os.Signal

	srv *http.Server
)

func main() {
	common.Log.Debugf("starting unirep state mirror API...")
	installSignalHandlers()

	runAPI()

	timer := time.NewTicker(runloopTickInterval)
	defer timer.Stop()

	for !shuttingDown() {
		select {
		case <-timer.C:
			// tick... no-op
		case sig := <-sigs:
			common.Log.Debugf("received signal: %s", sig)
			srv.Shutdown(shutdownCtx)
			shutdown()
		case <-shutdownCtx.Done():
			close(sigs)
		default:
			time.Sleep(runloopSleepInterval)
		}
	}

	common.Log.Debug("exiting unirep state mirror API")
	cancelF()
}

func installSignalHandlers() {
	common.Log.Debug("installing signal handlers for unirep state mirror API")
	sigs = make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	shutdownCtx, cancelF = context.WithCancel(context.Background())
}

func shutdown() {
	if atomic.AddUint32(&closing, 1) == 1 {
		common.Log.Debug("shutting down unirep state mirror API")
		cancelF()
	}
}

func shuttingDown() bool {
	return (atomic.LoadUint32(&closing) > 0)
}

func requireVerifier() providers.Verifier {
	verifier, err := loadVerifier(common.VerifyingKeysDir)
	if err != nil {
		common.Log.Panicf("failed to initialize gnark verifier; %s", err.Error())
	}
	return verifier
}

// loadVerifier requires a verifying key for every circuit the contract emits proofs for
func loadVerifier(dir string) (providers.Verifier, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: UNIREP_VERIFYING_KEYS_DIR not set", providers.ErrMissingVerifyingKey)
	}

	verifier, err := providers.InitGnarkCircuitProvider(nil)
	if err != nil {
		return nil, err
	}
	if err := verifier.LoadVerifyingKeys(dir); err != nil {
		return nil, err
	}
	return verifier, nil
}

func requireCheckpointStore() store.CheckpointStore {
	if common.DatabaseConfigured {
		return store.NewDBCheckpointStore(nil)
	}

	common.Log.Warning("DATABASE_HOST not set; checkpoints are kept in memory only")
	return store.NewMemoryCheckpointStore()
}

// requireState restores the latest checkpoint of the contract, or starts from genesis
func requireState(settings *common.Settings, verifier providers.Verifier, checkpoints store.CheckpointStore) *state.UnirepState {
	checkpoint, err := checkpoints.LatestCheckpoint(shutdownCtx, common.ContractAddress)
	if err == nil {
		unirepState, err := checkpoint.Restore(verifier)
		if err != nil {
			common.Log.Panicf("failed to restore checkpoint %s; %s", checkpoint.ID, err.Error())
		}
		common.Log.Debugf("restored unirep state at block %d from checkpoint %s", unirepState.LatestProcessedBlock(), checkpoint.ID)
		return unirepState
	} else if !errors.Is(err, store.ErrNoCheckpoint) {
		common.Log.Panicf("failed to load latest checkpoint; %s", err.Error())
	}

	unirepState, err := state.NewUnirepState(settings, verifier)
	if err != nil {
		common.Log.Panicf("failed to initialize unirep state; %s", err.Error())
	}
	return unirepState
}

func runAPI() {
	common.RequireLedgerConfig()

	settings, err := common.SettingsFromEnv()
	if err != nil {
		common.Log.Panicf("invalid unirep settings; %s", err.Error())
	}

	verifier := requireVerifier()
	checkpoints := requireCheckpointStore()
	unirepState := requireState(settings, verifier, checkpoints)

	client, err := ledger.Dial(shutdownCtx, common.EthereumRPCURL, common.ContractAddress, settings, common.StartBlock)
	if err != nil {
		common.Log.Panicf("failed to initialize ledger client; %s", err.Error())
	}

	var notifier synchronizer.Notifier
	if common.ConsumeNATSStreamingSubscriptions {
		notifier = synchronizer.NewNatsNotifier(common.ContractAddress)
	}

	syncer, err := synchronizer.NewSynchronizer(client, unirepState, checkpoints, notifier, synchronizer.ConfigFromEnv())
	if err != nil {
		common.Log.Panicf("failed to initialize synchronizer; %s", err.Error())
	}

	var wg sync.WaitGroup
	syncer.RequireNatsSubscriptions(&wg)

	go func() {
		err := syncer.Run(shutdownCtx, common.SyncInterval)
		if err != nil && !errors.Is(err, context.Canceled) {
			common.Log.Warningf("unirep sync loop exited; %s", err.Error())
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", statusHandler)
	state.InstallAPI(r, unirepState)
	store.InstallAPI(r, checkpoints)

	srv = &http.Server{
		Addr:    common.APIListenAddr,
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			common.Log.Panicf("failed to listen on %s; %s", common.APIListenAddr, err.Error())
		}
	}()

	common.Log.Debugf("listening on %s", common.APIListenAddr)
}

func statusHandler(c *gin.Context) {
	provide.Render(nil, 204, c)
}
