package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/pkg/log"
)

const (
	// actionBatchSize determines how many blockchain actions to process at once
	actionBatchSize = 20

	// maxActionRetries is the maximum number of times to retry a failed action
	maxActionRetries = 5

	// chainWorkerTickInterval is how frequently each chain worker checks for new actions
	chainWorkerTickInterval = 30 * time.Second

	unmarshalCheckpointDataError = "unmarshal checkpoint data"
)

// BlockchainWorker drains queued blockchain actions, one worker goroutine
// per configured chain.
type BlockchainWorker struct {
	db      *gorm.DB
	custody map[uint32]CustodyInterface
	logger  log.Logger
}

func NewBlockchainWorker(db *gorm.DB, custody map[uint32]CustodyInterface, logger log.Logger) *BlockchainWorker {
	return &BlockchainWorker{
		db:      db,
		custody: custody,
		logger:  logger.WithName("blockchain-worker"),
	}
}

// Start spawns one worker per configured chain and blocks until ctx is
// cancelled and every worker has drained.
func (w *BlockchainWorker) Start(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(len(w.custody))
	for chainID := range w.custody {
		go func() {
			defer wg.Done()
			w.runChainWorker(ctx, chainID)
		}()
	}
	w.logger.Info("blockchain workers started", "chains", len(w.custody))

	<-ctx.Done()
	w.logger.Debug("shutdown signal received, waiting for chain workers to stop...")
	wg.Wait()
	w.logger.Info("all chain workers have stopped")
}

func (w *BlockchainWorker) runChainWorker(ctx context.Context, chainID uint32) {
	logger := w.logger.WithKV("chain", chainID)
	logger.Info("chain worker started")
	defer logger.Info("chain worker stopped")

	ticker := time.NewTicker(chainWorkerTickInterval)
	defer ticker.Stop()

	for {
		w.processActionsForChain(ctx, chainID, logger)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *BlockchainWorker) processActionsForChain(ctx context.Context, chainID uint32, logger log.Logger) {
	actions, err := getActionsForChain(w.db, chainID, actionBatchSize)
	if err != nil {
		logger.Error("failed to get pending actions for chain", "error", err)
		return
	}
	if len(actions) == 0 {
		return
	}

	logger.Debug("processing batch of actions", "count", len(actions))
	for _, action := range actions {
		if ctx.Err() != nil {
			logger.Info("context cancelled, stopping batch processing")
			return
		}
		w.processAction(ctx, action)
	}
}

func (w *BlockchainWorker) processAction(ctx context.Context, action BlockchainAction) {
	logger := w.logger.
		WithKV("id", action.ID).
		WithKV("type", action.Type).
		WithKV("channel", action.ChannelID).
		WithKV("chain", action.ChainID).
		WithKV("attempt", action.Retries)

	custody, ok := w.custody[action.ChainID]
	if !ok {
		noClient := fmt.Errorf("no custody client for chain %d", action.ChainID)
		logger.Error("custody client not found, failing action", "error", noClient)
		if err := action.Fail(w.db, noClient.Error()); err != nil {
			logger.Error("failed to mark action as failed", "error", err)
		}
		return
	}

	txHash, err := w.submitAction(ctx, action, custody)
	if err != nil {
		w.recordFailure(action, err, logger)
		return
	}

	if err := action.Complete(w.db, txHash); err != nil {
		logger.Error("failed to mark action as completed", "error", err)
		return
	}
	logger.Info("action completed successfully", "txHash", txHash.Hex())
}

func (w *BlockchainWorker) submitAction(ctx context.Context, action BlockchainAction, custody CustodyInterface) (common.Hash, error) {
	switch action.Type {
	case ActionTypeCheckpoint:
		return w.processCheckpoint(ctx, action, custody)
	default:
		return common.Hash{}, fmt.Errorf("unknown action type: %s", action.Type)
	}
}

// recordFailure decides the fate of a failed action: malformed stored data
// fails it outright, transient errors burn an attempt until the retry
// budget runs out.
func (w *BlockchainWorker) recordFailure(action BlockchainAction, cause error, logger log.Logger) {
	switch {
	case strings.Contains(cause.Error(), unmarshalCheckpointDataError):
		logger.Error("action failed due to fatal data error", "error", cause)
		if err := action.Fail(w.db, cause.Error()); err != nil {
			logger.Error("failed to mark action as permanently failed", "error", err)
		}

	case action.Retries >= maxActionRetries:
		logger.Warn("action failed after reaching max retries", "error", cause)
		exhausted := fmt.Errorf("failed after %d retries: %w", action.Retries, cause)
		if err := action.FailNoRetry(w.db, exhausted.Error()); err != nil {
			logger.Error("failed to mark action as permanently failed", "error", err)
		}

	default:
		logger.Error("processing attempt failed, will retry later", "error", cause)
		if err := action.RecordAttempt(w.db, cause.Error()); err != nil {
			logger.Error("failed to record failed attempt", "error", err)
		}
	}
}

func (w *BlockchainWorker) processCheckpoint(ctx context.Context, action BlockchainAction, custody CustodyInterface) (common.Hash, error) {
	var data CheckpointData
	if err := json.Unmarshal([]byte(action.Data), &data); err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", unmarshalCheckpointDataError, err)
	}

	return custody.Checkpoint(ctx, action.ChannelID, data.State, data.UserSig, data.ServerSig, []core.State{})
}
