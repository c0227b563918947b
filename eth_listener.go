package main

import (
	"context"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ipfslog "github.com/ipfs/go-log/v2"
	"github.com/layer-3/clearsync/pkg/debounce"
	"github.com/pkg/errors"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/pkg/log"
)

var ethLogger = ipfslog.Logger("base-event-listener")

// maxBackOffCount is how many consecutive failures a stage tolerates
// before the process gives up.
const maxBackOffCount = 5

// rpcCallTimeout bounds individual RPC calls made while listening.
const rpcCallTimeout = time.Minute

// Ethereum is the subset of the go-ethereum client the broker relies on.
// Declared as an interface so tests can stub the chain away.
type Ethereum interface {
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingCodeAt(ctx context.Context, contract common.Address) ([]byte, error)
	PendingCallContract(ctx context.Context, call ethereum.CallMsg) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (gas uint64, err error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

func init() {
	ipfslog.SetAllLoggers(ipfslog.LevelError)
	ipfslog.SetLogLevel("base-event-listener", "debug")

	var err error
	custodyAbi, err = core.CustodyABI()
	if err != nil {
		panic(err)
	}
}

// LogHandler consumes one contract log.
type LogHandler func(ctx context.Context, l types.Log)

// listenEvents tails the contract's logs: it backfills everything since
// (lastBlock, lastIndex) and keeps a live subscription going, recreating
// it whenever the node drops it. It only returns when the backoff limit
// is hit, which terminates the process.
func listenEvents(
	ctx context.Context,
	client bind.ContractBackend,
	contractAddress common.Address,
	chainID uint32,
	blockStep uint64,
	lastBlock uint64,
	lastIndex uint32,
	handler LogHandler,
	logger log.Logger,
) {
	logger = logger.WithKV("chainID", chainID).WithKV("contractAddress", contractAddress.String())
	logger.Info("starting listening events")

	failures := 0
	var liveCh, backfillCh chan types.Log
	var sub ethereum.Subscription

	for {
		if sub == nil {
			waitForBackOffTimeout(logger, failures, "event subscription")

			backfillCh = make(chan types.Log, 1)
			liveCh = make(chan types.Log, 100)

			if lastBlock == 0 {
				logger.Info("skipping historical logs fetching")
			} else {
				head, err := latestHeader(client)
				if err != nil {
					logger.Error("failed to get latest block", "error", err)
					failures++
					continue
				}

				go ReconcileBlockRange(
					client, contractAddress, chainID,
					head.Number.Uint64(), blockStep,
					lastBlock, lastIndex,
					backfillCh, logger,
				)
			}

			newSub, err := client.SubscribeFilterLogs(context.Background(), ethereum.FilterQuery{
				Addresses: []common.Address{contractAddress},
			}, liveCh)
			if err != nil {
				logger.Error("failed to subscribe on events", "error", err)
				failures++
				continue
			}

			sub = newSub
			failures = 0
			logger.Info("watching events")
		}

		select {
		case l := <-backfillCh:
			logger.Debug("received new event", "blockNumber", l.BlockNumber, "logIndex", l.Index)
			handler(ctx, l)
		case l := <-liveCh:
			lastBlock = l.BlockNumber
			logger.Debug("received new event", "blockNumber", l.BlockNumber, "logIndex", l.Index)
			handler(ctx, l)
		case err := <-sub.Err():
			if err != nil {
				// Dropped subscriptions are routine on long-lived
				// connections and do not count against the backoff budget.
				logger.Error("event subscription error", "error", err)
				sub.Unsubscribe()
			} else {
				logger.Debug("subscription closed, resubscribing")
			}
			sub = nil
		}
	}
}

func latestHeader(client bind.ContractBackend) (*types.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcCallTimeout)
	defer cancel()

	var header *types.Header
	err := debounce.Debounce(ctx, ethLogger, func(ctx context.Context) error {
		var err error
		header, err = client.HeaderByNumber(ctx, nil)
		return err
	})
	return header, err
}

// ReconcileBlockRange replays the contract's logs from lastBlock up to
// currentBlock in blockStep slices, pushing anything newer than
// (lastBlock, lastIndex) into historicalCh.
//
// The replay starts at lastBlock itself, not lastBlock+1: a block can hold
// several events and some of them may not have been processed yet. The
// resulting duplicate-key noise in the journal is harmless.
func ReconcileBlockRange(
	client bind.ContractBackend,
	contractAddress common.Address,
	chainID uint32,
	currentBlock uint64,
	blockStep uint64,
	lastBlock uint64,
	lastIndex uint32,
	historicalCh chan types.Log,
	logger log.Logger,
) {
	logger = logger.WithKV("chainID", chainID).WithKV("contractAddress", contractAddress.String())

	failures := 0
	from := lastBlock
	to := from + blockStep

	for currentBlock > from {
		waitForBackOffTimeout(logger, failures, "reconcile block range")

		if to > currentBlock {
			to = currentBlock
		}

		logs, err := filterRange(client, contractAddress, from, to)
		if err != nil {
			// Some providers cap the result size and advise a narrower
			// range in the error text; retry with it when present.
			advisedFrom, advisedTo, extractErr := extractAdvisedBlockRange(err.Error())
			if extractErr != nil {
				logger.Error("failed to filter logs", "error", err, "startBlock", from, "endBlock", to)
				failures++
				continue
			}
			from, to = advisedFrom, advisedTo
			logger.Info("retrying with advised block range", "startBlock", from, "endBlock", to)
			continue
		}
		logger.Info("fetched historical logs", "count", len(logs), "startBlock", from, "endBlock", to)

		for _, l := range logs {
			if l.BlockNumber == lastBlock && l.Index <= uint(lastIndex) {
				logger.Info("skipping previously known event", "blockNumber", l.BlockNumber, "logIndex", l.Index)
				continue
			}
			historicalCh <- l
		}

		from = to + 1
		to += blockStep
	}
}

func filterRange(client bind.ContractBackend, contractAddress common.Address, from, to uint64) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcCallTimeout)
	defer cancel()

	query := ethereum.FilterQuery{
		Addresses: []common.Address{contractAddress},
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
	}

	var logs []types.Log
	err := debounce.Debounce(ctx, ethLogger, func(ctx context.Context) error {
		var err error
		logs, err = client.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

var advisedRangeRe = regexp.MustCompile(`\[0x([0-9a-fA-F]+), 0x([0-9a-fA-F]+)\]`)

// extractAdvisedBlockRange parses the narrower block range some RPC
// providers suggest when a filter query matches too many logs, e.g.
// "query returned more than 10000 results. Try with this block range
// [0x953260, 0x954ED4]."
func extractAdvisedBlockRange(msg string) (startBlock, endBlock uint64, err error) {
	if !strings.Contains(msg, "query returned more than 10000 results") {
		return 0, 0, errors.New("error message doesn't contain advised block range")
	}

	match := advisedRangeRe.FindStringSubmatch(msg)
	if len(match) != 3 {
		return 0, 0, errors.New("failed to extract block range from error message")
	}

	startBlock, err = strconv.ParseUint(match[1], 16, 64)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to parse block range from error message")
	}
	endBlock, err = strconv.ParseUint(match[2], 16, 64)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to parse block range from error message")
	}
	return startBlock, endBlock, nil
}

// waitForBackOffTimeout sleeps 2^n-1 seconds before the n-th retry and
// kills the process once the limit is exceeded.
func waitForBackOffTimeout(logger log.Logger, backOffCount int, originator string) {
	if backOffCount > maxBackOffCount {
		logger.Fatal("back off limit reached, exiting", "originator", originator, "backOffCollisionCount", backOffCount)
		return
	}

	if backOffCount > 0 {
		logger.Info("backing off", "originator", originator, "backOffCollisionCount", backOffCount)
		<-time.After(time.Duration((1<<backOffCount)-1) * time.Second)
	}
}
