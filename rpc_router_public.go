package main

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/layer-3/tollgate/pkg/log"
	"github.com/layer-3/tollgate/pkg/rpc"
)

// HandleGetConfig returns the broker address and the networks it serves.
func (r *RPCRouter) HandleGetConfig(c *rpc.Context) {
	supportedBlockchains := make([]rpc.BlockchainInfo, 0, len(r.Config.blockchains))

	for _, blockchain := range r.Config.blockchains {
		supportedBlockchains = append(supportedBlockchains, rpc.BlockchainInfo{
			ID:                 blockchain.ID,
			Name:               blockchain.Name,
			CustodyAddress:     blockchain.ContractAddresses.Custody,
			AdjudicatorAddress: blockchain.ContractAddresses.Adjudicator,
		})
	}

	brokerConfig := rpc.GetConfigResponse{
		BrokerAddress: r.Signer.GetAddress().Hex(),
		Blockchains:   supportedBlockchains,
	}

	succeed(c, c.Request.Req.Method, brokerConfig)
}

// HandleGetAssets returns the supported assets, optionally for one chain.
func (r *RPCRouter) HandleGetAssets(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var params rpc.GetAssetsRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	respAssets := []rpc.Asset{}
	for _, asset := range r.Config.assets.Assets {
		for _, token := range asset.Tokens {
			if params.ChainID != nil && token.BlockchainID != *params.ChainID {
				continue
			}

			respAssets = append(respAssets, rpc.Asset{
				Symbol:   asset.Symbol,
				ChainID:  token.BlockchainID,
				Token:    token.Address,
				Decimals: token.Decimals,
			})
		}
	}

	succeed(c, req.Method, rpc.GetAssetsResponse{Assets: respAssets})
	logger.Info("assets retrieved", "chainID", params.ChainID)
}

// HandleGetChannels lists channels filtered by participant and status.
func (r *RPCRouter) HandleGetChannels(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var params rpc.GetChannelsRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	query := applyListOptions(r.DB, "created_at", rpc.SortTypeDescending, &params.ListOptions)
	channels, err := getChannelsByWallet(query, params.Participant, params.Status)
	if err != nil {
		logger.Error("failed to get channels", "error", err)
		c.Fail(err, "failed to get channels")
		return
	}

	respChannels := make([]rpc.Channel, 0, len(channels))
	for _, channel := range channels {
		respChannels = append(respChannels, channel.ToRPC())
	}

	succeed(c, req.Method, rpc.GetChannelsResponse{Channels: respChannels})
	logger.Info("channels retrieved", "participant", params.Participant, "status", params.Status)
}

// HandleGetAppDefinition returns the definition of one app session.
func (r *RPCRouter) HandleGetAppDefinition(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var params rpc.GetAppDefinitionRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}
	if params.AppSessionID == "" {
		c.Fail(rpc.NewError(rpc.CodeInvalidParams, "missing account ID"), "")
		return
	}

	var vApp AppSession
	if err := r.DB.Where("session_id = ?", params.AppSessionID).First(&vApp).Error; err != nil {
		logger.Error("failed to get application session", "sessionID", params.AppSessionID, "error", err)
		c.Fail(rpc.Errorf(rpc.CodeApplicationNotFound, "failed to get application session %s", params.AppSessionID), "")
		return
	}

	succeed(c, req.Method, rpc.GetAppDefinitionResponse{
		Application:        vApp.Application,
		Protocol:           vApp.Protocol,
		ParticipantWallets: vApp.ParticipantWallets,
		Weights:            vApp.Weights,
		Quorum:             vApp.Quorum,
		Challenge:          vApp.Challenge,
		Nonce:              vApp.Nonce,
	})
	logger.Info("application definition retrieved", "sessionID", params.AppSessionID)
}

// HandleGetAppSessions lists app sessions filtered by participant and
// status.
func (r *RPCRouter) HandleGetAppSessions(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var params rpc.GetAppSessionsRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	sessions, err := r.AppSessionService.GetAppSessions(params.Participant, params.Status, &params.ListOptions)
	if err != nil {
		logger.Error("failed to get application sessions", "error", err)
		c.Fail(err, "failed to get application sessions")
		return
	}

	respAppSessions := make([]rpc.AppSession, len(sessions))
	for i, session := range sessions {
		respAppSessions[i] = session.ToRPC()
	}

	succeed(c, req.Method, rpc.GetAppSessionsResponse{AppSessions: respAppSessions})
	logger.Info("application sessions retrieved", "participant", params.Participant, "status", params.Status)
}

// HandleGetLedgerEntries lists raw ledger rows. Unauthenticated callers see
// entries for whichever wallet they name; the caller's wallet is only a
// default.
func (r *RPCRouter) HandleGetLedgerEntries(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var params rpc.GetLedgerEntriesRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	wallet := c.UserID
	if params.Wallet != "" {
		wallet = params.Wallet
	}
	userAddress := common.HexToAddress(wallet)
	userAccountID := NewAccountID(params.AccountID)

	query := applyListOptions(r.DB, "created_at", rpc.SortTypeDescending, &params.ListOptions)
	ledger := GetWalletLedger(query, userAddress)
	entries, err := ledger.GetEntries(&userAccountID, params.Asset)
	if err != nil {
		logger.Error("failed to get ledger entries", "error", err)
		c.Fail(err, "failed to get ledger entries")
		return
	}

	respLedgerEntries := make([]rpc.LedgerEntry, len(entries))
	for i, entry := range entries {
		respLedgerEntries[i] = rpc.LedgerEntry{
			ID:          entry.ID,
			AccountID:   entry.AccountID,
			AccountType: entry.AccountType,
			Asset:       entry.AssetSymbol,
			Participant: entry.Wallet,
			Credit:      entry.Credit,
			Debit:       entry.Debit,
			CreatedAt:   entry.CreatedAt,
		}
	}

	succeed(c, req.Method, rpc.GetLedgerEntriesResponse{LedgerEntries: respLedgerEntries})
	logger.Info("ledger entries retrieved", "accountID", userAccountID, "asset", params.Asset, "wallet", userAddress)
}

// HandleGetLedgerTransactions lists completed ledger transactions in a
// deterministic order: created_at then id, per the requested sort.
func (r *RPCRouter) HandleGetLedgerTransactions(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var params rpc.GetLedgerTransactionsRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	var txType *TransactionType
	if params.TxType != "" {
		parsedType, err := parseLedgerTransactionType(params.TxType)
		if err != nil {
			c.Fail(rpc.Errorf(rpc.CodeInvalidParams, "failed to parse transaction type: %v", err), "")
			return
		}
		txType = &parsedType
	}

	userAccountID := NewAccountID(params.AccountID)
	transactions, err := GetLedgerTransactionsWithTags(r.DB, userAccountID, params.Asset, txType, &params.ListOptions)
	if err != nil {
		logger.Error("failed to get transactions", "error", err)
		c.Fail(err, "failed to get transactions")
		return
	}

	succeed(c, req.Method, rpc.GetLedgerTransactionsResponse{
		LedgerTransactions: FormatTransactions(transactions),
	})
	logger.Info("transactions retrieved", "count", len(transactions), "accountID", params.AccountID, "asset", params.Asset, "txType", params.TxType)
}
