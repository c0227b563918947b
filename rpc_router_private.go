package main

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/pkg/log"
	"github.com/layer-3/tollgate/pkg/rpc"
	"github.com/layer-3/tollgate/pkg/sign"
)

// BalanceUpdateMiddleware pushes the caller's fresh unified balances after
// any handler that may have moved funds.
func (r *RPCRouter) BalanceUpdateMiddleware(c *rpc.Context) {
	c.Next()

	r.wsNotifier.Notify(NewBalanceNotification(c.UserID, r.DB))
}

// HandleGetLedgerBalances returns per-asset balances for an account, by
// default the caller's unified account.
func (r *RPCRouter) HandleGetLedgerBalances(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req
	userAddress := common.HexToAddress(c.UserID)

	var params rpc.GetLedgerBalancesRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	userAccountID := NewAccountID(c.UserID)
	if params.AccountID != "" {
		userAccountID = NewAccountID(params.AccountID)
	}

	ledger := GetWalletLedger(r.DB, userAddress)
	balances, err := ledger.GetBalances(userAccountID)
	if err != nil {
		logger.Error("failed to get ledger balances", "error", err)
		c.Fail(err, "failed to get ledger balances")
		return
	}

	succeed(c, req.Method, rpc.GetLedgerBalancesResponse{LedgerBalances: balances})
	logger.Info("ledger balances retrieved", "userID", c.UserID, "accountID", userAccountID)
}

// HandleTransfer moves unified balance funds to another ledger account.
func (r *RPCRouter) HandleTransfer(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	r.Metrics.TransferAttemptsTotal.Inc()

	var params rpc.TransferRequest
	if err := parseParams(req.Params, &params); err != nil {
		r.Metrics.TransferAttemptsFail.Inc()
		c.Fail(err, "failed to parse parameters")
		return
	}

	// Replayed messages hash to the same value and are rejected.
	messageHash := HashMessage(&c.Request)
	if r.MessageCache.Exists(messageHash) {
		r.Metrics.TransferAttemptsFail.Inc()
		c.Fail(rpc.NewError(rpc.CodeInvalidRequest, "operation denied: the request has already been processed"), "")
		return
	}

	// Only ledger accounts can receive transfers for now.
	switch {
	case params.Destination == "" && params.DestinationUserTag == "":
		r.Metrics.TransferAttemptsFail.Inc()
		c.Fail(rpc.NewError(rpc.CodeInvalidParams, "destination or destination_tag must be provided"), "")
		return
	case params.Destination != "" && !common.IsHexAddress(params.Destination):
		r.Metrics.TransferAttemptsFail.Inc()
		c.Fail(rpc.Errorf(rpc.CodeInvalidParams, "invalid destination account: %s", params.Destination), "")
		return
	case len(params.Allocations) == 0:
		r.Metrics.TransferAttemptsFail.Inc()
		c.Fail(rpc.NewError(rpc.CodeInvalidParams, "allocations cannot be empty"), "")
		return
	}

	signerAddress, err := verifySigner(&c.Request, c.UserID)
	if err != nil {
		r.Metrics.TransferAttemptsFail.Inc()
		logger.Error("failed to verify signer", "error", err)
		c.Fail(err, "failed to verify signer")
		return
	}

	toAccountTag := params.DestinationUserTag
	fromAccountTag := ""

	destinationAddress := params.Destination
	if destinationAddress == "" {
		destinationWallet, err := GetWalletByTag(r.DB, params.DestinationUserTag)
		if err != nil {
			r.Metrics.TransferAttemptsFail.Inc()
			logger.Error("failed to get wallet by tag", "tag", params.DestinationUserTag, "error", err)
			c.Fail(err, fmt.Sprintf("failed to get wallet by tag: %s", params.DestinationUserTag))
			return
		}

		destinationAddress = destinationWallet.Wallet
		toAccountTag = destinationWallet.Tag
	}
	if toAccountTag == "" {
		// The destination may have a tag even when the caller addressed it
		// by wallet; include it in the returned transactions.
		tag, err := GetUserTagByWallet(r.DB, destinationAddress)
		if err != nil && err != gorm.ErrRecordNotFound {
			r.Metrics.TransferAttemptsFail.Inc()
			logger.Error("failed to get user tag by wallet", "wallet", destinationAddress, "error", err)
			c.Fail(err, fmt.Sprintf("failed to get user tag for wallet: %s", destinationAddress))
			return
		}
		toAccountTag = tag
	}

	if destinationAddress == c.UserID {
		r.Metrics.TransferAttemptsFail.Inc()
		c.Fail(rpc.NewError(rpc.CodeInvalidParams, "cannot transfer to self"), "")
		return
	}

	fromWallet := c.UserID
	fromAccountTag, err = GetUserTagByWallet(r.DB, fromWallet)
	if err != nil && err != gorm.ErrRecordNotFound {
		r.Metrics.TransferAttemptsFail.Inc()
		logger.Error("failed to get user tag by wallet", "wallet", fromWallet, "error", err)
		c.Fail(err, fmt.Sprintf("failed to get user tag for wallet: %s", fromWallet))
		return
	}

	var respTransactions []rpc.LedgerTransaction
	err = r.DB.Transaction(func(tx *gorm.DB) error {
		var sessionKeyAddress *string
		if signerAddress != fromWallet {
			sessionKeyAddress = &signerAddress
		}

		if err := checkChallengedChannels(tx, fromWallet); err != nil {
			return err
		}

		if err := ensureWalletHasAllAllocationsEmpty(tx, fromWallet); err != nil {
			return err
		}

		var transactions []TransactionWithTags
		for _, alloc := range params.Allocations {
			if alloc.Amount.IsZero() || alloc.Amount.IsNegative() {
				return rpc.Errorf(rpc.CodeInvalidParams, "invalid allocation: %s for asset %s", alloc.Amount, alloc.AssetSymbol)
			}

			// Spending caps apply only when a session key signed instead of
			// the wallet itself.
			if sessionKeyAddress != nil {
				sessionKey, err := GetSessionKeyIfActive(tx, *sessionKeyAddress)
				if err != nil {
					return rpc.Errorf(rpc.CodeAuthFailed, "session key validation failed: %v", err)
				}

				if err := ValidateSessionKeySpending(tx, sessionKey, alloc.AssetSymbol, alloc.Amount); err != nil {
					return rpc.Errorf(rpc.CodeInvalidRequest, "session key spending validation failed: %v", err)
				}
			}

			fromAddress := common.HexToAddress(fromWallet)
			fromAccountID := NewAccountID(fromWallet)
			ledger := GetWalletLedger(tx, fromAddress)
			balance, err := ledger.Balance(fromAccountID, alloc.AssetSymbol)
			if err != nil {
				return rpc.Errorf(rpc.CodeInternal, ErrGetAccountBalance+": %v", err)
			}
			if alloc.Amount.GreaterThan(balance) {
				return rpc.Errorf(rpc.CodeInsufficientFunds, "insufficient funds: %s for asset %s", fromWallet, alloc.AssetSymbol)
			}
			if err = ledger.Record(fromAccountID, alloc.AssetSymbol, alloc.Amount.Neg(), sessionKeyAddress); err != nil {
				return err
			}

			toAddress := common.HexToAddress(destinationAddress)
			toAccountID := NewAccountID(destinationAddress)
			ledger = GetWalletLedger(tx, toAddress)
			if err = ledger.Record(toAccountID, alloc.AssetSymbol, alloc.Amount, nil); err != nil {
				return err
			}
			transaction, err := RecordLedgerTransaction(tx, TransactionTypeTransfer, fromAccountID, toAccountID, alloc.AssetSymbol, alloc.Amount)
			if err != nil {
				return err
			}
			transactions = append(transactions, TransactionWithTags{
				LedgerTransaction: *transaction,
				FromAccountTag:    fromAccountTag,
				ToAccountTag:      toAccountTag,
			})
		}

		respTransactions = FormatTransactions(transactions)
		return nil
	})
	if err != nil {
		r.Metrics.TransferAttemptsFail.Inc()
		logger.Error("failed to process transfer", "error", err)
		c.Fail(err, "failed to process transfer")
		return
	}

	// Cache the hash only once processing succeeded, so a failed attempt can
	// be retried with the same message.
	r.MessageCache.Add(messageHash)

	r.wsNotifier.Notify(
		NewBalanceNotification(fromWallet, r.DB),
		NewTransferNotification(fromWallet, respTransactions),
		NewBalanceNotification(destinationAddress, r.DB),
		NewTransferNotification(destinationAddress, respTransactions),
	)

	r.Metrics.TransferAttemptsSuccess.Inc()
	succeed(c, req.Method, rpc.TransferResponse{Transactions: respTransactions})
	logger.Info("transfer completed", "userID", c.UserID, "transferTo", destinationAddress, "allocations", params.Allocations)
}

// HandleCreateApplication opens a virtual app session between participants.
func (r *RPCRouter) HandleCreateApplication(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var params rpc.CreateAppSessionRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	rpcSigners, err := getRequestSigners(&c.Request)
	if err != nil {
		logger.Error("failed to get signers from RPC message", "error", err)
		c.Fail(err, "failed to get signers from RPC message")
		return
	}

	session, err := r.AppSessionService.CreateAppSession(&params, rpcSigners)
	if err != nil {
		logger.Error("failed to create application session", "error", err)
		c.Fail(err, "failed to create application session")
		return
	}

	resp := rpc.CreateAppSessionResponse(session.ToRPC())
	r.wsNotifier.Notify(notifyAppSessionParticipants(session, params.Allocations)...)

	succeed(c, req.Method, resp)
	logger.Info("application session created",
		"userID", c.UserID,
		"sessionID", session.SessionID,
		"protocol", params.Definition.Protocol,
		"participants", params.Definition.ParticipantWallets,
		"challenge", params.Definition.Challenge,
		"nonce", params.Definition.Nonce,
		"allocations", params.Allocations,
	)
}

// HandleSubmitAppState posts a new allocation state for an app session.
func (r *RPCRouter) HandleSubmitAppState(c *rpc.Context) {
	ctx := c.Context
	logger := log.FromContext(ctx)
	req := c.Request.Req

	var params rpc.SubmitAppStateRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	rpcWallets, err := getWallets(&c.Request)
	if err != nil {
		logger.Error("failed to get wallets from RPC message", "error", err)
		c.Fail(err, "failed to get wallets from RPC message")
		return
	}

	rpcSigners, err := getRequestSigners(&c.Request)
	if err != nil {
		logger.Error("failed to get signers from RPC message", "error", err)
		c.Fail(err, "failed to get signers from RPC message")
		return
	}

	session, err := r.AppSessionService.SubmitAppState(ctx, &params, rpcWallets, rpcSigners)
	if err != nil {
		logger.Error("failed to submit app state", "error", err)
		c.Fail(err, "failed to submit app state")
		return
	}

	r.wsNotifier.Notify(notifyAppSessionParticipants(session, params.Allocations)...)

	succeed(c, req.Method, rpc.SubmitAppStateResponse(session.ToRPC()))
	logger.Info("application session state submitted",
		"userID", c.UserID,
		"sessionID", params.AppSessionID,
		"newVersion", session.Version,
		"allocations", params.Allocations,
	)
}

// HandleCloseApplication closes an app session and returns the final
// allocations to the participants' unified balances.
func (r *RPCRouter) HandleCloseApplication(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var params rpc.CloseAppSessionRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	rpcWallets, err := getWallets(&c.Request)
	if err != nil {
		logger.Error("failed to get wallets from RPC message", "error", err)
		c.Fail(err, "failed to get wallets from RPC message")
		return
	}

	rpcSigners, err := getRequestSigners(&c.Request)
	if err != nil {
		logger.Error("failed to get signers from RPC message", "error", err)
		c.Fail(err, "failed to get signers from RPC message")
		return
	}

	session, err := r.AppSessionService.CloseApplication(&params, rpcWallets, rpcSigners)
	if err != nil {
		logger.Error("failed to close application session", "error", err)
		c.Fail(err, "failed to close application session")
		return
	}

	r.wsNotifier.Notify(notifyAppSessionParticipants(session, params.Allocations)...)

	succeed(c, req.Method, rpc.CloseAppSessionResponse(session.ToRPC()))
	logger.Info("application session closed",
		"userID", c.UserID,
		"sessionID", params.AppSessionID,
		"finalVersion", session.Version,
		"allocations", params.Allocations,
	)
}

// HandleCreateChannel prepares an unsigned initial state for a new channel
// and countersigns it.
func (r *RPCRouter) HandleCreateChannel(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var params rpc.CreateChannelRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	rpcSigners, err := getWallets(&c.Request)
	if err != nil {
		logger.Error("failed to get wallets from RPC message", "error", err)
		c.Fail(err, "failed to get wallets from RPC message")
		return
	}

	resp, err := r.ChannelService.RequestCreate(common.HexToAddress(c.UserID), &params, rpcSigners, logger)
	if err != nil {
		logger.Error("failed to request channel create", "error", err)
		c.Fail(err, "failed to request channel create")
		return
	}

	succeed(c, req.Method, resp)
	logger.Info("channel create requested",
		"userID", c.UserID,
		"channelID", resp.ChannelID,
	)
}

// HandleResizeChannel prepares a countersigned resize state for a channel.
func (r *RPCRouter) HandleResizeChannel(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var params rpc.ResizeChannelRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	rpcSigners, err := getWallets(&c.Request)
	if err != nil {
		logger.Error("failed to get wallets from RPC message", "error", err)
		c.Fail(err, "failed to get wallets from RPC message")
		return
	}

	resp, err := r.ChannelService.RequestResize(&params, rpcSigners, logger)
	if err != nil {
		logger.Error("failed to request channel resize", "error", err)
		c.Fail(err, "failed to request channel resize")
		return
	}

	succeed(c, req.Method, resp)
	logger.Info("channel resize requested",
		"userID", c.UserID,
		"channelID", resp.ChannelID,
		"fundsDestination", params.FundsDestination,
		"resizeAmount", params.ResizeAmount.String(),
		"allocateAmount", params.AllocateAmount.String(),
	)
}

// HandleCloseChannel prepares a countersigned final state for a channel.
func (r *RPCRouter) HandleCloseChannel(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var params rpc.CloseChannelRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	rpcSigners, err := getWallets(&c.Request)
	if err != nil {
		logger.Error("failed to get wallets from RPC message", "error", err)
		c.Fail(err, "failed to get wallets from RPC message")
		return
	}

	resp, err := r.ChannelService.RequestClose(&params, rpcSigners, logger)
	if err != nil {
		logger.Error("failed to request channel closure", "error", err)
		c.Fail(err, "failed to request channel closure")
		return
	}

	succeed(c, req.Method, resp)
	logger.Info("channel close requested",
		"userID", c.UserID,
		"channelID", resp.ChannelID,
		"fundsDestination", params.FundsDestination,
	)
}

func (r *RPCRouter) HandleGetUserTag(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	tag, err := GetUserTagByWallet(r.DB, c.UserID)
	if err != nil {
		logger.Error("failed to get user tag", "error", err, "wallet", c.UserID)
		c.Fail(err, "failed to get user tag")
		return
	}

	succeed(c, req.Method, rpc.GetUserTagResponse{Tag: tag})
}

// HandleGetRPCHistory pages through the caller's recorded RPC calls.
func (r *RPCRouter) HandleGetRPCHistory(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var params rpc.GetRPCHistoryRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	rpcHistory, err := r.RPCStore.GetRPCHistory(c.UserID, &params.ListOptions)
	if err != nil {
		logger.Error("failed to retrieve RPC history", "error", err)
		c.Fail(err, "failed to retrieve RPC history")
		return
	}

	respRPCEntries := make([]rpc.HistoryEntry, 0, len(rpcHistory))
	for _, record := range rpcHistory {
		reqSigs, err := sign.SignaturesFromStrings(record.ReqSig)
		if err != nil {
			logger.Error("failed to decode request signature", "error", err, "recordID", record.ID)
			c.Fail(err, "failed to decode request signature")
			return
		}

		resSigs, err := sign.SignaturesFromStrings(record.ResSig)
		if err != nil {
			logger.Error("failed to decode response signature", "error", err, "recordID", record.ID)
			c.Fail(err, "failed to decode response signature")
			return
		}

		respRPCEntries = append(respRPCEntries, rpc.HistoryEntry{
			ID:        record.ID,
			Sender:    record.Sender,
			ReqID:     record.ReqID,
			Method:    record.Method,
			Params:    string(record.Params),
			Timestamp: record.Timestamp,
			ReqSig:    reqSigs,
			ResSig:    resSigs,
			Result:    string(record.Response),
		})
	}

	succeed(c, req.Method, rpc.GetRPCHistoryResponse{RPCEntries: respRPCEntries})
	logger.Info("RPC history retrieved", "userID", c.UserID, "entryCount", len(respRPCEntries))
}

// HandleGetSessionKeys lists the caller's active session keys with their
// allowance usage.
func (r *RPCRouter) HandleGetSessionKeys(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var params rpc.GetSessionKeysRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	sessionKeys, err := GetActiveSessionKeysByWallet(r.DB, c.UserID, nil)
	if err != nil {
		logger.Error("failed to retrieve active session keys", "error", err, "wallet", c.UserID)
		c.Fail(err, "failed to retrieve session keys")
		return
	}

	respSessionKeys := make([]rpc.SessionKeyResponse, 0, len(sessionKeys))
	for _, sk := range sessionKeys {
		var allowances []rpc.Allowance
		if sk.Allowance != nil {
			if err := json.Unmarshal([]byte(*sk.Allowance), &allowances); err != nil {
				logger.Error("failed to unmarshal spending cap", "error", err, "sessionKey", sk.Address)
				c.Fail(err, "failed to parse session key spending cap")
				return
			}
		}

		allowanceUsages := make([]rpc.AllowanceUsage, 0, len(allowances))
		for _, allowance := range allowances {
			allowanceAmount, err := decimal.NewFromString(allowance.Amount)
			if err != nil {
				logger.Error("failed to parse allowance amount", "error", err, "sessionKey", sk.Address, "asset", allowance.Asset)
				c.Fail(err, "failed to parse allowance amount")
				return
			}

			usedAmount, err := CalculateSessionKeySpending(r.DB, sk.Address, allowance.Asset)
			if err != nil {
				logger.Error("failed to calculate session key spending", "error", err, "sessionKey", sk.Address, "asset", allowance.Asset)
				c.Fail(err, "failed to calculate session key usage")
				return
			}

			allowanceUsages = append(allowanceUsages, rpc.AllowanceUsage{
				Asset:     allowance.Asset,
				Allowance: allowanceAmount,
				Used:      usedAmount,
			})
		}

		respSessionKeys = append(respSessionKeys, rpc.SessionKeyResponse{
			ID:          sk.ID,
			SessionKey:  sk.Address,
			Application: sk.Application,
			Allowances:  allowanceUsages,
			Scope:       sk.Scope,
			ExpiresAt:   sk.ExpiresAt,
			CreatedAt:   sk.CreatedAt,
		})
	}

	succeed(c, req.Method, rpc.GetSessionKeysResponse{SessionKeys: respSessionKeys})
}

// HandleRevokeSessionKey invalidates a session key before its expiry. A
// session key may revoke itself; revoking a different key requires either
// the wallet's own signature or a broker-scoped key.
func (r *RPCRouter) HandleRevokeSessionKey(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var params rpc.RevokeSessionKeyRequest
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	if params.SessionKey == "" {
		c.Fail(rpc.NewError(rpc.CodeInvalidParams, "session_key parameter is required"), "")
		return
	}

	signerAddress, err := verifySigner(&c.Request, c.UserID)
	if err != nil {
		logger.Error("failed to verify signer", "error", err)
		c.Fail(err, "failed to verify signer")
		return
	}

	var activeSessionKeyAddress *string
	if signerAddress != c.UserID {
		activeSessionKeyAddress = &signerAddress
	}

	err = r.DB.Transaction(func(tx *gorm.DB) error {
		_, err := GetActiveSessionKeyForWallet(tx, params.SessionKey, c.UserID)
		if err != nil {
			return rpc.NewError(rpc.CodeInvalidRequest, "operation denied: provided address is not an active session key of this user")
		}

		if activeSessionKeyAddress != nil && *activeSessionKeyAddress != params.SessionKey {
			activeSessionKey, err := GetSessionKeyIfActive(tx, *activeSessionKeyAddress)
			if err != nil {
				return rpc.NewError(rpc.CodeAuthFailed, "operation denied: active session key is invalid")
			}

			// Only broker-scoped session keys can revoke other session keys.
			if activeSessionKey.Application != AppNameTollgate {
				return rpc.NewError(rpc.CodeAuthFailed, "operation denied: insufficient permissions for the active session key")
			}
		}

		return RevokeSessionKeyFromDB(tx, params.SessionKey)
	})
	if err != nil {
		logger.Error("failed to revoke session key", "error", err, "sessionKey", params.SessionKey)
		c.Fail(err, "failed to revoke session key")
		return
	}

	sessionKeyCache.Delete(params.SessionKey)

	succeed(c, req.Method, rpc.RevokeSessionKeyResponse{SessionKey: params.SessionKey})

	authorizedBy := c.UserID
	if activeSessionKeyAddress != nil {
		authorizedBy = *activeSessionKeyAddress
	}
	logger.Info("session key revoked", "userID", c.UserID, "revokedSessionKey", params.SessionKey, "operationAuthorizedBy", authorizedBy)
}

// notifyAppSessionParticipants builds per-participant session update
// notifications, each carrying only the allocations that concern that
// participant.
func notifyAppSessionParticipants(session AppSession, allocations []rpc.AppAllocation) []*Notification {
	notifications := make([]*Notification, 0, len(session.ParticipantWallets))
	for _, wallet := range session.ParticipantWallets {
		var participantAllocations []rpc.AppAllocation
		for _, alloc := range allocations {
			if alloc.Participant == wallet {
				participantAllocations = append(participantAllocations, alloc)
			}
		}
		notifications = append(notifications, NewAppSessionNotification(wallet, session, participantAllocations))
	}
	return notifications
}

// getRequestSigners recovers the set of addresses that signed the request.
func getRequestSigners(req *rpc.Request) (map[string]struct{}, error) {
	signers, err := req.GetSigners()
	if err != nil {
		return nil, err
	}

	result := make(map[string]struct{}, len(signers))
	for _, addr := range signers {
		result[addr] = struct{}{}
	}
	return result, nil
}

// getWallets maps request signers through the session key registry so
// delegated signatures count as their owning wallets.
func getWallets(req *rpc.Request) (map[string]struct{}, error) {
	rpcSigners, err := getRequestSigners(req)
	if err != nil {
		return nil, err
	}

	result := make(map[string]struct{})
	for addr := range rpcSigners {
		walletAddress := GetWalletBySessionKey(addr)
		if walletAddress != "" {
			result[walletAddress] = struct{}{}
		} else {
			result[addr] = struct{}{}
		}
	}
	return result, nil
}

// verifySigner checks that the first request signature belongs to the
// given wallet, directly or through one of its session keys. It returns
// the address that actually signed.
func verifySigner(req *rpc.Request, wallet string) (string, error) {
	signers, err := req.GetSigners()
	if err != nil {
		return "", err
	}
	if len(signers) < 1 {
		return "", rpc.NewError(rpc.CodeInvalidSignature, "missing participant signature")
	}

	signerAddress := signers[0]
	recovered := signerAddress
	if mapped := GetWalletBySessionKey(recovered); mapped != "" {
		recovered = mapped
	}
	if recovered != wallet {
		return "", rpc.NewError(rpc.CodeInvalidSignature, "invalid signature")
	}
	return signerAddress, nil
}

func ensureWalletHasAllAllocationsEmpty(tx *gorm.DB, wallet string) error {
	channelAmountSum, err := GetChannelAmountSumByWallet(tx, wallet)
	if err != nil {
		return err
	}
	if !channelAmountSum.Sum.IsZero() {
		return rpc.Errorf(rpc.CodeInvalidRequest, "operation denied: non-zero allocation in %d channel(s) detected owned by wallet %s", channelAmountSum.Count, wallet)
	}
	return nil
}
