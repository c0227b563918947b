package main

import (
	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/pkg/log"
	"github.com/layer-3/tollgate/pkg/rpc"
)

// WSNotifier pushes server-initiated events to connected users through the
// WebSocket node. A notification addressed to a user with no live
// connections is dropped silently.
type WSNotifier struct {
	notify func(userID string, method string, params rpc.Params)
	logger log.Logger
}

func NewWSNotifier(notifyFunc func(userID string, method string, params rpc.Params), logger log.Logger) *WSNotifier {
	return &WSNotifier{
		notify: notifyFunc,
		logger: logger.WithName("notifier"),
	}
}

// Notify encodes and sends each notification. Nil entries are allowed so
// callers can pass optional notifications unconditionally.
func (n *WSNotifier) Notify(notifications ...*Notification) {
	for _, notification := range notifications {
		if notification == nil {
			continue
		}

		params, err := rpc.NewParams(notification.data)
		if err != nil {
			n.logger.Error("failed to encode notification",
				"event", notification.event, "userID", notification.userID, "error", err)
			continue
		}

		n.notify(notification.userID, notification.event.String(), params)
		n.logger.Debug("notification sent", "event", notification.event, "userID", notification.userID)
	}
}

// Notification is one queued event for one user.
type Notification struct {
	userID string
	event  rpc.Event
	data   any
}

// NewBalanceNotification snapshots the wallet's unified balances. A fetch
// failure produces an empty update rather than failing the operation that
// triggered it.
func NewBalanceNotification(wallet string, db *gorm.DB) *Notification {
	balances, _ := GetWalletLedger(db, common.HexToAddress(wallet)).GetBalances(NewAccountID(wallet))
	return &Notification{
		userID: wallet,
		event:  rpc.BalanceUpdateEvent,
		data:   rpc.BalanceUpdateNotification{BalanceUpdates: balances},
	}
}

// NewChannelNotification reports a channel's current record to its wallet.
func NewChannelNotification(channel Channel) *Notification {
	return &Notification{
		userID: channel.Wallet,
		event:  rpc.ChannelUpdateEvent,
		data:   rpc.ChannelUpdateNotification(channel.ToRPC()),
	}
}

// NewTransferNotification reports completed transfers to one side.
func NewTransferNotification(wallet string, transactions []rpc.LedgerTransaction) *Notification {
	return &Notification{
		userID: wallet,
		event:  rpc.TransferEvent,
		data:   rpc.TransferNotification{Transactions: transactions},
	}
}

// NewAppSessionNotification reports an app session change to one
// participant with the allocations that concern them.
func NewAppSessionNotification(participant string, appSession AppSession, participantAllocations []rpc.AppAllocation) *Notification {
	return &Notification{
		userID: participant,
		event:  rpc.AppSessionUpdateEvent,
		data: rpc.AppSessionUpdateNotification{
			AppSession:             appSession.ToRPC(),
			ParticipantAllocations: participantAllocations,
		},
	}
}
