package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/pkg/log"
)

// Metrics contains all Prometheus metrics for the application
type Metrics struct {
	// WebSocket connection metrics
	ConnectedClients prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	MessageReceived  prometheus.Counter
	MessageSent      prometheus.Counter

	// Authentication metrics
	AuthRequests        prometheus.Counter
	AuthAttemptsTotal   *prometheus.CounterVec
	AuthAttemptsSuccess *prometheus.CounterVec
	AuthAttemptsFail    *prometheus.CounterVec

	// Transfer metrics
	TransferAttemptsTotal   prometheus.Counter
	TransferAttemptsSuccess prometheus.Counter
	TransferAttemptsFail    prometheus.Counter

	// Channel & app sessions metrics
	Channels    *prometheus.GaugeVec
	AppSessions *prometheus.GaugeVec

	// RPC method metrics
	RPCRequests *prometheus.CounterVec

	// Smart contract metrics
	BrokerBalanceAvailable *prometheus.GaugeVec
	BrokerChannelCount     *prometheus.GaugeVec

	// Broker wallet metrics
	BrokerWalletBalance *prometheus.GaugeVec
}

func counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Name: name, Help: help}
}

func gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Name: name, Help: help}
}

// NewMetrics initializes and registers Prometheus metrics
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry initializes and registers Prometheus metrics with a custom registry
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	m := &Metrics{}

	m.ConnectedClients = f.NewGauge(gaugeOpts(
		"tollgate_connected_clients", "The current number of connected clients"))
	m.ConnectionsTotal = f.NewCounter(counterOpts(
		"tollgate_connections_total", "The total number of WebSocket connections made since server start"))
	m.MessageReceived = f.NewCounter(counterOpts(
		"tollgate_ws_messages_received_total", "The total number of WebSocket messages received"))
	m.MessageSent = f.NewCounter(counterOpts(
		"tollgate_ws_messages_sent_total", "The total number of WebSocket messages sent"))

	authMethodLabel := []string{"auth_method"}
	m.AuthRequests = f.NewCounter(counterOpts(
		"tollgate_auth_requests_total", "The total number of auth_requests (get challenge code)"))
	m.AuthAttemptsTotal = f.NewCounterVec(counterOpts(
		"tollgate_auth_attempts_total", "The total number of authentication attempts"), authMethodLabel)
	m.AuthAttemptsSuccess = f.NewCounterVec(counterOpts(
		"tollgate_auth_attempts_success", "The total number of successful authentication attempts"), authMethodLabel)
	m.AuthAttemptsFail = f.NewCounterVec(counterOpts(
		"tollgate_auth_attempts_fail", "The total number of failed authentication attempts"), authMethodLabel)

	m.TransferAttemptsTotal = f.NewCounter(counterOpts(
		"tollgate_transfer_attempts_total", "The total number of transfer attempts"))
	m.TransferAttemptsSuccess = f.NewCounter(counterOpts(
		"tollgate_transfer_attempts_success", "The total number of successful transfer attempts"))
	m.TransferAttemptsFail = f.NewCounter(counterOpts(
		"tollgate_transfer_attempts_fail", "The total number of failed transfer attempts"))

	m.Channels = f.NewGaugeVec(gaugeOpts(
		"tollgate_channels", "The number of channels"), []string{"status"})
	m.AppSessions = f.NewGaugeVec(gaugeOpts(
		"tollgate_app_sessions", "The number of application sessions"), []string{"status"})

	m.RPCRequests = f.NewCounterVec(counterOpts(
		"tollgate_rpc_requests_total", "The total number of RPC requests by method"), []string{"method", "status"})

	balanceLabels := []string{"blockchainID", "token", "asset"}
	m.BrokerBalanceAvailable = f.NewGaugeVec(gaugeOpts(
		"tollgate_broker_balance_available", "Available balance of the broker on the custody contract"), balanceLabels)
	m.BrokerChannelCount = f.NewGaugeVec(gaugeOpts(
		"tollgate_broker_channel_count", "Number of channels for the broker on the custody contract"), []string{"blockchainID"})
	m.BrokerWalletBalance = f.NewGaugeVec(gaugeOpts(
		"tollgate_broker_wallet_balance", "Broker wallet balance"), balanceLabels)

	return m
}

// RecordMetricsPeriodically refreshes database-derived gauges and polls each
// custody client for on-chain balances. It blocks and is meant to run in its
// own goroutine.
func (m *Metrics) RecordMetricsPeriodically(db *gorm.DB, custodyClients map[uint32]*Custody, logger log.Logger) {
	logger = logger.WithName("metrics")

	dbTicker := time.NewTicker(15 * time.Second)
	defer dbTicker.Stop()
	balanceTicker := time.NewTicker(30 * time.Second)
	defer balanceTicker.Stop()

	for {
		select {
		case <-dbTicker.C:
			m.UpdateChannelMetrics(db)
			m.UpdateAppSessionMetrics(db)
		case <-balanceTicker.C:
			ctx := log.SetContextLogger(context.Background(), logger)
			for _, custodyClient := range custodyClients {
				custodyClient.UpdateBalanceMetrics(ctx, m)
			}
		}
	}
}

// UpdateChannelMetrics refreshes the per-status channel gauge from the database.
func (m *Metrics) UpdateChannelMetrics(db *gorm.DB) {
	setStatusGauge(db.Model(&Channel{}), m.Channels)
}

// UpdateAppSessionMetrics refreshes the per-status app session gauge from the database.
func (m *Metrics) UpdateAppSessionMetrics(db *gorm.DB) {
	setStatusGauge(db.Model(&AppSession{}), m.AppSessions)
}

// setStatusGauge replaces the gauge's series with per-status row counts.
// A query failure leaves the previous values in place.
func setStatusGauge(q *gorm.DB, gauge *prometheus.GaugeVec) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := q.Select("status, COUNT(*) as count").Group("status").Scan(&rows).Error
	if err != nil {
		return
	}

	gauge.Reset()
	for _, row := range rows {
		gauge.WithLabelValues(row.Status).Set(float64(row.Count))
	}
}
