package main

import (
	"context"
	"embed"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/layer-3/tollgate/pkg/log"
	"github.com/layer-3/tollgate/pkg/rpc"
)

//go:embed config/migrations/*/*.sql
var embedMigrations embed.FS

func main() {
	if len(os.Args) > 1 {
		// If a CLI command is provided, run it and exit
		runCli(os.Args[1])
		return
	}

	bootLogger := log.NewZapLogger(log.Config{Format: "logfmt", Level: log.LevelInfo})

	config, err := LoadConfig(bootLogger)
	if err != nil {
		bootLogger.Fatal("failed to load configuration", "error", err)
	}

	logger := log.NewZapLogger(config.logConf).WithName("tollgate")

	db, err := ConnectToDB(config.dbConf, logger)
	if err != nil {
		logger.Fatal("failed to setup database", "error", err)
	}

	if err := loadSessionKeyCache(db); err != nil {
		logger.Fatal("failed to load session key cache", "error", err)
	}

	signer, err := NewSigner(config.privateKeyHex)
	if err != nil {
		logger.Fatal("failed to initialise signer", "error", err)
	}
	logger.Info("broker signer initialized", "address", signer.GetAddress().Hex())

	rpcStore := NewRPCStore(db)
	metrics := NewMetrics()

	authManager, err := NewAuthManager(signer.GetPrivateKey())
	if err != nil {
		logger.Fatal("failed to initialize auth manager", "error", err)
	}

	// The node needs its lifecycle callbacks at construction time while the
	// router needs the node; connections only arrive once the server below
	// starts, so binding the router late is safe.
	var router *RPCRouter
	rpcNode, err := rpc.NewWebsocketNode(rpc.WebsocketNodeConfig{
		Signer: signer.NodeSigner(),
		Logger: logger,
		OnConnectHandler: func(send rpc.SendResponseFunc) {
			router.HandleConnect(send)
		},
		OnDisconnectHandler: func(userID string) {
			router.HandleDisconnect(userID)
		},
		OnAuthenticatedHandler: func(userID string, send rpc.SendResponseFunc) {
			router.HandleAuthenticated(userID, send)
		},
		OnMessageSentHandler: func(raw []byte) {
			router.HandleMessageSent(raw)
		},
	})
	if err != nil {
		logger.Fatal("failed to initialize RPC node", "error", err)
	}

	wsNotifier := NewWSNotifier(rpcNode.Notify, logger)
	appSessionService := NewAppSessionService(db, wsNotifier)
	channelService := NewChannelService(db, config.blockchains, &config.assets, signer)

	router = NewRPCRouter(rpcNode, config, signer, appSessionService, channelService, db, authManager, metrics, rpcStore, wsNotifier, logger)

	rpcListenAddr := ":8000"
	rpcListenEndpoint := "/ws"
	rpcMux := http.NewServeMux()
	rpcMux.Handle(rpcListenEndpoint, rpcNode)

	rpcServer := &http.Server{
		Addr:    rpcListenAddr,
		Handler: rpcMux,
	}

	custodyClients := make(map[uint32]*Custody)
	for chainID, blockchain := range config.blockchains {
		client, err := NewCustody(signer, db, wsNotifier, blockchain, &config.assets, logger)
		if err != nil {
			logger.Fatal("failed to initialize blockchain client", "chainID", chainID, "error", err)
		}
		custodyClients[chainID] = client
		go client.ListenEvents(context.Background())
	}

	// Blockchain action worker shared by all custody clients.
	// TODO: move to a separate worker process once action volume warrants it
	if len(custodyClients) > 0 {
		workerClients := make(map[uint32]CustodyInterface, len(custodyClients))
		for chainID, client := range custodyClients {
			workerClients[chainID] = client
		}
		worker := NewBlockchainWorker(db, workerClients, logger)
		go worker.Start(context.Background())
	}

	metricsListenAddr := ":4242"
	metricsEndpoint := "/metrics"
	metricsMux := http.NewServeMux()
	metricsMux.Handle(metricsEndpoint, promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    metricsListenAddr,
		Handler: metricsMux,
	}

	go metrics.RecordMetricsPeriodically(db, custodyClients, logger)

	go func() {
		logger.Info("Prometheus metrics available", "listenAddr", metricsListenAddr, "endpoint", metricsEndpoint)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failure", "error", err)
		}
	}()

	go func() {
		logger.Info("RPC server available", "listenAddr", rpcListenAddr, "endpoint", rpcListenEndpoint)
		if err := rpcServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("RPC server failure", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down metrics server", "error", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rpcServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down RPC server", "error", err)
	}

	logger.Info("shutdown complete")
}

func runCli(name string) {
	logger := newCLILogger(name)
	switch name {
	case "reconcile":
		runReconcileCli(logger)
	case "export-transactions":
		runExportTransactionsCli(logger)
	default:
		logger.Fatal("unknown CLI command", "name", name)
	}
}
