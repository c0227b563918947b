package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	container "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/pkg/log"
	"github.com/layer-3/tollgate/pkg/rpc"
)

// setupTestSqlite creates an in-memory SQLite DB for testing
func setupTestSqlite(t testing.TB) *gorm.DB {
	t.Helper()

	uniqueDSN := fmt.Sprintf("file::memory:test%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(uniqueDSN), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&Entry{}, &Channel{}, &AppSession{}, &RPCRecord{}, &ContractEvent{}, &LedgerTransaction{}, &UserTagModel{}, &UserActionLog{}, &BlockchainAction{}, &SessionKey{})
	require.NoError(t, err)

	return db
}

// setupTestPostgres creates a PostgreSQL database using testcontainers
func setupTestPostgres(ctx context.Context, t testing.TB) (*gorm.DB, testcontainers.Container) {
	t.Helper()

	const dbName = "postgres"
	const dbUser = "postgres"
	const dbPassword = "postgres"

	postgresContainer, err := container.Run(ctx,
		"postgres:16-alpine",
		container.WithDatabase(dbName),
		container.WithUsername(dbUser),
		container.WithPassword(dbPassword),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_HOST_AUTH_METHOD": "trust",
		}),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForLog("database system is ready to accept connections"),
				wait.ForListeningPort("5432/tcp"),
			)))
	require.NoError(t, err)
	stdlog.Println("Started container:", postgresContainer.GetContainerID())

	url, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(postgres.Open(url), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&Entry{}, &Channel{}, &AppSession{}, &RPCRecord{}, &ContractEvent{}, &LedgerTransaction{}, &UserTagModel{}, &UserActionLog{}, &BlockchainAction{}, &SessionKey{})
	require.NoError(t, err)

	return db, postgresContainer
}

// setupTestDB chooses SQLite or Postgres based on TEST_DB_DRIVER
func setupTestDB(t testing.TB) (*gorm.DB, func()) {
	t.Helper()

	ctx := context.Background()
	var db *gorm.DB
	var cleanup func()

	switch os.Getenv("TEST_DB_DRIVER") {
	case "postgres":
		var pgContainer testcontainers.Container
		db, pgContainer = setupTestPostgres(ctx, t)
		cleanup = func() {
			if pgContainer != nil {
				if err := pgContainer.Terminate(ctx); err != nil {
					stdlog.Printf("Failed to terminate PostgreSQL container: %v", err)
				}
			}
		}
	default:
		db = setupTestSqlite(t)
		cleanup = func() {}
	}

	return db, cleanup
}

func newTestLogger() log.Logger {
	return log.NewZapLogger(log.Config{Format: "console", Level: log.LevelError})
}

func newTestBlockchains() map[uint32]BlockchainConfig {
	return map[uint32]BlockchainConfig{
		137: {
			Name:          "polygon",
			ID:            137,
			BlockchainRPC: "https://polygon-mainnet.infura.io/v3/test",
			ContractAddresses: ContractAddressesConfig{
				Custody:     "0xDB33fEC4e2994a675133E10aDf044BB8Af6C28d5",
				Adjudicator: "0xa3f2f64455c9f8D68d9dCAeC2605D64680FaF898",
			},
		},
		42220: {
			Name:          "celo",
			ID:            42220,
			BlockchainRPC: "https://celo-mainnet.infura.io/v3/test",
			ContractAddresses: ContractAddressesConfig{
				Custody:     "0x6C68440eF55deecE7532CDa3b52D379d0Bb19cF5",
				Adjudicator: "0x7c7F2cE7bA3cA1643C1E327564a7719d86790bC0",
			},
		},
	}
}

func setupTestRPCRouter(t *testing.T) (*RPCRouter, *gorm.DB, func()) {
	t.Helper()

	db, dbCleanup := setupTestDB(t)

	// Well-known test private key.
	privateKeyHex := "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	signer, err := NewSigner(privateKeyHex)
	require.NoError(t, err)

	logger := newTestLogger()

	node, err := rpc.NewWebsocketNode(rpc.WebsocketNodeConfig{
		Signer: signer.NodeSigner(),
		Logger: logger,
	})
	require.NoError(t, err)

	wsNotifier := NewWSNotifier(node.Notify, logger)

	blockchains := newTestBlockchains()
	config := &Config{mode: ModeTest, blockchains: blockchains, assets: AssetsConfig{}, msgExpiryTime: 60}
	channelService := NewChannelService(db, blockchains, &config.assets, signer)

	authManager, err := NewAuthManager(signer.GetPrivateKey())
	require.NoError(t, err)

	metrics := NewMetricsWithRegistry(prometheus.NewRegistry())

	router := NewRPCRouter(
		node,
		config,
		signer,
		NewAppSessionService(db, wsNotifier),
		channelService,
		db,
		authManager,
		metrics,
		NewRPCStore(db),
		wsNotifier,
		logger,
	)

	return router, router.DB, func() {
		dbCleanup()
	}
}
