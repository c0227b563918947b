package main

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/layer-3/tollgate/pkg/log"
)

// Mode switches optional protections on or off. Test mode relaxes RPC
// checks that get in the way of local development.
type Mode string

const (
	ModeProduction Mode = "production"
	ModeTest       Mode = "test"
)

const (
	configDirPathEnv     = "TOLLGATE_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
	defaultMessageExpiry = 60 // in seconds
)

// Config is the assembled node configuration: env vars plus the YAML
// blockchain and asset files from the config directory.
type Config struct {
	mode          Mode
	blockchains   map[uint32]BlockchainConfig
	assets        AssetsConfig
	privateKeyHex string
	dbConf        DatabaseConfig
	logConf       log.Config
	msgExpiryTime int // seconds a request timestamp may lag before rejection
}

// LoadConfig builds the configuration from environment variables and the
// config directory. A .env file is loaded first when present.
func LoadConfig(logger log.Logger) (*Config, error) {
	logger = logger.WithName("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	configDotEnvPath := filepath.Join(configDirPath, ".env")
	logger.Info("loading .env file", "path", configDotEnvPath)
	if err := godotenv.Load(configDotEnvPath); err != nil {
		logger.Warn(".env file not found")
	}

	mode := Mode(os.Getenv("TOLLGATE_MODE"))
	if mode == "" {
		mode = ModeProduction
	} else if mode != ModeProduction && mode != ModeTest {
		logger.Fatal("invalid TOLLGATE_MODE value", "value", mode)
	}
	logger.Info("set mode", "value", mode)

	var logConf log.Config
	if err := cleanenv.ReadEnv(&logConf); err != nil {
		logger.Error("failed to read log env", "err", err)
		return nil, err
	}

	// A full connection URL wins over the individual database envs.
	var dbConf DatabaseConfig
	dbURL := os.Getenv("TOLLGATE_DATABASE_URL")
	if dbURL != "" {
		var err error
		dbConf, err = ParseConnectionString(dbURL)
		if err != nil {
			logger.Error("failed to parse connection string", "err", err)
			return nil, err
		}
	} else {
		if err := cleanenv.ReadEnv(&dbConf); err != nil {
			logger.Error("failed to read env", "err", err)
			return nil, err
		}
	}

	privateKeyHex := os.Getenv("TOLLGATE_BROKER_PRIVATE_KEY")
	if privateKeyHex == "" {
		logger.Fatal("TOLLGATE_BROKER_PRIVATE_KEY environment variable is required")
	}

	messageTimestampExpiry := defaultMessageExpiry
	if messageExpiry := os.Getenv("TOLLGATE_MSG_EXPIRY_TIME"); messageExpiry != "" {
		if parsed, err := strconv.Atoi(messageExpiry); err == nil && parsed > 0 {
			messageTimestampExpiry = parsed
		} else {
			logger.Warn("invalid TOLLGATE_MSG_EXPIRY_TIME", "messageExpiry", messageExpiry)
		}
	}
	logger.Info("set message expiry time", "value", messageTimestampExpiry)

	blockchains, err := LoadBlockchains(configDirPath)
	if err != nil {
		logger.Fatal("failed to load blockchains", "error", err)
	}

	assets, err := LoadAssets(configDirPath)
	if err != nil {
		logger.Fatal("failed to load assets", "error", err)
	}

	config := Config{
		mode:          mode,
		blockchains:   blockchains,
		assets:        assets,
		privateKeyHex: privateKeyHex,
		dbConf:        dbConf,
		logConf:       logConf,
		msgExpiryTime: messageTimestampExpiry,
	}

	return &config, nil
}
