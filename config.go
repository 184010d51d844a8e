package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	ipfslog "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"
	"github.com/layer-3/clearsync/pkg/debounce"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/erc7824/nodelink/pkg/engine"
	"github.com/erc7824/nodelink/pkg/log"
	"github.com/erc7824/nodelink/pkg/supervisor"
	"github.com/erc7824/nodelink/pkg/transport"
)

const (
	configDirPathEnv     = "NODELINK_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
	nodeProfileFileName  = "node.yaml"
	ipcFileName          = "geth.ipc"

	checkChainIDTimeout = 30 * time.Second
)

var preflightLogger = ipfslog.Logger("preflight")

// EnvConfig holds the settings read from the environment and .env.
type EnvConfig struct {
	IPCPath          string        `env:"NODELINK_IPC_PATH"`
	DataDir          string        `env:"NODELINK_DATA_DIR"`
	PollInterval     time.Duration `env:"NODELINK_POLL_INTERVAL" env-default:"5s" validate:"gte=100ms"`
	ConnectAttempts  int           `env:"NODELINK_CONNECT_ATTEMPTS" env-default:"20" validate:"gte=1"`
	ConnectTimeout   time.Duration `env:"NODELINK_CONNECT_TIMEOUT" env-default:"2s" validate:"gte=10ms"`
	RequestTimeout   time.Duration `env:"NODELINK_REQUEST_TIMEOUT" env-default:"30s"`
	MinClientVersion string        `env:"NODELINK_MIN_CLIENT_VERSION"`
	BlockFilter      bool          `env:"NODELINK_BLOCK_FILTER" env-default:"true"`
	Testnet          bool          `env:"NODELINK_TESTNET" env-default:"false"`

	ThinClient      bool    `env:"NODELINK_THIN_CLIENT" env-default:"false"`
	RemoteURL       string  `env:"NODELINK_REMOTE_URL" validate:"required_if=ThinClient true,omitempty,url"`
	RemoteJWTSecret string  `env:"NODELINK_REMOTE_JWT_SECRET"`
	RemoteRate      float64 `env:"NODELINK_REMOTE_RATE" env-default:"20" validate:"gte=0"`
	RemoteBurst     int     `env:"NODELINK_REMOTE_BURST" env-default:"5" validate:"gte=0"`
	RemoteChainID   uint64  `env:"NODELINK_REMOTE_CHAIN_ID"`
	RemoteLogs      bool    `env:"NODELINK_REMOTE_LOGS" env-default:"false"`

	MetricsAddr string `env:"NODELINK_METRICS_ADDR" env-default:":4242"`
	Journal     bool   `env:"NODELINK_JOURNAL" env-default:"false"`

	Log log.Config
}

// Config represents the overall application configuration.
type Config struct {
	env       EnvConfig
	node      *supervisor.Config
	dbConf    DatabaseConfig
	jwtSecret []byte
}

// LoadConfig builds configuration from the environment, an optional .env
// file and an optional node.yaml profile in the config directory.
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

	var env EnvConfig
	if err := cleanenv.ReadEnv(&env); err != nil {
		logger.Error("failed to read env", "err", err)
		return nil, err
	}

	var dbConf DatabaseConfig
	if dbURL := os.Getenv("NODELINK_DATABASE_URL"); dbURL != "" {
		var err error
		dbConf, err = ParseConnectionString(dbURL)
		if err != nil {
			logger.Error("failed to parse connection string", "err", err)
			return nil, err
		}
	} else if err := cleanenv.ReadEnv(&dbConf); err != nil {
		logger.Error("failed to read database env", "err", err)
		return nil, err
	}

	node, err := LoadNodeProfile(configDirPath)
	if err != nil {
		return nil, err
	}
	if node != nil {
		logger.Info("managed node configured", "binary", node.Binary)
	}

	cfg := &Config{env: env, node: node, dbConf: dbConf}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	logger.Info("configuration loaded", "ipc", cfg.env.IPCPath, "thin", cfg.env.ThinClient, "journal", cfg.env.Journal)
	return cfg, nil
}

// resolve fills derived settings and validates the result.
func (c *Config) resolve() error {
	if c.env.IPCPath == "" && c.node != nil {
		c.env.IPCPath = c.node.IPCPath
	}
	if c.env.DataDir == "" && c.node != nil {
		c.env.DataDir = c.node.DataDir
	}
	if c.env.IPCPath == "" && c.env.DataDir != "" {
		c.env.IPCPath = filepath.Join(c.env.DataDir, ipcFileName)
	}
	if c.env.IPCPath == "" {
		return errors.New("NODELINK_IPC_PATH or NODELINK_DATA_DIR is required")
	}

	if c.node != nil {
		if c.node.DataDir == "" {
			c.node.DataDir = c.env.DataDir
		}
		if c.node.IPCPath == "" && !strings.Contains(c.env.IPCPath, "://") {
			c.node.IPCPath = c.env.IPCPath
		}
		c.node.Testnet = c.node.Testnet || c.env.Testnet
		c.node.ThinClient = c.node.ThinClient || c.env.ThinClient
	}

	validate := validator.New()
	if err := validate.Struct(c.env); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if c.node != nil {
		if err := validate.Struct(c.node); err != nil {
			return errors.Wrap(err, "invalid node profile")
		}
	}

	if c.env.RemoteJWTSecret != "" {
		secret, err := transport.ParseJWTSecret(c.env.RemoteJWTSecret)
		if err != nil {
			return errors.Wrap(err, "NODELINK_REMOTE_JWT_SECRET")
		}
		c.jwtSecret = secret
	}
	return nil
}

// EngineConfig converts the settings consumed by the engine.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		PollInterval:     c.env.PollInterval,
		ConnectAttempts:  c.env.ConnectAttempts,
		ConnectTimeout:   c.env.ConnectTimeout,
		RequestTimeout:   c.env.RequestTimeout,
		MinClientVersion: c.env.MinClientVersion,
		Features: engine.Features{
			BlockFilter: c.env.BlockFilter,
			RemoteLogs:  c.env.RemoteLogs,
		},
	}
}

// LoadNodeProfile reads <configDirPath>/node.yaml. A missing file means
// no managed node and yields nil.
func LoadNodeProfile(configDirPath string) (*supervisor.Config, error) {
	f, err := os.Open(filepath.Join(configDirPath, nodeProfileFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var node supervisor.Config
	if err := yaml.NewDecoder(f).Decode(&node); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", nodeProfileFileName)
	}
	return &node, nil
}

// checkRemoteChainID verifies that an http(s) or ws(s) endpoint serves the
// expected chain. The call is retried while ctx allows.
func checkRemoteChainID(ctx context.Context, rpcURL string, expected uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, checkChainIDTimeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return 0, errors.Wrap(err, "failed to connect to remote endpoint")
	}
	defer client.Close()

	var chainID uint64
	err = debounce.Debounce(ctx, preflightLogger, func(ctx context.Context) error {
		id, err := client.ChainID(ctx)
		if err != nil {
			return err
		}
		chainID = id.Uint64()
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to get chain ID from remote endpoint")
	}

	if expected != 0 && chainID != expected {
		return chainID, fmt.Errorf("unexpected chain ID from remote endpoint: got %d, want %d", chainID, expected)
	}
	return chainID, nil
}

// remotePreflightable reports whether the URL is served by go-ethereum's
// RPC client.
func remotePreflightable(rpcURL string) bool {
	for _, scheme := range []string{"http://", "https://", "ws://", "wss://"} {
		if strings.HasPrefix(rpcURL, scheme) {
			return true
		}
	}
	return false
}
