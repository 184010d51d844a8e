package supervisor

import (
	"fmt"
	"strconv"
	"time"
)

// SyncMode is the node's chain synchronisation strategy.
type SyncMode string

const (
	SyncModeSnap  SyncMode = "snap"
	SyncModeFull  SyncMode = "full"
	SyncModeLight SyncMode = "light"
)

// Config describes how to launch a managed node. Fields map onto geth
// style command-line flags; ExtraArgs is appended verbatim.
type Config struct {
	Binary   string   `yaml:"binary" validate:"required"`
	DataDir  string   `yaml:"data_dir"`
	IPCPath  string   `yaml:"ipc_path"`
	SyncMode SyncMode `yaml:"sync_mode" validate:"omitempty,oneof=snap full light"`
	Testnet  bool     `yaml:"testnet"`
	// TestnetFlag selects the test network, e.g. --sepolia or --holesky.
	TestnetFlag string `yaml:"testnet_flag"`
	// ThinClient limits the peer set, since heavy reads go to a remote endpoint.
	ThinClient bool     `yaml:"thin_client"`
	MaxPeers   int      `yaml:"max_peers" validate:"gte=0"`
	ExtraArgs  []string `yaml:"extra_args"`
	Env        []string `yaml:"env"`
	// GracePeriod is how long Stop waits after SIGTERM before killing.
	GracePeriod time.Duration `yaml:"grace_period"`
}

const (
	defaultTestnetFlag = "--sepolia"
	defaultThinPeers   = 5
	defaultGracePeriod = 5 * time.Second
)

// Args builds the child's argument list.
func (c Config) Args() []string {
	var args []string
	if c.DataDir != "" {
		args = append(args, "--datadir", c.DataDir)
	}
	if c.IPCPath != "" {
		args = append(args, "--ipcpath", c.IPCPath)
	}
	if c.SyncMode != "" {
		args = append(args, "--syncmode", string(c.SyncMode))
	}
	if c.Testnet {
		flag := c.TestnetFlag
		if flag == "" {
			flag = defaultTestnetFlag
		}
		args = append(args, flag)
	}
	if c.ThinClient {
		peers := c.MaxPeers
		if peers == 0 {
			peers = defaultThinPeers
		}
		args = append(args, "--maxpeers", strconv.Itoa(peers))
	} else if c.MaxPeers > 0 {
		args = append(args, "--maxpeers", strconv.Itoa(c.MaxPeers))
	}
	return append(args, c.ExtraArgs...)
}

func (c Config) grace() time.Duration {
	if c.GracePeriod <= 0 {
		return defaultGracePeriod
	}
	return c.GracePeriod
}

func (c Config) String() string {
	return fmt.Sprintf("%s %v", c.Binary, c.Args())
}
