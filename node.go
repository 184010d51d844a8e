package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/erc7824/nodelink/pkg/engine"
	"github.com/erc7824/nodelink/pkg/log"
	"github.com/erc7824/nodelink/pkg/supervisor"
	"github.com/erc7824/nodelink/pkg/transport"
)

const (
	remotePingInterval = 30 * time.Second
	nodeStopMargin     = 10 * time.Second
	watchKeyPrefix     = "watch:"
)

// buildEngine wires the configured transports, metrics and managed node
// into an engine. withNode is false for one-shot commands, which never
// spawn a node.
func buildEngine(ctx context.Context, cfg *Config, logger log.Logger, reg prometheus.Registerer, withNode bool) (*engine.Engine, error) {
	local, err := transport.New(cfg.env.IPCPath, transport.Options{
		DialTimeout: cfg.env.ConnectTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("local endpoint: %w", err)
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(engine.NewMetrics(reg)),
	}

	if cfg.env.ThinClient {
		remoteURL := cfg.env.RemoteURL
		switch {
		case len(cfg.jwtSecret) > 0:
			logger.Info("skipping chain id preflight for authenticated remote endpoint", "url", remoteURL)
		case remotePreflightable(remoteURL):
			chainID, err := checkRemoteChainID(ctx, remoteURL, cfg.env.RemoteChainID)
			if err != nil {
				return nil, err
			}
			logger.Info("remote endpoint verified", "url", remoteURL, "chainID", chainID)
		}

		remote, err := transport.New(remoteURL, transport.Options{
			DialTimeout:  cfg.env.ConnectTimeout,
			PingInterval: remotePingInterval,
			JWTSecret:    cfg.jwtSecret,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("remote endpoint: %w", err)
		}
		limiter := transport.NewRateLimiter(cfg.env.RemoteRate, cfg.env.RemoteBurst)
		opts = append(opts, engine.WithRemote(remote, limiter))
	}

	if withNode && cfg.node != nil {
		node := supervisor.New(*cfg.node, logger)
		opts = append(opts, engine.WithNode(node, cfg.node.GracePeriod+nodeStopMargin))
	}

	return engine.New(cfg.EngineConfig(), local, opts...), nil
}

// waitReady starts e and blocks until it is ready or the connection fails.
// Run must already be running.
func waitReady(ctx context.Context, e *engine.Engine) error {
	result := make(chan error, 1)
	unsubscribe := e.Subscribe(func(n engine.Notification) {
		switch n := n.(type) {
		case engine.Ready:
			select {
			case result <- nil:
			default:
			}
		case engine.ConnectionError:
			select {
			case result <- n.Err:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := e.Start(ctx); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FormatEther renders a wei amount in ether without losing precision.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func watchKey(addr common.Address) string {
	return watchKeyPrefix + addr.Hex()
}

// watchAddress parses a key built by watchKey.
func watchAddress(key string) (common.Address, bool) {
	s, ok := strings.CutPrefix(key, watchKeyPrefix)
	if !ok || !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// watcher keeps event filters installed for a set of addresses across
// reconnects, and restarts the engine after a connection error.
type watcher struct {
	e         *engine.Engine
	logger    log.Logger
	addresses []common.Address
	fromBlock int64
	reconnect time.Duration

	ready  chan struct{}
	bailed chan struct{}
	lost   chan string
}

func newWatcher(e *engine.Engine, logger log.Logger, addresses []common.Address, fromBlock int64, reconnect time.Duration) *watcher {
	return &watcher{
		e:         e,
		logger:    logger.WithName("watcher"),
		addresses: addresses,
		fromBlock: fromBlock,
		reconnect: reconnect,
		ready:     make(chan struct{}, 1),
		bailed:    make(chan struct{}, 1),
		lost:      make(chan string, 16),
	}
}

// Handle is an engine.Handler.
func (w *watcher) Handle(n engine.Notification) {
	switch n := n.(type) {
	case engine.Ready:
		notify(w.ready)
	case engine.ConnectionError:
		notify(w.bailed)
	case engine.FilterLost:
		select {
		case w.lost <- n.FilterKey:
		default:
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run reacts to engine notifications until ctx is done.
func (w *watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.ready:
			for _, addr := range w.addresses {
				w.install(ctx, addr, w.fromBlock >= 0)
			}
		case key := <-w.lost:
			if addr, ok := watchAddress(key); ok {
				w.install(ctx, addr, false)
			}
		case <-w.bailed:
			if w.reconnect <= 0 {
				continue
			}
			w.logger.Info("reconnecting", "in", w.reconnect)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.reconnect):
			}
			if err := w.e.Start(ctx); err != nil && !errors.Is(err, engine.ErrStopped) {
				w.logger.Error("failed to restart engine", "error", err)
			}
		}
	}
}

func (w *watcher) install(ctx context.Context, addr common.Address, history bool) {
	key := watchKey(addr)
	query := ethereum.FilterQuery{Addresses: []common.Address{addr}}

	if history {
		q := query
		q.FromBlock = big.NewInt(w.fromBlock)
		logs, err := w.e.LoadLogs(ctx, key, q)
		if err != nil {
			w.logger.Warn("failed to load historical logs", "address", addr.Hex(), "error", err)
		} else {
			w.logger.Info("historical logs loaded", "address", addr.Hex(), "count", len(logs))
		}
	}

	id, err := w.e.RegisterEventFilter(ctx, key, query)
	switch {
	case errors.Is(err, engine.ErrDuplicateFilter):
	case err != nil:
		w.logger.Warn("failed to install event filter", "address", addr.Hex(), "error", err)
	default:
		w.logger.Info("watching address", "address", addr.Hex(), "filter", id)
	}
}

// logNotification reports engine activity on the root logger.
func logNotification(logger log.Logger) engine.Handler {
	return func(n engine.Notification) {
		switch n := n.(type) {
		case engine.StateChanged:
			logger.Info("connection state", "from", n.From.String(), "to", n.To.String())
		case engine.Ready:
			logger.Info("node ready", "client", n.ClientVersion, "network", n.NetworkID)
		case engine.SyncProgress:
			logger.Info("sync progress", "syncing", n.Status.Syncing, "current", n.Status.CurrentBlock, "highest", n.Status.HighestBlock)
		case engine.PeerCountChanged:
			logger.Debug("peer count", "peers", n.Peers)
		case engine.NewBlock:
			logger.Info("new block", "number", uint64(n.Block.Number), "hash", n.Block.Hash.Hex(), "txs", len(n.Block.Transactions))
		case engine.NewEvents:
			logger.Info("new events", "filter", n.FilterKey, "count", len(n.Logs), "historical", n.Historical)
		case engine.FilterLost:
			logger.Warn("event filter lost", "filter", n.FilterKey, "error", n.Err)
		case engine.VersionWarning:
			logger.Warn("node client is outdated", "client", n.ClientVersion, "minimum", n.Minimum)
		case engine.ConnectionError:
			logger.Error("connection error", "error", n.Err)
		}
	}
}
