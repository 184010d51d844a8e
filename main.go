package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/erc7824/nodelink/pkg/engine"
	"github.com/erc7824/nodelink/pkg/log"
)

//go:embed config/migrations/*/*.sql
var embedMigrations embed.FS

const (
	metricsEndpoint = "/metrics"
	shutdownTimeout = 30 * time.Second
)

func main() {
	logger := NewLoggerIPFS("root")
	if err := newRootCommand(logger).Execute(); err != nil {
		logger.Fatal("command failed", "error", err)
	}
}

func newRootCommand(logger log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "nodelink",
		Short:         "Talk to an Ethereum node over JSON-RPC",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCommand(logger),
		newStatusCommand(logger),
		newBalanceCommand(logger),
		newExportEventsCommand(logger),
	)
	return root
}

func newRunCommand(logger log.Logger) *cobra.Command {
	var (
		watch     []string
		fromBlock int64
		reconnect time.Duration
		journal   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the node and follow new blocks and events",
		RunE: func(cmd *cobra.Command, args []string) error {
			addresses := make([]common.Address, 0, len(watch))
			for _, s := range watch {
				addr, err := parseAddress(s)
				if err != nil {
					return err
				}
				addresses = append(addresses, addr)
			}

			config, err := LoadConfig(logger)
			if err != nil {
				return err
			}
			if journal {
				config.env.Journal = true
			}
			return runNode(cmd.Context(), config, logger, addresses, fromBlock, reconnect)
		},
	}
	cmd.Flags().StringSliceVar(&watch, "watch", nil, "contract addresses to install event filters for")
	cmd.Flags().Int64Var(&fromBlock, "from-block", -1, "load logs of watched addresses from this block on every connect (negative disables)")
	cmd.Flags().BoolVar(&journal, "journal", false, "record new blocks and events in the database (also NODELINK_JOURNAL)")
	cmd.Flags().DurationVar(&reconnect, "reconnect", 10*time.Second, "delay before reconnecting after a connection error (0 disables)")
	return cmd
}

func runNode(ctx context.Context, config *Config, logger log.Logger, addresses []common.Address, fromBlock int64, reconnect time.Duration) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineLogger := log.NewZapLogger(config.env.Log)
	e, err := buildEngine(sigCtx, config, engineLogger, prometheus.DefaultRegisterer, true)
	if err != nil {
		return err
	}
	e.Subscribe(logNotification(logger))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if config.env.Journal {
		db, err := ConnectToDB(config.dbConf, logger)
		if err != nil {
			return fmt.Errorf("failed to setup database: %w", err)
		}
		journal := NewJournal(db, logger)
		e.Subscribe(journal.Handle)
		g.Go(func() error { return journal.Run(gctx) })
	}

	w := newWatcher(e, logger, addresses, fromBlock, reconnect)
	e.Subscribe(w.Handle)

	g.Go(func() error {
		defer cancel()
		return e.Run(gctx)
	})
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return serveMetrics(gctx, config.env.MetricsAddr, logger) })

	g.Go(func() error {
		if err := e.Start(gctx); err != nil {
			return err
		}
		select {
		case <-gctx.Done():
			return nil
		case <-sigCtx.Done():
		}

		logger.Info("shutting down")
		closeCtx, cancelClose := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelClose()
		if err := e.Close(closeCtx); err != nil && !errors.Is(err, engine.ErrStopped) {
			logger.Error("failed to close engine", "error", err)
			cancel()
			return err
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func serveMetrics(ctx context.Context, addr string, logger log.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle(metricsEndpoint, promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down metrics server", "error", err)
		}
	}()

	logger.Info("Prometheus metrics available", "listenAddr", addr, "endpoint", metricsEndpoint)
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failure: %w", err)
	}
	return nil
}

// withConnectedEngine connects once, runs fn against a ready engine and
// closes the connection again.
func withConnectedEngine(cmd *cobra.Command, logger log.Logger, timeout time.Duration, fn func(ctx context.Context, e *engine.Engine) error) error {
	ctx, span := otel.Tracer("nodelink").Start(cmd.Context(), "nodelink "+cmd.Name())
	defer span.End()
	logger = log.NewSpanLogger(logger, log.NewOtelSpanEventRecorder(span))

	config, err := LoadConfig(logger)
	if err != nil {
		return err
	}
	e, err := buildEngine(ctx, config, logger, prometheus.NewRegistry(), false)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(runCtx) }()

	readyCtx, cancelReady := context.WithTimeout(ctx, timeout)
	defer cancelReady()
	err = waitReady(readyCtx, e)
	if err == nil {
		err = fn(readyCtx, e)
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelClose()
	if closeErr := e.Close(closeCtx); closeErr != nil && !errors.Is(closeErr, engine.ErrStopped) {
		logger.Warn("failed to close engine", "error", closeErr)
	}
	cancel()
	<-runErr
	return err
}

func newStatusCommand(logger log.Logger) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the node's version, network and sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logger.WithName("status")
			return withConnectedEngine(cmd, logger, timeout, func(ctx context.Context, e *engine.Engine) error {
				st, err := e.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "client:  %s\n", st.ClientVersion)
				fmt.Fprintf(out, "network: %s\n", st.NetworkID)
				fmt.Fprintf(out, "state:   %s\n", st.State)
				fmt.Fprintf(out, "peers:   %d\n", st.Peers)
				fmt.Fprintf(out, "block:   %d\n", st.BlockNumber)
				if st.Sync.Syncing {
					fmt.Fprintf(out, "sync:    %d/%d\n", st.Sync.CurrentBlock, st.Sync.HighestBlock)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the node")
	return cmd
}

func newBalanceCommand(logger log.Logger) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "balance <address>",
		Short: "Print the balance and pending nonce of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			logger := logger.WithName("balance")
			return withConnectedEngine(cmd, logger, timeout, func(ctx context.Context, e *engine.Engine) error {
				account, err := e.RefreshAccount(ctx, addr)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s ETH nonce=%d\n", account.Address.Hex(), FormatEther(account.Balance), account.Nonce)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the node")
	return cmd
}
