// Command txcache-node runs one cache node over HTTP, and offers admin
// subcommands that talk to a cluster of nodes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/txcache/client"
	"github.com/IvanBrykalov/txcache/internal/config"
	"github.com/IvanBrykalov/txcache/internal/logging"
	pmet "github.com/IvanBrykalov/txcache/metrics/prom"
	"github.com/IvanBrykalov/txcache/server"
	"github.com/IvanBrykalov/txcache/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "txcache-node",
		Short:        "Serve a transactional cache node over HTTP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			nc, err := config.NodeConfig(v)
			if err != nil {
				return err
			}
			logger, err := logging.New(nc.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), nc, logger)
		},
	}
	config.CommonFlags(cmd.PersistentFlags())
	config.NodeFlags(cmd.Flags())
	cmd.AddCommand(newCompactCommand(), newSequenceCommand())
	return cmd
}

func serve(ctx context.Context, nc config.Node, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := pmet.New(reg, "txcache", nil)

	nc.Server.Logger = logger
	nc.Server.Metrics = metrics
	nc.Server.QueueMetrics = metrics
	node, err := server.Open(nc.Server)
	if err != nil {
		return err
	}
	defer func() { _ = node.Close() }()

	h := transport.NewHandler(node, logger)
	h.Router().Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	srv := &http.Server{
		Addr:              nc.Listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("node.listen", zap.String("node", node.Name()), zap.String("addr", nc.Listen),
		zap.Bool("persistent", nc.Server.DataDir != ""))

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("node.shutdown", zap.String("node", node.Name()))
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// connect builds a cluster client from the client flags.
func connect(cmd *cobra.Command) (*client.Connector, *zap.Logger, error) {
	v, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	cc, err := config.ClientConfig(v)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(v.GetString(config.FlagLogLevel))
	if err != nil {
		return nil, nil, err
	}
	cc.Logger = logger
	c, err := client.NewConnector(cmd.Context(), cc)
	if err != nil {
		return nil, nil, err
	}
	return c, logger, nil
}

func newCompactCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "compact",
		Short:        "Compact the persistence log of every node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, logger, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Compact(cmd.Context()); err != nil {
				return err
			}
			logger.Info("cluster.compact", zap.Strings("nodes", c.Nodes()))
			return nil
		},
	}
	config.ClientFlags(cmd.Flags())
	return cmd
}

func newSequenceCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:          "sequence <name>",
		Short:        "Reserve unique ids from a cluster-wide sequence",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			ids, err := c.GenerateUniqueIDs(cmd.Context(), args[0], count)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	config.ClientFlags(cmd.Flags())
	cmd.Flags().IntVar(&count, "count", 1, "number of ids to reserve")
	return cmd
}
