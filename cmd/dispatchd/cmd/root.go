// Package cmd implements the dispatchd command-line interface, structured
// the same way the retrieval pack's own CLI entrypoints are: a root command
// carrying persistent flags, with the actual daemon wiring split out of
// cobra's RunE into a plain function so it stays testable without spinning
// up a process.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/robustmq/sharedispatch/cache"
	"github.com/robustmq/sharedispatch/config"
	"github.com/robustmq/sharedispatch/dispatcher"
	"github.com/robustmq/sharedispatch/internal/packets"
	"github.com/robustmq/sharedispatch/model"
	"github.com/robustmq/sharedispatch/observability/metrics"
	"github.com/robustmq/sharedispatch/placement"
	"github.com/robustmq/sharedispatch/qosmachine"
	"github.com/robustmq/sharedispatch/registry"
	"github.com/robustmq/sharedispatch/storage/boltlog"
	"github.com/robustmq/sharedispatch/supervisor"
	"github.com/robustmq/sharedispatch/transport/connmgr"
)

// Version is set via -ldflags at build time; "dev" otherwise.
var Version = "dev"

// NewRootCommand returns the dispatchd root command.
func NewRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "dispatchd",
		Short:   "Shared-subscription dispatch daemon",
		Long:    "dispatchd runs the shared-subscription leader dispatcher: it reads each group's committed log and round-robins messages to live subscribers.",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return Run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "dispatchd.yaml", "path to the dispatchd YAML config file")
	root.AddCommand(newValidateCommand(&configPath))
	return root
}

func newValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config file without starting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(*configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	}
}

// Run wires the full daemon from cfg and blocks until ctx is cancelled or a
// termination signal arrives.
func Run(ctx context.Context, cfg config.Config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("dispatchd: create data dir: %w", err)
	}
	store, err := boltlog.Open(filepath.Join(cfg.Storage.DataDir, "sharedispatch.db"))
	if err != nil {
		return fmt.Errorf("dispatchd: open storage: %w", err)
	}
	defer store.Close()

	reg := registry.New()
	conns := connmgr.New(logger)
	acks := cache.New()
	recorder := metrics.New()
	qos := qosmachine.New(conns, acks, logger).WithMetrics(recorder)

	conns.SetAckHandler(func(clientID string, pkt packets.Packet) {
		var result cache.AckResult
		switch p := pkt.(type) {
		case *packets.PubackPacket:
			result = cache.AckResult{Kind: cache.AckPuback, PacketID: p.PacketID}
		case *packets.PubrecPacket:
			result = cache.AckResult{Kind: cache.AckPubrec, PacketID: p.PacketID}
		case *packets.PubcompPacket:
			result = cache.AckResult{Kind: cache.AckPubcomp, PacketID: p.PacketID}
		default:
			return
		}
		qos.DeliverAck(clientID, result)
	})

	cluster := cfg.ClusterConfig()
	decoder := dispatcher.WireDecoder{}
	qosOpts := qosmachine.DefaultOptions()
	if cluster.PubrelRetryLimit > 0 {
		qosOpts.PubrelRetryLimit = cluster.PubrelRetryLimit
	}

	runDispatcher := func(taskCtx context.Context, key model.ShareLeaderKey, topicID, topicName, groupName string, stopCh <-chan struct{}) {
		task := dispatcher.New(key, topicID, topicName, groupName, stopCh, dispatcher.Deps{
			Registry:   reg,
			Storage:    store,
			QoS:        qos,
			Acks:       acks,
			Decoder:    decoder,
			Conns:      conns,
			Cluster:    cluster,
			QoSOptions: qosOpts,
			Logger:     logger,
			Metrics:    recorder,
		})
		task.Run(taskCtx)
	}

	sv := supervisor.New(reg, runDispatcher, supervisor.DefaultTick, logger)

	if cfg.Placement.Addr != "" {
		pc := placement.New(placement.Config{
			Addr:              cfg.Placement.Addr,
			NodeID:            cfg.NodeID,
			HeartbeatInterval: cfg.Placement.HeartbeatInterval,
		}, logger)
		go pc.Run(ctx)
		defer pc.Close()
	}

	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", recorder.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("dispatchd: metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	stopAll := make(chan struct{})
	go sv.Run(ctx, stopAll)

	logger.Info("dispatchd: running", "node_id", cfg.NodeID)
	<-ctx.Done()
	close(stopAll)
	logger.Info("dispatchd: shutting down")
	return nil
}
