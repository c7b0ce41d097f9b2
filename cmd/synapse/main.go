package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"synapse/pkg/auth"
	"synapse/pkg/config"
	"synapse/pkg/event"
	"synapse/pkg/federation"
	"synapse/pkg/server"
	"synapse/pkg/storage"
	"synapse/pkg/transport"
)

const version = "0.3.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "synapse",
		Short: "Federated event exchange node",
		Long: `A federation node that exchanges signed, causally-linked events with
peers, authenticates agents by key possession and discovers content
providers through a DHT.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		keygenCmd(),
		peersCmd(),
		statusCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return zcfg.Build()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the synapse node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			identity, err := transport.LoadOrCreateIdentity(cfg.KeyFile)
			if err != nil {
				return fmt.Errorf("node identity: %w", err)
			}
			logger.Info("node identity loaded",
				zap.String("peer_id", string(identity.PeerID())),
				zap.String("node", cfg.NodeName))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			tr := transport.New(transport.Config{
				ListenAddress: cfg.Transport.ListenAddress,
				Bootstrap:     cfg.Transport.Bootstrap,
				Announce:      cfg.Transport.Announce,
				Topics:        cfg.Transport.Topics,
			}, identity, logger.Named("transport"))
			if err := tr.Start(ctx); err != nil {
				return err
			}

			registry := event.NewRegistry()
			dispatcher := event.NewDispatcher(registry, cfg.Dispatch.MaxDepth, logger.Named("dispatch"))

			sessions := storage.NewMemorySessionStore()
			challenges := storage.NewMemoryChallengeStore()
			events := storage.NewMemoryEventStore()
			profiles := storage.NewMemoryProfileStore()

			authSvc := auth.NewService(challenges, sessions, logger.Named("auth"))
			fed := federation.NewService(tr, identity, dispatcher, events, profiles, logger.Named("federation"))
			go fed.Run(ctx)
			go sweepSessions(ctx, sessions, logger)

			httpSrv := server.New(cfg.HTTP.Address, fed, authSvc, tr, logger.Named("http"))
			errCh := make(chan error, 1)
			go func() { errCh <- httpSrv.Start() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("shutting down", zap.String("signal", sig.String()))
			case err := <-errCh:
				if err != nil {
					logger.Error("http server failed", zap.Error(err))
				}
			}

			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	}
}

func sweepSessions(ctx context.Context, sessions *storage.MemorySessionStore, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := sessions.SweepExpired(time.Now().UTC()); n > 0 {
				logger.Info("expired sessions removed", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func keygenCmd() *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate or inspect the node keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := transport.LoadOrCreateIdentity(keyFile)
			if err != nil {
				return err
			}
			fmt.Printf("key file: %s\n", keyFile)
			fmt.Printf("peer id:  %s\n", identity.PeerID())
			fmt.Printf("agent:    %s\n", identity.AgentKey())
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyFile, "key-file", "k", "./data/identity.json", "key file path")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("synapse %s\n", version)
		},
	}
}
