// Package main provides the CLI entry point for the p2p node.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/p2p-node/internal/config"
	"github.com/postalsys/p2p-node/internal/health"
	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/logging"
	"github.com/postalsys/p2p-node/internal/metrics"
	"github.com/postalsys/p2p-node/internal/node"
	"github.com/postalsys/p2p-node/internal/protocols/exchange"
	"github.com/postalsys/p2p-node/internal/protocols/ping"
	"github.com/postalsys/p2p-node/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "p2p-node",
		Short: "Peer-to-peer node",
		Long: `p2p-node keeps authenticated, multiplexed sessions with a set of
peers. Peers are added manually through bootstrap entries; there is no
discovery.

Each session carries independent, flow-controlled streams tagged with
an application protocol.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(idCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(pingCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new node",
		Long:  "Initialize a new node by creating the data directory and generating the node key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, created, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("failed to initialize node: %w", err)
			}

			if created {
				fmt.Printf("Node initialized in %s\n", dataDir)
			} else {
				fmt.Printf("Node already initialized in %s\n", dataDir)
			}
			fmt.Printf("Peer ID: %s\n", kp.ID())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive configuration wizard",
		Long:  "Walk through transport, TLS, bootstrap peers and limits, then write a config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := wizard.New().Run()
			if err != nil {
				return err
			}
			fmt.Printf("\nStart the node with: p2p-node run -c %s\n", res.ConfigPath)
			return nil
		},
	}
}

func idCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print the node's peer ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := identity.LoadKeypair(dataDir)
			if errors.Is(err, identity.ErrKeyNotFound) {
				return fmt.Errorf("no node key in %s (run 'p2p-node init' first)", dataDir)
			}
			if err != nil {
				return err
			}
			fmt.Println(kp.ID())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		Long:  "Start the node with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func run(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)

	kp, created, err := identity.LoadOrCreate(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("failed to load node key: %w", err)
	}
	if created {
		logger.Info("generated node key", logging.KeyPeerID, kp.ID().String())
	}

	ncfg, err := node.FromConfig(cfg, kp, logger, metrics.Default())
	if err != nil {
		return err
	}
	defer ncfg.Transport.Close()

	n, err := node.New(ncfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := ping.Register(n, logger); err != nil {
		return err
	}
	err = exchange.Register(n, logger, func(msg exchange.Message) {
		logger.Info("message received",
			logging.KeyPeerID, msg.From.ShortString(),
			"seq", msg.Sequence,
			"bytes", len(msg.Data))
	})
	if err != nil {
		return err
	}

	fmt.Printf("Starting p2p node...\n")
	fmt.Printf("Peer ID: %s\n", n.ID())

	if err := n.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	var hs *health.Server
	if cfg.Health.Enabled {
		hs = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Logger:       logger,
		}, n)
		if err := hs.Start(); err != nil {
			n.Close()
			return fmt.Errorf("failed to start health server: %w", err)
		}
		fmt.Printf("Health endpoint: http://%s\n", hs.Address())
	}

	st := n.Stats()
	fmt.Printf("Listening: %s/%s (bootstrap peers: %d, max peers: %d)\n",
		cfg.Listen.Transport, st.ListenAddress, len(cfg.Bootstrap), st.MaxPeers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
	case <-n.Done():
	}

	if hs != nil {
		hs.Stop()
	}

	done := make(chan struct{})
	go func() {
		n.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", shutdownTimeout)
	}

	fmt.Println("Node stopped.")
	return nil
}
