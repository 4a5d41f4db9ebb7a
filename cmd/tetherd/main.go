// Command tetherd runs the tether agent daemon and its client gateway,
// together in one process or split across two.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/martinemde/tether/backend"
	"github.com/martinemde/tether/config"
	"github.com/martinemde/tether/daemon"
	"github.com/martinemde/tether/gateway"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tetherd",
		Short:         "Local agent-session daemon and gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "tetherd "+version)
		},
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath  string
		daemonOnly  bool
		gatewayOnly bool
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon and gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(verbose)

			if gatewayOnly {
				return runGatewayOnly(cfg, logger)
			}

			client, err := backendClient(cfg, logger)
			if err != nil {
				return err
			}
			d := daemon.New(cfg, client, logger)
			defer d.Close()

			srv, err := daemon.NewServer(d, cfg.Daemon.SocketPath)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(); err != nil {
					logger.Error("daemon server stopped", "error", err)
				}
			}()
			defer srv.Stop()
			logger.Info("daemon listening", "socket", cfg.Daemon.SocketPath)

			if daemonOnly {
				waitForSignal(logger)
				return nil
			}

			// Single-binary mode: the gateway talks to the daemon
			// in-process.
			g := gateway.New(cfg, d, logger)
			errCh := make(chan error, 1)
			go func() { errCh <- g.Start(d.MetricsRegistry()) }()
			defer g.Stop()

			select {
			case err := <-errCh:
				return err
			case <-signalChan():
				logger.Info("shutting down")
				return nil
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to tether.yaml")
	cmd.Flags().BoolVar(&daemonOnly, "daemon-only", false, "serve only the daemon socket")
	cmd.Flags().BoolVar(&gatewayOnly, "gateway-only", false, "serve only the gateway, connecting to an existing daemon socket")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func runGatewayOnly(cfg config.Config, logger *slog.Logger) error {
	client, err := gateway.DialDaemon(cfg.Daemon.SocketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	g := gateway.New(cfg, client, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- g.Start(nil) }()
	defer g.Stop()

	select {
	case err := <-errCh:
		return err
	case <-signalChan():
		logger.Info("shutting down")
		return nil
	}
}

// backendClient registers a gollm adapter per provider with credentials
// in the environment. The session target picks among them.
func backendClient(cfg config.Config, logger *slog.Logger) (*backend.Client, error) {
	client := backend.NewClient()
	target := backend.ParseTarget(cfg.Target)

	registered := 0
	for _, name := range []string{"openai", "anthropic"} {
		model := ""
		if target.Backend == name {
			model = target.Model
		}
		adapter, err := backend.NewGollmAdapter(name, "", model)
		if err != nil {
			logger.Debug("backend unavailable", "backend", name, "error", err)
			continue
		}
		client.Register(adapter)
		registered++
	}
	if registered == 0 {
		return nil, fmt.Errorf("no backend credentials found; set OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}
	return client, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func signalChan() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}

func waitForSignal(logger *slog.Logger) {
	<-signalChan()
	logger.Info("shutting down")
}
