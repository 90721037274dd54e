// Command oauth2d runs the smart home authorization server and manages its
// clients.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	oauth "github.com/voicehub/smarthome-oauth"
	"github.com/voicehub/smarthome-oauth/server"
	"github.com/voicehub/smarthome-oauth/token"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "oauth2d",
		Short:         "OAuth 2.0 authorization server for smart home voice platforms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("OAUTH_CONFIG"),
		"path to the YAML config file (env OAUTH_CONFIG)")

	root.AddCommand(
		newServeCmd(opts),
		newClientCmd(opts),
		newHashPasswordCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := oauth.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}

			logger, err := oauth.NewLogger(cfg.Log, os.Stdout)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := oauth.NewApp(ctx, cfg, logger, Version)
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					logger.Error("Shutdown failed", "error", err)
				}
			}()

			return app.Run(ctx)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

// openServer opens the configured backend behind a server.Server for the
// administrative commands. Logs go to stderr so command output stays
// parseable.
func openServer(ctx context.Context, configPath string, stderr io.Writer) (*server.Server, func(), error) {
	cfg, err := oauth.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	logCfg := cfg.Log
	logCfg.Format = "text"
	logCfg.Level = "error"
	logger, err := oauth.NewLogger(logCfg, stderr)
	if err != nil {
		return nil, nil, err
	}

	backend, err := oauth.OpenBackend(ctx, cfg, logger, nil)
	if err != nil {
		return nil, nil, err
	}
	closeBackend := func() { _ = backend.Close() }

	codec, err := token.NewCodec([]byte(cfg.SigningKey), cfg.Issuer)
	if err != nil {
		closeBackend()
		return nil, nil, err
	}

	srvCfg := cfg.ServerConfig()
	srvCfg.ClientCacheTTL = -1
	srv, err := server.New(backend, backend, backend, codec, srvCfg, logger)
	if err != nil {
		closeBackend()
		return nil, nil, err
	}
	return srv, closeBackend, nil
}
