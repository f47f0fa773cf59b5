package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"VentureChat/internal/chatbot"
	"VentureChat/internal/config"
	"VentureChat/internal/devserver"
	"VentureChat/internal/telemetry"
)

var (
	apiURL     string
	wsURL      string
	debug      bool
	listen     string
	pushListen string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:   "venturechat",
	Short: "Terminal client for the VentureBot agent backend",
	Long: `Opens a chat session with the agent backend and keeps it in sync over the
push channel. Replies and status changes arrive whichever path delivers
them first.`,
	SilenceUsage: true,
	RunE:         runChat,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local development backend",
	Long: `Serves the chat HTTP API and the per-session push channel backed by a
SQLite database. Point the client at it with --api-url and --ws-url.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.Flags().StringVar(&apiURL, "api-url", "", "Agent backend HTTP base URL (overrides VENTURECHAT_API_URL)")
	rootCmd.Flags().StringVar(&wsURL, "ws-url", "", "Push channel base URL (overrides VENTURECHAT_WS_URL)")

	serveCmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides VENTURECHAT_LISTEN)")
	serveCmd.Flags().StringVar(&pushListen, "push-listen", "", "Push channel listen address (overrides VENTURECHAT_PUSH_LISTEN)")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides VENTURECHAT_DB_PATH)")

	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration, applies flag overrides and starts logging and
// telemetry.
func setup(ctx context.Context) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if apiURL != "" {
		cfg.APIURL = apiURL
	}
	if wsURL != "" {
		cfg.WSURL = wsURL
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if pushListen != "" {
		cfg.Server.PushListen = pushListen
	}
	if dbPath != "" {
		cfg.Server.DBPath = dbPath
	}
	cfg.Debug = cfg.Debug || debug
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	_, _, shutdown, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		closeLog()
		return nil, nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	return cfg, logger, func() {
		shutdown()
		closeLog()
	}, nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	bot, err := chatbot.NewChatBot(*cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize chatbot: %w", err)
	}
	defer bot.Close()

	if err := bot.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return bot.Run(ctx)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := devserver.OpenStore(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := devserver.New(cfg.Server, store, devserver.WithLogger(logger))
	fmt.Fprintf(cmd.OutOrStdout(), "Serving API on %s, push on %s (database %s)\n",
		cfg.Server.Listen, cfg.Server.PushListen, cfg.Server.DBPath)
	return srv.ListenAndServe(ctx)
}
