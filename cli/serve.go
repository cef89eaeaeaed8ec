package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/myrialabs/agentstream/config"
	"github.com/myrialabs/agentstream/engine"
	"github.com/myrialabs/agentstream/events"
	"github.com/myrialabs/agentstream/gateway"
	"github.com/myrialabs/agentstream/internal/logger"
	"github.com/myrialabs/agentstream/store"
	"github.com/myrialabs/agentstream/stream"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveBind string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and gateway",
	Run:   runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveBind, "bind", "b", "", "Bind address (overrides config)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Gateway port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.Log.Level
	if verbose {
		logLevel = "debug"
	}
	if err := logger.Init(logLevel, cfg.Log.Development); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	if serveBind != "" {
		cfg.Server.Bind = serveBind
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	messages, err := store.NewSQLiteStore(cfg.Store.SQLitePath)
	if err != nil {
		logger.Fatal("Failed to open message store", zap.Error(err))
	}
	defer messages.Close()

	source := engine.NewSubprocessSource(cfg.Engine.Name)

	registry := stream.NewRegistry(stream.Options{
		Channel:      events.NewChannel(),
		Store:        messages,
		Engine:       source,
		EngineName:   cfg.Engine.Name,
		GCDelay:      cfg.Streams.GCDelay(),
		NotifyWindow: cfg.Streams.NotifySuppress(),
	})

	server := gateway.NewServer(cfg.Server, gateway.NewHandler(registry))

	// Log-level changes apply without a restart.
	if configPath != "" {
		stopWatch, err := config.Watch(configPath, func(next *config.Config) {
			if !verbose {
				logger.SetLevel(next.Log.Level)
			}
		})
		if err != nil {
			logger.Warn("Config watch unavailable", zap.Error(err))
		} else {
			defer stopWatch()
		}
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		logger.Fatal("Failed to start gateway", zap.Error(err))
	}

	fmt.Printf("Gateway listening on %s:%d\n", cfg.Server.Bind, cfg.Server.Port)
	fmt.Printf("WebSocket: ws://%s:%d%s\n", cfg.Server.Bind, cfg.Server.Port, cfg.Server.Path)
	fmt.Printf("Health: http://%s:%d/health\n", cfg.Server.Bind, cfg.Server.Port)
	fmt.Println("\nPress Ctrl+C to stop")

	<-ctx.Done()

	fmt.Println("\nShutting down...")
	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop gateway", zap.Error(err))
	}
}
