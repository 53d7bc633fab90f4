package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"sandbox-engine/internal/api"
	"sandbox-engine/internal/config"
	"sandbox-engine/internal/container"
	"sandbox-engine/internal/events"
	"sandbox-engine/internal/mcpserver"
	"sandbox-engine/internal/monitor"
	"sandbox-engine/internal/orchestrator"
	"sandbox-engine/internal/security"
	"sandbox-engine/internal/storage"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "sandbox-engine",
	Short:         "Persistent Python and Alpine container sandboxes for AI agents",
	RunE:          runHTTP,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the sandbox tools over MCP on stdio",
	RunE:  runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	// The binary re-executes itself to drop privileges inside a container
	// jail before running the user command.
	if len(os.Args) > 1 && os.Args[1] == container.TrampolineArg {
		code, err := container.RunTrampoline()
		if err != nil {
			fmt.Fprintf(os.Stderr, "jail: %v\n", err)
		}
		os.Exit(code)
	}

	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	if _, statErr := os.Stat(configPath); statErr == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", configPath, err)
		}
		cfg = loaded
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		log.Info().Int("port", p).Msg("using port from environment")
		cfg.Server.Port = p
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
}

// engine bundles the orchestrator with the optional audit and event plumbing
// so both entry points tear it down the same way.
type engine struct {
	orch    *orchestrator.Orchestrator
	metrics *monitor.Metrics
	db      *storage.DB
	audit   *storage.AuditWriter
	sink    events.Sink
	done    chan struct{}
	stop    func(context.Context) error
}

func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	e := &engine{metrics: monitor.NewMetrics()}

	stopTracing, err := monitor.SetupTracing(ctx, cfg.TracingSettings())
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	}
	e.stop = stopTracing

	// Database is optional; the engine runs without it for development.
	if cfg.Database.DSN != "" {
		db, err := storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else if err := db.Migrate(ctx); err != nil {
			log.Warn().Err(err).Msg("schema migration failed, audit logging disabled")
			db.Close()
		} else {
			e.db = db
			e.audit = storage.NewAuditWriter(db, cfg.Database.AuditBuffer)
			e.audit.Start()
		}
	}

	interp, err := cfg.InterpreterSettings()
	if err != nil {
		return nil, err
	}
	containers, err := cfg.ContainerSettings()
	if err != nil {
		return nil, err
	}

	opts := []orchestrator.Option{
		orchestrator.WithMetrics(e.metrics),
		orchestrator.WithTracer(monitor.NewTracer()),
		orchestrator.WithValidator(security.NewValidator(cfg.ValidatorOptions()...)),
	}
	if e.audit != nil {
		opts = append(opts, orchestrator.WithAudit(e.audit))
	}
	e.orch, err = orchestrator.New(orchestrator.Config{
		Interpreter:       interp,
		Container:         containers,
		ContainersEnabled: cfg.Container.Enabled,
	}, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.Events.Enabled {
		sink, err := events.NewKafkaSink(cfg.KafkaSettings())
		if err != nil {
			return nil, err
		}
		e.sink = sink
		e.done = make(chan struct{})
		ch, _ := e.orch.Subscribe(cfg.Events.Buffer)
		go func() {
			defer close(e.done)
			events.Forward(context.Background(), ch, sink)
		}()
		log.Info().Strs("brokers", cfg.Events.Brokers).Str("topic", cfg.Events.Topic).Msg("publishing usage events")
	}
	return e, nil
}

// auditStore returns the database as an api.AuditStore, or a nil interface
// when no database is configured.
func (e *engine) auditStore() api.AuditStore {
	if e.db == nil {
		return nil
	}
	return e.db
}

func (e *engine) Close(ctx context.Context) {
	if err := e.orch.Close(ctx); err != nil {
		log.Error().Err(err).Msg("orchestrator close error")
	}
	// Close ends the subscription, which lets Forward drain and return.
	if e.sink != nil {
		<-e.done
		if err := e.sink.Close(); err != nil {
			log.Error().Err(err).Msg("event sink close error")
		}
	}
	if e.audit != nil {
		e.audit.Flush(10 * time.Second)
	}
	if e.db != nil {
		e.db.Close()
	}
	if err := e.stop(ctx); err != nil {
		log.Error().Err(err).Msg("tracer shutdown error")
	}
}

func runHTTP(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg, eng.orch, eng.auditStore(), eng.metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("version", version).
		Bool("db_enabled", eng.db != nil).
		Bool("containers_enabled", cfg.Container.Enabled).
		Bool("events_enabled", cfg.Events.Enabled).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		eng.Close(context.Background())
		return fmt.Errorf("server failed: %w", err)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer closeCancel()
	eng.Close(closeCtx)
	log.Info().Msg("server stopped")
	return nil
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)
	// stdout carries the protocol.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	eng, err := buildEngine(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		eng.Close(ctx)
	}()

	return mcpserver.New(eng.orch, version).ServeStdio()
}
