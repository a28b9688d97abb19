// Command appforge runs the app-generation agent service.
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"appforge/internal/agent"
	"appforge/internal/bus"
	"appforge/internal/cache"
	"appforge/internal/config"
	"appforge/internal/logging"
	"appforge/internal/model"
	"appforge/internal/project"
	"appforge/internal/prompt"
	"appforge/internal/sandbox"
	"appforge/internal/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	root := &cobra.Command{
		Use:           "appforge",
		Short:         "AI agent that turns task descriptions into runnable app projects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "console logging with debug output")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and event stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, verbose)
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildVersion)
		},
	}

	root.AddCommand(serve, version)
	return root
}

var buildVersion = "dev"

func runServe(ctx context.Context, cfg *config.Config, verbose bool) error {
	logger, err := buildLogger(cfg.Logging.Level, verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := project.Open(cfg.Store.DatabasePath, logger.Named(logging.ComponentProject))
	if err != nil {
		return err
	}
	defer store.Close()

	artifactCache, stopCache, err := buildCache(ctx, cfg, logger.Named(logging.ComponentCache))
	if err != nil {
		return err
	}
	defer stopCache()

	prompts, err := prompt.NewLibrary(cfg.Prompt.SystemPromptPath, logger.Named(logging.ComponentPrompt))
	if err != nil {
		return err
	}

	gen, err := model.NewGemini(ctx, model.GeminiConfig{
		APIKey:  cfg.Model.APIKey,
		Model:   cfg.Model.Model,
		Timeout: cfg.Model.GenerateTimeout(),
	}, logger.Named(logging.ComponentModel))
	if err != nil {
		return err
	}

	sb := sandbox.New(sandbox.RodFactory(sandbox.DriverConfig{
		Headless:       cfg.Sandbox.Headless,
		ViewportWidth:  cfg.Sandbox.ViewportWidth,
		ViewportHeight: cfg.Sandbox.ViewportHeight,
		NavTimeout:     cfg.Sandbox.NavigationTimeout(),
	}), cfg.Sandbox.ExecuteTimeout(), logger.Named(logging.ComponentSandbox))
	if err := sb.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize sandbox: %w", err)
	}
	defer sb.Close()

	eventBus := bus.New(logger.Named(logging.ComponentBus))

	a := agent.New(agent.Config{
		Generator: gen,
		Cache:     artifactCache,
		Store:     store,
		Bus:       eventBus,
		Sandbox:   sb,
		Prompts:   prompts,
		CacheTTL:  cfg.Cache.EntryTTL(),
		Logger:    logger.Named(logging.ComponentAgent),
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server.New(a, eventBus, store, sb, logger.Named(logging.ComponentServer)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Listen))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.Prompt.SystemPromptPath != "" {
		g.Go(func() error {
			return prompts.Watch(ctx)
		})
	}

	err = g.Wait()
	logger.Info("shut down")
	return err
}

// buildLogger picks console output with debug level when --verbose is
// set, the structured production logger otherwise.
func buildLogger(level string, verbose bool) (*zap.Logger, error) {
	if verbose {
		return logging.NewDevelopment(true)
	}
	return logging.New(level)
}

// buildCache assembles the configured cache backend behind the degrading
// wrapper, so a broken backend never fails the pipeline.
func buildCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Cache, func(), error) {
	switch cfg.Cache.Backend {
	case "", "memory":
		mem := cache.NewMemory(time.Minute)
		mem.Start()
		return cache.NewFallible(mem, logger), mem.Stop, nil
	case "redis":
		rdb, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Pass,
			DB:       cfg.Cache.DB,
		})
		if err != nil {
			// Degrade to no cache rather than refuse to start.
			logger.Warn("redis unavailable, caching disabled", zap.Error(err))
			return cache.NewFallible(nil, logger), func() {}, nil
		}
		return cache.NewFallible(rdb, logger), func() { _ = rdb.Close() }, nil
	case "none":
		return cache.NewFallible(nil, logger), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend: %q", cfg.Cache.Backend)
	}
}
