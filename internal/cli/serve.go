package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/logger"
	"github.com/mnemo-ai/mnemo/pkg/embedding"
	"github.com/mnemo-ai/mnemo/pkg/engine"
	"github.com/mnemo-ai/mnemo/pkg/extraction"
	"github.com/mnemo-ai/mnemo/pkg/jobs"
	"github.com/mnemo-ai/mnemo/pkg/maintenance"
	"github.com/mnemo-ai/mnemo/pkg/provider"
	"github.com/mnemo-ai/mnemo/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory daemon",
	Long:  `Start the memory store, job scheduler, maintenance cycle, and HTTP API.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.Zerolog()

	emb, err := buildEmbedder(cfg)
	if err != nil {
		return err
	}
	prov, err := provider.New(provider.Config{
		Kind:      cfg.Providers.Completion.Kind,
		APIKey:    cfg.Providers.Completion.APIKey,
		Model:     cfg.Providers.Completion.Model,
		BaseURL:   cfg.Providers.Completion.BaseURL,
		MaxTokens: cfg.Providers.Completion.MaxTokens,
	})
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		DBPath:           cfg.DBPath(),
		BackupDir:        cfg.BackupDir(),
		Logger:           log,
		Embedder:         emb,
		NoveltyThreshold: cfg.Engine.NoveltyThreshold,
		MaxBackups:       cfg.Engine.MaxBackups,
		AutoBackupEvery:  cfg.Engine.AutoBackupEvery,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	pipe, err := extraction.NewPipeline(extraction.Config{
		Provider: prov,
		Engine:   eng,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	reclaimer := maintenance.NewReclaimer(0, log)
	scheduler, err := jobs.New(jobs.Config{
		Pipeline:    pipe,
		Logger:      log,
		Concurrency: cfg.Jobs.Concurrency,
		QueueDepth:  cfg.Jobs.QueueDepth,
		TTL:         cfg.Jobs.TTL,
		MaxRecords:  cfg.Jobs.MaxRecords,
		AfterBurst:  reclaimer.Reclaim,
	})
	if err != nil {
		return err
	}

	maint, err := maintenance.New(maintenance.Config{
		Engine:              eng,
		Provider:            prov,
		Logger:              log,
		SimilarityThreshold: cfg.Maintenance.SimilarityThreshold,
		MinClusterSize:      cfg.Maintenance.MinClusterSize,
		DetailMaxAge:        time.Duration(cfg.Maintenance.DetailDays) * 24 * time.Hour,
		DecisionMaxAge:      time.Duration(cfg.Maintenance.DecisionDays) * 24 * time.Hour,
		Schedule:            cfg.Maintenance.Schedule,
	})
	if err != nil {
		return err
	}
	if err := maint.Start(); err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, eng, scheduler, maint, prov, log)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	maint.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("Jobs still in flight at shutdown")
	}
	return nil
}

func buildEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	e := cfg.Providers.Embedding
	switch e.Kind {
	case "openai":
		return embedding.NewOpenAIEmbedder(e.APIKey, e.Model), nil
	case "ollama":
		return embedding.NewOllamaEmbedder(e.BaseURL, e.Model, e.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", e.Kind)
	}
}
