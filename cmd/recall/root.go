package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/masamong/recall/internal/config"
	"github.com/masamong/recall/internal/embedder"
	"github.com/masamong/recall/internal/expander"
	"github.com/masamong/recall/internal/reranker"
	"github.com/masamong/recall/internal/searcher"
	"github.com/masamong/recall/internal/storage"
)

// Version is stamped at build time.
var Version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "recall",
		Short:         "Hybrid conversational-memory retrieval over chat history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(
		newSearchCmd(&configPath),
		newBackfillCmd(&configPath),
		newReindexCmd(&configPath),
		newIngestCmd(&configPath),
		newStatsCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

// app bundles everything a command needs, wired from config.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	history  *storage.HistoryStore
	lexical  *storage.LexicalIndex
	archives []*storage.ArchiveStore
	embed    *embedder.Service
	search   *searcher.Searcher
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	history, err := storage.NewHistoryStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	lexical := storage.NewLexicalIndex(history.DB(), log)

	// Archives that fail to open are skipped, not fatal: retrieval degrades
	// to the remaining stores.
	var archives []*storage.ArchiveStore
	for _, a := range cfg.Archives {
		archive, err := storage.OpenArchive(a.Path, a.Label, log)
		if err != nil {
			log.Warn("skipping archive", zap.String("label", a.Label), zap.Error(err))
			continue
		}
		archives = append(archives, archive)
	}

	var embedSvc *embedder.Service
	if cfg.Embedding.BaseURL != "" || cfg.Embedding.APIKey != "" {
		provider, err := embedder.NewHTTPProvider(embedder.HTTPConfig{
			BaseURL:   cfg.Embedding.BaseURL,
			APIKey:    cfg.Embedding.APIKey,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			Normalize: cfg.Embedding.Normalize,
			Timeout:   cfg.Embedding.Timeout.Std(),
		}, embedder.NewCache(cfg.Embedding.CacheSize))
		if err != nil {
			log.Warn("embedding provider disabled", zap.Error(err))
		} else {
			embedSvc = embedder.NewService(provider, log)
		}
	} else {
		embedSvc = embedder.NewService(nil, log)
	}

	opts := []searcher.Option{}
	if embedSvc != nil && embedSvc.Dimension() > 0 {
		opts = append(opts, searcher.WithEmbedder(embedSvc))
		exp := expander.New(embedSvc, log)
		exp.MaxVariants = cfg.Expansion.MaxVariants
		opts = append(opts, searcher.WithExpander(exp))
	} else {
		opts = append(opts, searcher.WithExpander(expander.New(nil, log)))
	}
	if cfg.Rerank.BaseURL != "" {
		opts = append(opts, searcher.WithReranker(reranker.New(reranker.Config{
			BaseURL:        cfg.Rerank.BaseURL,
			Model:          cfg.Rerank.Model,
			ScoreThreshold: cfg.Rerank.ScoreThreshold,
			Timeout:        cfg.Rerank.Timeout.Std(),
		}, log)))
	}
	if len(archives) > 0 {
		opts = append(opts, searcher.WithArchives(archives...))
	}

	search := searcher.New(history, lexical, searcher.Config{
		TopK:            cfg.Search.TopK,
		BranchLimit:     cfg.Search.BranchLimit,
		MinSimilarity:   cfg.Search.MinSimilarity,
		WeightEmbedding: cfg.Search.WeightEmbedding,
		WeightLexical:   cfg.Search.WeightLexical,
		Fusion:          cfg.Search.Fusion,
		BranchTimeout:   cfg.Search.BranchTimeout.Std(),
		CacheSize:       cfg.Search.CacheSize,
		CacheTTL:        cfg.Search.CacheTTL.Std(),
	}, log, opts...)

	return &app{
		cfg:      cfg,
		log:      log,
		history:  history,
		lexical:  lexical,
		archives: archives,
		embed:    embedSvc,
		search:   search,
	}, nil
}

func (a *app) close() {
	for _, archive := range a.archives {
		_ = archive.Close()
	}
	if a.embed != nil {
		_ = a.embed.Close()
	}
	_ = a.history.Close()
	_ = a.log.Sync()
}

// newLogger builds the process logger. Logs go to stderr so stdout stays
// clean for command output.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
