package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/docsearch/internal/config"
	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
	"github.com/kirillkom/docsearch/internal/core/usecase"
	"github.com/kirillkom/docsearch/internal/infrastructure/audit"
	"github.com/kirillkom/docsearch/internal/infrastructure/corpus/demo"
	"github.com/kirillkom/docsearch/internal/infrastructure/corpus/jsonfs"
	"github.com/kirillkom/docsearch/internal/infrastructure/corpus/postgres"
	"github.com/kirillkom/docsearch/internal/infrastructure/embedcache"
	"github.com/kirillkom/docsearch/internal/infrastructure/embedding/hashing"
	"github.com/kirillkom/docsearch/internal/infrastructure/embedding/ollama"
	"github.com/kirillkom/docsearch/internal/infrastructure/queue/nats"
	"github.com/kirillkom/docsearch/internal/infrastructure/resilience"
	"github.com/kirillkom/docsearch/internal/infrastructure/vector/memory"
	"github.com/kirillkom/docsearch/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/docsearch/internal/infrastructure/watch"
	"github.com/kirillkom/docsearch/internal/observability/metrics"
)

const serviceName = "docsearch"

type App struct {
	Config config.Config
	Logger *slog.Logger

	Metrics   *metrics.Metrics
	Taxonomy  domain.Taxonomy
	Embedder  ports.Embedder
	Source    ports.CorpusSource
	Index     *memory.Index
	Governor  *usecase.Governor
	Search    *usecase.SearchService
	Rebuilder *usecase.Rebuilder
	Audit     *usecase.AuditRecorder
	// Bus is nil when NATS_URL is empty.
	Bus *nats.Bus

	closers []func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(serviceName),
	}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	taxonomy, err := config.LoadTaxonomy(cfg.TaxonomyPath)
	if err != nil {
		return nil, fmt.Errorf("load taxonomy: %w", err)
	}
	app.Taxonomy = taxonomy

	embedder, err := app.newEmbedder()
	if err != nil {
		return nil, err
	}
	app.Embedder = embedder

	source, err := app.newCorpusSource(ctx)
	if err != nil {
		return nil, err
	}
	app.Source = source

	ranker, err := memory.NewRanker(memory.RankerConfig{
		Workers:   cfg.RankerWorkers,
		BatchSize: cfg.RankerBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init ranker: %w", err)
	}
	app.addCloser(ranker.Release)

	if cfg.NATSURL != "" {
		bus, err := nats.New(cfg.NATSURL, nats.Options{
			AuditSubject:   cfg.NATSAuditSubject,
			RebuildSubject: cfg.NATSRebuildSubject,
			Guard:          app.guard("nats.publish", resilience.Local()),
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init nats: %w", err)
		}
		app.Bus = bus
		app.addCloser(bus.Close)
	}

	sinks := audit.FanOut{audit.NewLogSink(logger)}
	if app.Bus != nil {
		sinks = append(sinks, app.Bus)
	}
	app.Audit = usecase.NewAuditRecorder(sinks, cfg.AuditQueryMaxChars, logger)

	app.Index = memory.NewIndex()
	app.Governor = usecase.NewGovernor(usecase.GovernorConfig{
		RatePerSecond:    cfg.RateLimitRPS,
		Burst:            cfg.RateLimitBurst,
		Timeout:          cfg.SearchTimeout,
		ResultByteBudget: cfg.ResultByteBudget,
		ClientIdleTTL:    cfg.RateLimitClientTTL,
	})
	app.Search = usecase.NewSearchService(usecase.SearchDeps{
		Taxonomy: taxonomy,
		Governor: app.Governor,
		Embedder: embedder,
		Index:    app.Index,
		Ranker:   ranker,
		Observer: app.Metrics,
		Logger:   logger,
	})
	app.Rebuilder = usecase.NewRebuilder(source, app.Index, embedder.Dimension(), app.Metrics, logger)

	ok = true
	return app, nil
}

// Load builds the first store. Serving without a corpus is not allowed, so
// callers treat an error here as fatal.
func (a *App) Load(ctx context.Context) (domain.StoreInfo, error) {
	info, err := a.Rebuilder.Rebuild(ctx, "startup")
	if err != nil {
		return domain.StoreInfo{}, fmt.Errorf("initial corpus load: %w", err)
	}
	return info, nil
}

// RunTriggers blocks until ctx ends, rebuilding on corpus file changes and on
// NATS rebuild requests when those are configured.
func (a *App) RunTriggers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.Config.WatchCorpus && a.Config.CorpusSource == config.SourceJSONFS {
		watcher, err := watch.New(a.Config.CorpusPath,
			[]string{jsonfs.ManifestFile, jsonfs.ChunksFile, jsonfs.EmbeddingsFile},
			a.Config.WatchDebounce, a.Logger)
		if err != nil {
			return fmt.Errorf("init corpus watcher: %w", err)
		}
		g.Go(func() error {
			return watcher.Run(ctx, func(ctx context.Context) {
				_, _ = a.Rebuilder.Rebuild(ctx, "watch")
			})
		})
	}

	if a.Bus != nil {
		g.Go(func() error {
			return a.Bus.SubscribeRebuild(ctx, func(ctx context.Context, req nats.RebuildRequest) error {
				_, err := a.Rebuilder.Rebuild(ctx, "nats:"+req.Reason)
				return err
			})
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) addCloser(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *App) guard(name string, policy resilience.Policy) *resilience.Guard {
	policy.Logger = a.Logger
	return resilience.New(name, policy)
}

func (a *App) newEmbedder() (ports.Embedder, error) {
	cfg := a.Config
	switch cfg.EmbeddingProvider {
	case config.EmbeddingHashing:
		return hashing.New(cfg.EmbeddingDim), nil
	case config.EmbeddingOllama:
		client := ollama.New(cfg.OllamaURL, cfg.OllamaEmbedModel, cfg.OllamaTimeout)
		// A query is interactive, so one quick retry is all the time budget allows.
		embedder := ollama.NewEmbedder(client, cfg.EmbeddingDim, a.guard("ollama.embed", resilience.OneRetry()))
		a.addCloser(embedder.Close)
		if !cfg.EmbeddingCacheOn {
			return embedder, nil
		}
		cached, err := embedcache.Open(embedder, embedcache.Options{
			Dir:    cfg.EmbeddingCacheDir,
			TTL:    cfg.EmbeddingCacheTTL,
			Logger: a.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open embedding cache: %w", err)
		}
		a.addCloser(func() {
			if err := cached.Close(); err != nil {
				a.Logger.Warn("embedding_cache_close_failed", "error", err)
			}
		})
		return cached, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.EmbeddingProvider)
	}
}

func (a *App) newCorpusSource(ctx context.Context) (ports.CorpusSource, error) {
	cfg := a.Config
	switch cfg.CorpusSource {
	case config.SourceDemo:
		return demo.NewSource(a.Embedder), nil
	case config.SourceJSONFS:
		return jsonfs.NewSource(cfg.CorpusPath, a.Taxonomy, a.Embedder, a.Logger), nil
	case config.SourceQdrant:
		return qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, cfg.QdrantVectorName, a.Embedder.Model(), a.Taxonomy), nil
	case config.SourcePostgres:
		repo, err := a.OpenPostgres(ctx)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported corpus source %q", cfg.CorpusSource)
	}
}

// OpenPostgres connects to POSTGRES_DSN and makes sure the corpus tables exist.
// The connection is closed with the app.
func (a *App) OpenPostgres(ctx context.Context) (*postgres.Repository, error) {
	db, err := postgres.OpenDB(a.Config.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	a.addCloser(func() { _ = db.Close() })
	repo := postgres.NewRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, nil
}
