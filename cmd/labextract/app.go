package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joelkehle/labextract/internal/batch"
	"github.com/joelkehle/labextract/internal/cache"
	"github.com/joelkehle/labextract/internal/config"
	"github.com/joelkehle/labextract/internal/extract"
	"github.com/joelkehle/labextract/internal/identity"
	"github.com/joelkehle/labextract/internal/normalize"
	"github.com/joelkehle/labextract/internal/quality"
	"github.com/joelkehle/labextract/internal/ratelimit"
	"github.com/joelkehle/labextract/internal/store"
	"github.com/joelkehle/labextract/internal/telemetry"
	"github.com/joelkehle/labextract/internal/vocab"
)

// app holds the process-wide singletons. Fields a subcommand does not need
// stay nil.
type app struct {
	cfg      config.Config
	logger   *log.Logger
	gate     *quality.Gate
	limiter  *ratelimit.Limiter
	cache    *cache.Manager
	store    *store.SQLiteStore
	pipeline *extract.Pipeline

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(cfg config.Config, logger *log.Logger) *app {
	return &app{
		cfg:    cfg,
		logger: logger,
		gate:   quality.NewGate(cfg.Quality),
	}
}

func (a *app) openStore() error {
	if a.store != nil {
		return nil
	}
	s, err := store.NewSQLiteStore(a.cfg.Store.DBPath)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, func() { s.Close() })
	return nil
}

// openCache degrades to whichever tiers come up. Redis is skipped when no
// URL is configured.
func (a *app) openCache(ctx context.Context) {
	if a.cache != nil {
		return
	}
	var fast, durable cache.Tier
	if a.cfg.Cache.RedisURL != "" {
		rt, err := cache.NewRedisTier(ctx, a.cfg.Cache.RedisURL, a.cfg.Cache.TTL)
		if err != nil {
			a.logger.Printf("cache redis unavailable, continuing without it: %v", err)
		} else {
			fast = rt
			a.closers = append(a.closers, func() { rt.Close() })
		}
	}
	if a.cfg.Cache.Dir != "" {
		dt, err := cache.NewDiskTier(a.cfg.Cache.Dir)
		if err != nil {
			a.logger.Printf("cache disk unavailable, continuing without it: %v", err)
		} else {
			durable = dt
		}
	}
	a.cache = cache.NewManager(fast, durable, cache.WithLogger(a.logger))
}

func (a *app) startTelemetry(ctx context.Context) {
	shutdown, err := telemetry.Setup(ctx, a.cfg.Telemetry.ServiceName, a.cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		a.logger.Printf("telemetry setup failed: %v", err)
		return
	}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			a.logger.Printf("telemetry shutdown failed: %v", err)
		}
	})
}

// buildPipeline wires the full extraction path: vision client, limiter,
// cache, vocabulary, patient matcher and record store.
func (a *app) buildPipeline(ctx context.Context, progress extract.StageProgressFn) error {
	if a.cfg.Anthropic.APIKey == "" {
		return fmt.Errorf("missing required env var ANTHROPIC_API_KEY")
	}
	client, err := extract.NewAnthropicClientWithKey(a.cfg.Anthropic.APIKey, a.cfg.Anthropic.Model)
	if err != nil {
		return err
	}
	v := vocab.Default()
	if a.cfg.VocabularyPath != "" {
		if v, err = vocab.Load(a.cfg.VocabularyPath); err != nil {
			return fmt.Errorf("load vocabulary: %w", err)
		}
	}
	if err := a.openStore(); err != nil {
		return err
	}
	a.openCache(ctx)
	a.startTelemetry(ctx)

	a.limiter = ratelimit.New(a.cfg.RateLimit.RateLimiter())
	text := extract.NewRateLimitedCaller(client, a.limiter)

	normOpts := []normalize.Option{normalize.WithLogger(a.logger)}
	if a.cfg.Anthropic.LLMPanelMatch {
		normOpts = append(normOpts, normalize.WithPanelMatcher(normalize.NewLLMPanelMatcher(text)))
	}
	normalizer := normalize.New(v, normOpts...)
	patients := identity.NewMatcher(a.cfg.PatientHistory, identity.WithLogger(a.logger))

	opts := []extract.Option{
		extract.WithLimiter(a.limiter),
		extract.WithCache(a.cache),
		extract.WithSink(a.store),
		extract.WithLogger(a.logger),
		extract.WithModel(client.Model()),
		extract.WithCallTimeout(a.cfg.Anthropic.CallTimeout),
	}
	if a.cfg.Anthropic.VerifyDocuments {
		opts = append(opts, extract.WithClassifier(client))
	}
	if a.cfg.Anthropic.ReviewRows {
		opts = append(opts, extract.WithReviewer(text))
	}
	if a.cfg.Anthropic.LLMSummary {
		opts = append(opts, extract.WithSummarizer(extract.NewLLMSummarizer(text, a.logger)))
	}
	if progress != nil {
		opts = append(opts, extract.WithProgress(progress))
	}
	a.pipeline = extract.NewPipeline(a.gate, client, normalizer, patients, opts...)
	return nil
}

func (a *app) newOrchestrator() *batch.Orchestrator {
	process := func(ctx context.Context, path string) (bool, error) {
		rec, err := a.pipeline.ExtractDocument(ctx, path, path)
		return rec.Metadata.Cached, err
	}
	return batch.New(process,
		batch.WithRateLimitReporter(a.limiter, extract.UnreportedRateLimit),
		batch.WithJobStore(a.store),
		batch.WithLogger(a.logger),
		batch.WithDocumentTimeout(a.cfg.Batch.DocumentTimeout),
		batch.WithSubBatches(a.cfg.Batch.SubBatchSize, a.cfg.Batch.SubBatchDelay),
	)
}
