// Package server assembles aspyx's components — routing, count-tokens
// cache, transform/translate/augment pipelines, proxy orchestrator, event
// bus, Cortex writer and reader pool, retention sweep, embedding indexer,
// JSONL mirror — into one http.Server with graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aspyx/internal/augment"
	"aspyx/internal/config"
	"aspyx/internal/cortex"
	"aspyx/internal/counttokens"
	"aspyx/internal/embedding"
	"aspyx/internal/events"
	"aspyx/internal/mirror"
	"aspyx/internal/proxy"
	"aspyx/internal/routing"
	"aspyx/internal/sse"
	"aspyx/internal/telemetry/metrics"
	"aspyx/internal/telemetry/tracing"
	"aspyx/internal/transform"
)

// Server owns every long-lived component and the http.Server fronting
// them.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	httpServer *http.Server
	bus        *events.Bus
	collector  *metrics.Collector
	tracer     *tracing.Tracer

	orchestrator *proxy.Orchestrator

	writer    *cortex.Writer
	readers   *cortex.ReaderPool
	retention *cortex.RetentionScheduler
	indexer   *embedding.Indexer
	mirrorW   *mirror.Writer

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New assembles a Server from cfg. Nothing is started yet; Start runs it.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "server"),
		bus:       events.NewBus(),
		collector: metrics.NewCollector(nil),
	}

	tracer, err := tracing.New(&cfg.Otel)
	if err != nil {
		return nil, err
	}
	s.tracer = tracer

	if cfg.Cortex.Enabled {
		writer, err := cortex.NewWriter(cortex.WriterConfig{
			DBPath:          cfg.Cortex.DBPath,
			StoreThinking:   cfg.Cortex.StoreThinking,
			StoreToolIO:     cfg.Cortex.StoreToolIO,
			MaxThinkingSize: cfg.Cortex.MaxThinkingSize,
			BatchSize:       cfg.Cortex.BatchSize,
			FlushInterval:   cfg.Cortex.FlushInterval(),
		}, s.bus, logger)
		if err != nil {
			return nil, err
		}
		s.writer = writer
		writer.Observer = s.collector

		readers, err := cortex.NewReaderPool(cfg.Cortex.DBPath, cfg.Cortex.ReaderPoolSize)
		if err != nil {
			writer.Close()
			return nil, err
		}
		s.readers = readers

		s.retention = cortex.NewRetentionScheduler(writer.DB(), cortex.RetentionConfig{
			RetentionDays: cfg.Cortex.RetentionDays,
			Schedule:      cfg.Cortex.RetentionSchedule,
		}, logger)

		provider := providerFor(cfg.Embeddings)
		s.indexer = embedding.NewIndexer(embedding.Config{
			DBPath:           cfg.Cortex.DBPath,
			ProviderName:     cfg.Embeddings.Provider,
			Model:            cfg.Embeddings.Model,
			Dimensions:       provider.Dimensions(),
			PollInterval:     cfg.Embeddings.PollInterval(),
			BatchSize:        cfg.Embeddings.BatchSize,
			BatchDelay:       cfg.Embeddings.BatchDelay(),
			MaxContentLength: cfg.Embeddings.MaxContentLength,
		}, provider, logger)
		s.indexer.Observer = s.collector
	}

	if cfg.Features.Storage && cfg.LogDir != "" {
		s.mirrorW = mirror.NewWriter(cfg.LogDir, s.bus, logger)
	}

	s.httpServer = &http.Server{
		Addr:    cfg.BindAddr,
		Handler: s.buildHandler(),
		// No global write timeout: SSE responses stay open indefinitely.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// providerFor maps the [embeddings] section to a concrete provider.
func providerFor(cfg config.EmbeddingsConfig) embedding.Provider {
	switch cfg.Provider {
	case "remote":
		return embedding.NewRemoteProvider(embedding.RemoteProviderConfig{
			Model:      cfg.Model,
			APIBase:    cfg.APIBase,
			APIVersion: cfg.APIVersion,
			AuthMethod: cfg.AuthMethod,
			APIKey:     cfg.APIKey,
			APIKeyEnv:  cfg.APIKeyEnv,
		})
	case "local":
		return embedding.NewLocalProvider(0)
	default:
		return embedding.NoopProvider{}
	}
}

// buildHandler wires the mux: the query API and operational endpoints on
// their own paths, everything else into the proxy orchestrator.
func (s *Server) buildHandler() http.Handler {
	resolver := routing.NewResolver(s.cfg)

	tokens := counttokens.NewCache(counttokens.Config{
		Enabled:            s.cfg.CountTokens.Enabled,
		CacheTTL:           time.Duration(s.cfg.CountTokens.CacheTTLSeconds) * time.Second,
		RateLimitPerSecond: s.cfg.CountTokens.RateLimitPerSecond,
	})

	var transformers []transform.Transformer
	if s.cfg.Transformers.TagEditor.Enabled {
		transformers = append(transformers, transform.NewTagEditor(s.cfg.Transformers.TagEditor))
	}
	if s.cfg.Transformers.SystemEditor.Enabled {
		transformers = append(transformers, transform.NewSystemEditor(s.cfg.Transformers.SystemEditor))
	}
	if s.cfg.Transformers.CompactEnhancer.Enabled {
		transformers = append(transformers, transform.NewCompactEnhancer(s.cfg.Transformers.CompactEnhancer))
	}
	pipeline := transform.NewPipeline(s.logger, transformers...)

	var augmenters []augment.Augmenter
	if s.cfg.Augmentation.ContextWarning {
		augmenters = append(augmenters, augment.NewContextUsageWarner(s.cfg.Augmentation.ContextWarningThresholds))
	}
	augmentPipeline := augment.NewPipeline(augmenters...)

	orchestrator := proxy.NewOrchestrator(s.cfg, resolver, tokens, pipeline, augmentPipeline, s.bus, s.logger)
	orchestrator.Tracer = s.tracer
	orchestrator.Metrics = s.collector
	s.orchestrator = orchestrator

	mux := http.NewServeMux()
	if s.readers != nil {
		api := &proxy.API{Readers: s.readers, Embedder: providerFor(s.cfg.Embeddings)}
		api.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/", orchestrator)

	var handler http.Handler = mux
	handler = proxy.WithLogging(s.logger, handler)
	handler = proxy.WithRecovery(s.logger, handler)
	handler = proxy.WithRequestID(handler)
	return handler
}

// Start runs the server and every background worker, blocking until ctx is
// cancelled, a shutdown signal arrives, or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	if s.writer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.writer.Run(ctx)
		}()
	}
	if s.retention != nil {
		if err := s.retention.Start(); err != nil {
			return err
		}
	}
	if s.indexer != nil {
		go func() {
			if err := s.indexer.Run(); err != nil {
				s.logger.Error("embedding indexer exited", "error", err)
			}
		}()
	}
	if s.mirrorW != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.mirrorW.Run(ctx)
		}()
	}
	if s.cfg.Features.Stats {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runStats(ctx)
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.BindAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case sig := <-sigChan:
		s.logger.Info("shutdown signal", "signal", sig.String())
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.Shutdown(context.Background())
		return err
	}
}

// runStats drains the best-effort stats subscription into Prometheus
// counters.
func (s *Server) runStats(ctx context.Context) {
	ch := s.bus.Subscribe("stats", 1024, events.DropOldest)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case sse.DomainEvent:
				s.collector.RecordSSEEvent(string(p.Type))
			}
			if ev.Kind == events.KindStreamAborted {
				s.collector.RecordSSEParseError()
			}
		}
	}
}

// Shutdown stops the listener, then the background workers, in this order:
// no new requests, stop retention and the indexer, end open sessions, drain
// the bus into the writer, close the store, flush traces.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		if herr := s.httpServer.Shutdown(shutdownCtx); herr != nil {
			err = herr
		}
		if s.retention != nil {
			s.retention.Stop()
		}
		if s.indexer != nil {
			if ierr := s.indexer.Shutdown(); ierr != nil {
				s.logger.Error("indexer shutdown", "error", ierr)
			}
		}
		if s.orchestrator != nil {
			s.orchestrator.EndSessions()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		if s.writer != nil {
			s.writer.Close()
		}
		if s.readers != nil {
			s.readers.Close()
		}
		if s.tracer != nil {
			s.tracer.Shutdown(shutdownCtx)
		}
		s.logger.Info("shutdown complete")
	})
	return err
}
