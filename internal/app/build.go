package app

import (
	"context"
	"fmt"

	"github.com/gcastellani/mentora/internal/brain"
	"github.com/gcastellani/mentora/internal/breaker"
	"github.com/gcastellani/mentora/internal/config"
	"github.com/gcastellani/mentora/internal/dialog"
	"github.com/gcastellani/mentora/internal/engine"
	"github.com/gcastellani/mentora/internal/gating"
	"github.com/gcastellani/mentora/internal/httpapi"
	"github.com/gcastellani/mentora/internal/memory"
	"github.com/gcastellani/mentora/internal/observability"
	"github.com/gcastellani/mentora/internal/policy"
	"github.com/gcastellani/mentora/internal/queue"
	"github.com/gcastellani/mentora/internal/semcache"
	"github.com/gcastellani/mentora/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Engine   *engine.Engine
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	adapter, err := brain.NewAdapter(brain.Config{
		Mode:    cfg.BrainAdapterMode,
		HTTPURL: cfg.BrainHTTPURL,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("brain adapter init failed: %w", err)
	}

	gate := gating.NewService(gating.Config{
		Profile:        cfg.GatingProfile,
		MinDurationMS:  cfg.ASRMinDuration.Milliseconds(),
		MinConfidence:  cfg.ASRMinConfidence,
		MaxUtteranceMS: cfg.MaxUtterance.Milliseconds(),
		VADSilence:     cfg.VADSilence,
	})
	cache := semcache.New(semcache.Config{
		MaxEntries: cfg.CacheMaxEntries,
		TTL:        cfg.CacheTTL,
	})
	circuit := breaker.New(breaker.Config{
		Name:           "brain",
		AttemptTimeout: cfg.BrainTimeout,
		Cooldown:       cfg.CircuitCooldown,
		FailureRatePct: cfg.CircuitFailureRatePct,
		MinRequests:    int64(cfg.CircuitMinRequests),
	})
	queues := queue.NewManager()
	dialogs := dialog.NewManager()
	guard := policy.NewOutboundGuard()

	eng := engine.New(engine.Config{
		Gate:           gate,
		Cache:          cache,
		Circuit:        circuit,
		Queues:         queues,
		Dialogs:        dialogs,
		Adapter:        adapter,
		Guard:          guard,
		Store:          store,
		Observability:  metrics,
		TranscriptSize: cfg.TranscriptSize,
	})

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		eng.ForgetSession(s.ID)
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, eng, metrics)

	cleanup := func() error {
		return store.Close()
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Engine:   eng,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
