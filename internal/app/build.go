package app

import (
	"context"
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/geminilive/internal/brain"
	"github.com/ent0n29/geminilive/internal/config"
	"github.com/ent0n29/geminilive/internal/httpapi"
	"github.com/ent0n29/geminilive/internal/live"
	"github.com/ent0n29/geminilive/internal/observability"
	"github.com/ent0n29/geminilive/internal/policy"
	"github.com/ent0n29/geminilive/internal/reliability"
	"github.com/ent0n29/geminilive/internal/session"
)

type VoiceInfo struct {
	Mode   string
	Detail string
}

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Manager
	Metrics   *observability.Metrics
	Voice     VoiceInfo
	BrainMode string

	// Cleanup should be called on shutdown; it ends every open session.
	Cleanup func() error
}

// Options overrides process-wide dependencies, mainly for tests.
type Options struct {
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   *log.Logger
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	return BuildWith(ctx, cfg, Options{})
}

func BuildWith(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	provider, err := brain.New(ctx, brain.Config{
		Mode:           cfg.BrainMode,
		GeminiAPIKey:   cfg.GeminiAPIKey,
		GeminiModel:    cfg.GeminiModel,
		GeminiPrompt:   cfg.GeminiSystemPrompt,
		HTTPURL:        cfg.BrainHTTPURL,
		CannedMinDelay: cfg.CannedMinDelay,
		CannedMaxDelay: cfg.CannedMaxDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("brain init failed: %w", err)
	}

	voiceSetup, err := resolveVoice(cfg)
	if err != nil {
		return nil, err
	}
	cfg.VoiceMode = voiceSetup.resolvedMode

	factory := func(sessionID string) (session.Runtime, error) {
		ports := voiceSetup.newPorts(sessionID, logger)
		ctrl := live.NewController(ports.input, provider.ForSession(sessionID), ports.output, live.Options{
			SessionID:       sessionID,
			MaxMessages:     cfg.MaxMessages,
			GenerateTimeout: cfg.GenerateTimeout,
			SilentInterrupt: !cfg.AnnounceInterrupt,
			DescribeError:   describeError,
			Logger:          logger,
			Telemetry:       metrics,
		})
		return session.Runtime{Controller: ctrl, Bridge: ports.bridge}, nil
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout, factory)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, metrics, opts.Gatherer)

	cleanup := func() error {
		sessions.EndAll(session.EndReasonShutdown)
		metrics.ActiveSessions.Set(0)
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		Metrics:   metrics,
		BrainMode: provider.Mode(),
		Voice: VoiceInfo{
			Mode:   voiceSetup.resolvedMode,
			Detail: voiceSetup.detail,
		},
		Cleanup: cleanup,
	}, nil
}

// describeError is the user-facing reason of an Error state.
func describeError(err error) string {
	return policy.RedactString(reliability.Describe(err))
}
