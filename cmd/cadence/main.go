// Command cadence is the real-time sales-call coaching server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/closerlabs/cadence/internal/app"
	"github.com/closerlabs/cadence/internal/brief"
	"github.com/closerlabs/cadence/internal/config"
	"github.com/closerlabs/cadence/internal/health"
	"github.com/closerlabs/cadence/internal/ingress"
	"github.com/closerlabs/cadence/internal/observe"
	"github.com/closerlabs/cadence/internal/patterns"
	"github.com/closerlabs/cadence/internal/resilience"
	"github.com/closerlabs/cadence/internal/tiers"
	"github.com/closerlabs/cadence/pkg/provider/llm"
	"github.com/closerlabs/cadence/pkg/provider/llm/anyllm"
	"github.com/closerlabs/cadence/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadence: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadence: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("cadence starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "cadence",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Generation tiers ──────────────────────────────────────────────────────
	tier2, err := buildCompleter("reframer", cfg.Providers.Tier2)
	if err != nil {
		slog.Error("failed to build reframer providers", "err", err)
		return 1
	}
	tier3, err := buildCompleter("analyzer", cfg.Providers.Tier3)
	if err != nil {
		slog.Error("failed to build analyzer providers", "err", err)
		return 1
	}
	if tier2 == nil && tier3 == nil {
		slog.Warn("no generation providers configured — running with pattern coaching only")
	}

	// ── Pattern library ───────────────────────────────────────────────────────
	var lib *patterns.Library
	if cfg.Patterns.LibraryPath != "" {
		lib, err = patterns.LoadLibrary(cfg.Patterns.LibraryPath)
		if err != nil {
			slog.Error("failed to load pattern library", "path", cfg.Patterns.LibraryPath, "err", err)
			return 1
		}
		slog.Info("pattern library loaded", "path", cfg.Patterns.LibraryPath, "patterns", len(lib.Entries))
	}
	matcher := patterns.NewMatcher(lib, patterns.WithFuzzyThreshold(cfg.Patterns.FuzzyThreshold))

	// ── Brief store ───────────────────────────────────────────────────────────
	var (
		briefStore brief.Store
		checkers   []health.Checker
	)
	switch cfg.Brief.Source {
	case "file":
		fs, err := brief.NewFileStore(cfg.Brief.Path)
		if err != nil {
			slog.Error("failed to load brief file", "path", cfg.Brief.Path, "err", err)
			return 1
		}
		briefStore = fs
		slog.Info("brief store ready", "source", "file", "path", cfg.Brief.Path)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Brief.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to brief database", "err", err)
			return 1
		}
		defer pool.Close()
		store := brief.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			slog.Error("failed to migrate brief schema", "err", err)
			return 1
		}
		briefStore = store
		checkers = append(checkers, health.Checker{Name: "briefs", Check: pool.Ping})
		slog.Info("brief store ready", "source", "postgres")
	}

	// ── Session manager ───────────────────────────────────────────────────────
	mgrOpts := []app.Option{}
	if briefStore != nil {
		mgrOpts = append(mgrOpts, app.WithBriefStore(briefStore))
	}
	if tier2 != nil {
		mgrOpts = append(mgrOpts, app.WithTier2(tier2))
	}
	if tier3 != nil {
		mgrOpts = append(mgrOpts, app.WithTier3(tier3))
	}
	mgr := app.NewManager(cfg, matcher, mgrOpts...)

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(callStatus(mgr), checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/ingress", ingress.New(mgr))
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		s := mgr.Current()
		if s == nil {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		s.Sink().ServeHTTP(w, r)
	})

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case err := <-serveErr:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	// End the live call first so delivery streams close cleanly.
	if s := mgr.Current(); s != nil {
		s.End()
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := shutdownObserve(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildCompleter assembles the fallback-wrapped generation backend for one
// suggestion tier. Returns (nil, nil) when the tier has no primary configured,
// which leaves the tier absent from sessions.
func buildCompleter(tier string, tc config.TierProviderConfig) (tiers.Completer, error) {
	if tc.Primary.Name == "" {
		return nil, nil
	}

	primary, err := buildProvider(tc.Primary)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", tc.Primary.Name, err)
	}

	group := resilience.NewFallbackGroup[llm.Provider](primary, tc.Primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		},
	})
	for _, entry := range tc.Fallbacks {
		p, err := buildProvider(entry)
		if err != nil {
			return nil, fmt.Errorf("fallback provider %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, p)
	}

	slog.Info("generation tier configured",
		"tier", tier,
		"model", tc.Primary.Model,
		"providers", group.Names(),
	)
	return tiers.NewFallbackCompleter(group), nil
}

// buildProvider constructs a single LLM provider from its config entry.
// "openai-direct" uses the native OpenAI SDK client; everything else goes
// through the any-llm bridge.
func buildProvider(entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "openai-direct" {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	}

	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(entry.Name, entry.Model, opts...)
}

// callStatus adapts the session manager to the /statusz source.
func callStatus(mgr *app.Manager) health.StatusSource {
	return func() health.CallStatus {
		s := mgr.Current()
		if s == nil {
			return health.CallStatus{}
		}
		return health.CallStatus{
			Active:           true,
			Account:          s.Account(),
			MeddicCompletion: s.State().MeddicCompletion(),
		}
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
