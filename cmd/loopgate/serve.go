package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loopgate/loopgate/internal/agent"
	"github.com/loopgate/loopgate/internal/bus"
	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/crypto"
	"github.com/loopgate/loopgate/internal/gateway"
	"github.com/loopgate/loopgate/internal/hitl"
	"github.com/loopgate/loopgate/internal/infra"
	"github.com/loopgate/loopgate/internal/mcp"
	"github.com/loopgate/loopgate/internal/observability"
	"github.com/loopgate/loopgate/internal/sandbox"
	"github.com/loopgate/loopgate/internal/skills"
	"github.com/loopgate/loopgate/internal/store"
)

const shutdownTimeout = 30 * time.Second

// runServe assembles the gateway and blocks until a shutdown signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	logger.Info("starting loopgate", "version", version, "config", configPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence.
	storeOpts := []store.Option{store.WithLogger(logger)}
	if cfg.Database.EncryptionKey != "" {
		cipher, err := crypto.NewFieldCipher(cfg.Database.EncryptionKey)
		if err != nil {
			return fmt.Errorf("invalid encryption key: %w", err)
		}
		storeOpts = append(storeOpts, store.WithCipher(cipher))
	}
	st, err := store.Open(ctx, cfg.Database.Path, storeOpts...)
	if err != nil {
		return err
	}
	defer st.Close()

	events := bus.New(256)

	// Tools: skills from disk, the install catalog, MCP bridged servers.
	tools := agent.NewToolRegistry()

	loader := skills.NewLoader(cfg.Skills.Dir, tools, events, logger)
	if err := loader.Scan(ctx); err != nil {
		logger.Warn("skill scan failed", "error", err)
	}
	if cfg.Skills.Watch {
		if err := loader.Watch(ctx); err != nil {
			logger.Warn("skill watcher unavailable", "error", err)
		}
	}
	defer loader.Close()

	catalog := skills.NewCatalog(loader, logger)
	if err := catalog.LoadFile(cfg.Skills.CatalogFile); err != nil {
		logger.Warn("skill catalog unavailable", "error", err)
	}
	if err := tools.RegisterBuiltin(skills.NewSuggestSkillTool(catalog)); err != nil {
		return err
	}

	var mcpManager *mcp.Manager
	if runtime, err := mcp.NewContainerRuntime(logger); err != nil {
		logger.Warn("docker unavailable, MCP servers disabled", "error", err)
	} else {
		mcpManager = mcp.NewManager(st, runtime, tools, events, logger)
		if err := mcpManager.StartAll(ctx); err != nil {
			logger.Error("failed to start MCP servers", "error", err)
		}
		mcpManager.StartHealthLoop(ctx, time.Minute)
	}

	// Provider: in-process API calls, or one container per invocation.
	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}

	resilience := infra.NewResilience(
		infra.RetryConfig{
			MaxAttempts:    cfg.Resilience.RetryMaxAttempts,
			BaseDelay:      cfg.Resilience.RetryBaseDelay,
			MaxDelay:       cfg.Resilience.RetryMaxDelay,
			JitterFraction: cfg.Resilience.RetryJitterFraction,
		},
		infra.CircuitBreakerConfig{
			Name:             "llm",
			FailureThreshold: cfg.Resilience.BreakerFailures,
			SuccessThreshold: cfg.Resilience.BreakerHalfOpenSuccesses,
			ResetTimeout:     cfg.Resilience.BreakerResetTimeout,
		},
	)

	approvals := hitl.NewManager(st, events, logger)
	if err := approvals.LoadRules(ctx); err != nil {
		logger.Warn("failed to load approval rules", "error", err)
	}
	approvals.StartSweeper(ctx, time.Minute)

	prompt := agent.NewPromptBuilder(loadSystemPrompt(cfg.Agent.SystemPromptFile, logger))
	loop := agent.NewLoop(st, provider, tools, resilience, events, prompt,
		agent.LoopConfig{
			Model:             cfg.Agent.Model,
			MaxTokens:         cfg.Agent.MaxTokens,
			MaxIterations:     cfg.Agent.MaxIterations,
			HistoryWindow:     cfg.Agent.HistoryWindow,
			InputCostPerMTok:  cfg.Agent.InputCostPerMTok,
			OutputCostPerMTok: cfg.Agent.OutputCostPerMTok,
		},
		logger,
		agent.WithApprover(approvals),
		agent.WithEnabledTools(loader.Enabled),
		agent.WithCatalogAddendum(catalog.Addendum),
	)

	router := gateway.NewRouter(st, loop, approvals, gateway.Budget{
		DailyTokenCap:   cfg.Agent.DailyTokenCap,
		MonthlyTokenCap: cfg.Agent.MonthlyTokenCap,
		SenderPerMinute: cfg.Agent.SenderPerMinute,
	}, logger)

	manager := gateway.NewManager(st, events, router, cfg.Database.DataDir, logger)
	approvals.SetNotifier(manager)
	if err := manager.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	manager.Routes(mux)
	mux.HandleFunc("GET /healthz", healthHandler(manager))

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	if mcpManager != nil {
		mcpManager.StopAll(shutdownCtx)
	}
	logger.Info("shutdown complete")
	return nil
}

// buildProvider picks the LLM execution path from config.
func buildProvider(cfg *config.Config, logger *slog.Logger) (agent.Provider, error) {
	if cfg.Agent.Isolated {
		dockerSandbox, err := sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Image:       cfg.Container.Image,
			SkillsDir:   cfg.Skills.Dir,
			NetworkMode: cfg.Container.Network,
			MemoryMB:    cfg.Container.MemoryLimitMB,
			CPUs:        int64(cfg.Container.CPULimit),
			Timeout:     cfg.Container.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("isolated mode requires docker: %w", err)
		}
		runner := sandbox.NewRunner(dockerSandbox, cfg.Container.MaxConcurrent, logger)
		return sandbox.NewProvider(runner, cfg.Agent.AnthropicAPIKey), nil
	}

	return agent.NewAnthropicProvider(agent.AnthropicConfig{
		APIKey:    cfg.Agent.AnthropicAPIKey,
		Model:     cfg.Agent.Model,
		MaxTokens: cfg.Agent.MaxTokens,
	})
}

// loadSystemPrompt reads the base prompt file; missing is fine.
func loadSystemPrompt(path string, logger *slog.Logger) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("system prompt file unreadable", "path", path, "error", err)
		return ""
	}
	return string(data)
}

// healthHandler reports adapter health as JSON.
func healthHandler(manager *gateway.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type channelHealth struct {
			ID        string `json:"id"`
			Type      string `json:"type"`
			Connected bool   `json:"connected"`
			Error     string `json:"error,omitempty"`
		}

		var out struct {
			Status   string          `json:"status"`
			Channels []channelHealth `json:"channels"`
		}
		out.Status = "ok"
		for _, adapter := range manager.Registry().All() {
			status := adapter.Status()
			out.Channels = append(out.Channels, channelHealth{
				ID:        adapter.ID(),
				Type:      string(adapter.Type()),
				Connected: status.Connected,
				Error:     status.Error,
			})
			if !status.Connected {
				out.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
