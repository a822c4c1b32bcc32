// Command renovateagent wires the rate-limit governor, cache, state
// tracker, activity scorer, polling orchestrator, event intake,
// deduplicator, PR processor, and metrics recorder together with the GitHub
// platform client and lock-file fixer adapters, then runs whichever event
// sources operation_mode enables until it receives SIGINT/SIGTERM. run()
// loads config, builds the adapters, wires the use-case layer, starts a
// signal-aware context, serves HTTP, and waits for a clean shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "golang.org/x/crypto/x509roots/fallback" // embed CA certs for a scratch/distroless container

	"github.com/ashmere/renovateagent/internal/activity"
	fixeradapter "github.com/ashmere/renovateagent/internal/adapter/driven/fixer"
	"github.com/ashmere/renovateagent/internal/adapter/driven/github"
	httphandler "github.com/ashmere/renovateagent/internal/adapter/driving/http"
	"github.com/ashmere/renovateagent/internal/cache"
	"github.com/ashmere/renovateagent/internal/config"
	"github.com/ashmere/renovateagent/internal/dedup"
	"github.com/ashmere/renovateagent/internal/domain/port/driven"
	"github.com/ashmere/renovateagent/internal/logging"
	"github.com/ashmere/renovateagent/internal/metrics"
	"github.com/ashmere/renovateagent/internal/orchestrator"
	"github.com/ashmere/renovateagent/internal/processor"
	"github.com/ashmere/renovateagent/internal/ratelimit"
	"github.com/ashmere/renovateagent/internal/state"
)

// exit codes for the long-lived process.
const (
	exitClean          = 0
	exitConfigInvalid  = 2
	exitCredentialsBad = 3
	exitUnrecoverable  = 64
)

func main() {
	code := run()
	os.Exit(code)
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfigInvalid
	}

	logger := logging.SetupLogger(os.Getenv("RENOVATEAGENT_LOG_LEVEL"))
	slog.SetDefault(logger)

	if cfg.GitHubToken == "" {
		logger.Error("RENOVATEAGENT_GITHUB_TOKEN is not set")
		return exitCredentialsBad
	}

	logger.Info("config loaded",
		"operation_mode", cfg.OperationMode,
		"listen_addr", cfg.ListenAddr,
		"poll_base_interval", cfg.Poll.BaseInterval,
		"repositories", len(cfg.RepositorySet()),
	)

	governor := ratelimit.New(ratelimit.Config{
		Buffer:            cfg.Rate.Buffer,
		ThrottleThreshold: cfg.Rate.ThrottleThreshold,
		ThrottleFactor:    cfg.Rate.ThrottleFactor,
	})

	ghClient := github.NewClient(cfg.GitHubToken, "", governor)

	recorder := metrics.New()
	ghClient.SetRecorder(recorder)
	if cfg.Rate.PacingPerSecond > 0 {
		ghClient.SetPacing(ratelimit.NewPacingLimiter(cfg.Rate.PacingPerSecond, cfg.Rate.PacingBurst))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if snapshot, err := ghClient.GetRateLimit(ctx); err != nil {
		logger.Warn("failed to seed rate limit governor at startup", "error", err)
	} else {
		governor.Observe(snapshot.Remaining, snapshot.Limit, snapshot.ResetAt)
	}

	username, err := ghClient.CurrentUser(ctx)
	if err != nil {
		logger.Error("failed to resolve authenticated GitHub user", "error", err)
		return exitCredentialsBad
	}
	logger.Info("authenticated", "github_user", username)

	appCache := cache.New(cfg.ResolveCacheTTLs())
	dd := dedup.New(0)
	tracker := state.New(ghClient, cfg.Dashboard.IssueTitle, state.CreationMode(cfg.Dashboard.CreationMode), logger)
	tracker.SetRecorder(recorder)
	scorer := activity.New(activity.Config{
		BaseInterval: cfg.Poll.BaseInterval,
		MaxInterval:  cfg.Poll.MaxInterval,
	})

	var fixerCap driven.Fixer
	if cfg.Fix.Enabled {
		fixerCap = fixeradapter.New(cfg.GitHubToken, "")
	}

	proc := processor.New(ghClient, fixerCap, appCache, tracker, processor.Config{
		BotIdentities:   cfg.Bot.Identities,
		BranchPrefixes:  cfg.Bot.BranchPrefix,
		ApprovalEnabled: cfg.Approval.Enabled,
		FixEnabled:      cfg.Fix.Enabled,
		FixLanguages:    cfg.Fix.Languages,
		ApprovalBody:    cfg.Approval.Body,
	}, logger)
	proc.SetRecorder(recorder)

	runnerCfg := processor.DefaultRunnerConfig()
	runnerCfg.IsTestRepo = cfg.Dashboard.IsTestRepository
	runner := processor.NewRunner(dd, tracker, proc, recorder, runnerCfg, logger)

	var group errgroup.Group
	group.Go(func() error {
		runner.Start(ctx)
		return nil
	})

	pollingEnabled := cfg.OperationMode == config.ModePoll || cfg.OperationMode == config.ModeDual
	webhookEnabled := cfg.OperationMode == config.ModeWebhook || cfg.OperationMode == config.ModeDual

	if pollingEnabled {
		orch := orchestrator.New(ghClient, tracker, scorer, governor, dd, recorder, appCache,
			orchestrator.Config{
				MaxConcurrentRepos: cfg.Poll.MaxConcurrentRepos,
				Adaptive:           cfg.Poll.AdaptiveOrDefault(),
				BaseInterval:       cfg.Poll.BaseInterval,
				IgnoreArchived:     cfg.IgnoreArchived,
				BotIdentities:      cfg.Bot.Identities,
				IsTestRepo:         cfg.Dashboard.IsTestRepository,
			},
			logger,
			cfg.RepositorySet(),
		)
		group.Go(func() error {
			orch.Start(ctx)
			return nil
		})
	}

	handler := httphandler.NewHandler(dd, appCache, recorder, governor,
		[]byte(cfg.Webhook.Secret), cfg.Webhook.RequireSignatureOrDefault(), webhookEnabled, pollingEnabled, logger)
	mux := httphandler.NewServeMux(handler, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "webhook_enabled", webhookEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErrCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
			return exitUnrecoverable
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	_ = group.Wait()
	logger.Info("shutdown complete")
	return exitClean
}
