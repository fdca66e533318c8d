// Package main runs the luma daemon: a Temporal worker hosting the pipeline
// workflow, an HTTP API for run control and approvals, and an optional GitHub
// issue intake poller.
//
// Usage:
//
//	LUMA_GITHUB_TOKEN=ghp_xxx \
//	LUMA_LLM_API_KEY=sk-xxx \
//	./lumad -config config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/lumaforge/luma/internal/config"
	"github.com/lumaforge/luma/internal/httpapi"
	"github.com/lumaforge/luma/internal/logging"
	"github.com/lumaforge/luma/internal/providers"
	"github.com/lumaforge/luma/internal/runstore"
	"github.com/lumaforge/luma/internal/secrets"
	"github.com/lumaforge/luma/internal/telemetry"
	"github.com/lumaforge/luma/internal/workflows"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (optional, env vars override)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logging.Sync(log)

	log.Info("lumad starting",
		zap.String("temporal_host", cfg.Temporal.HostPort),
		zap.String("task_queue", cfg.Temporal.TaskQueue),
		zap.String("repo", cfg.GitHub.Owner+"/"+cfg.GitHub.Repo),
	)

	shutdownTelemetry, err := telemetry.Setup(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("connecting to Temporal: %w", err)
	}
	defer c.Close()
	log.Info("temporal client connected", zap.String("host", cfg.Temporal.HostPort))

	activities, err := buildActivities(ctx, cfg, log)
	if err != nil {
		return err
	}

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.PipelineWorkflow)
	w.RegisterActivity(activities)

	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- w.Run(worker.InterruptCh())
	}()

	dispatcher := &workflows.Dispatcher{
		Temporal:  c,
		Store:     runstore.New(cfg.Pipeline.BranchSerialization),
		TaskQueue: cfg.Temporal.TaskQueue,
		Config: workflows.RunConfig{
			MaxRetries:      cfg.Pipeline.MaxRetries,
			ApprovalTimeout: cfg.Pipeline.ApprovalTimeout.Duration(),
			TimeoutDecision: cfg.Pipeline.TimeoutDecision,
		},
		Log: log,
	}

	server, err := httpapi.NewServer(dispatcher, log, cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	serverErrors := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	if activities.Source != nil && cfg.GitHub.PollInterval.Duration() > 0 {
		go pollIntake(ctx, activities.Source, dispatcher, cfg.GitHub.PollInterval.Duration(), log)
	}

	select {
	case err := <-serverErrors:
		return fmt.Errorf("http server error: %w", err)
	case err := <-workerErrors:
		if err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	w.Stop()

	log.Info("lumad stopped")
	return nil
}

// buildActivities wires the providers behind the pipeline stages from
// configuration.
func buildActivities(ctx context.Context, cfg *config.Config, log *zap.Logger) (*workflows.Activities, error) {
	retry := providers.DefaultRetryConfig()
	if cfg.Pipeline.InfraRetryBudget > 0 {
		retry.Budget = cfg.Pipeline.InfraRetryBudget
	}

	llm, err := providers.NewLLMClient(providers.LLMConfig{
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		APIKey:            cfg.LLM.APIKey.Value(),
		MaxTokens:         cfg.LLM.MaxTokens,
		Temperature:       cfg.LLM.Temperature,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("creating llm client: %w", err)
	}

	tester, err := providers.NewCommandTester(providers.CommandTesterConfig{
		WorkDir:     cfg.Git.WorkDir,
		Command:     cfg.Tester.Command,
		Args:        cfg.Tester.Args,
		Timeout:     cfg.Tester.Timeout.Duration(),
		OutputLimit: cfg.Tester.OutputLimit,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("creating tester: %w", err)
	}

	persister, err := providers.NewGitPersister(providers.GitPersisterConfig{
		WorkDir:     cfg.Git.WorkDir,
		Token:       cfg.GitHub.Token.Value(),
		AuthorName:  cfg.Git.AuthorName,
		AuthorEmail: cfg.Git.AuthorEmail,
		RemoteName:  cfg.Git.RemoteName,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("creating persister: %w", err)
	}

	activities := &workflows.Activities{
		Generator: providers.NewLLMGenerator(llm, log),
		Reviewer:  providers.NewLLMReviewer(llm, log),
		Tester:    tester,
		Persister: persister,
		Retry:     retry,
		Log:       log,
	}

	if cfg.Pipeline.SecretScan {
		scanner, err := secrets.NewScanner(log)
		if err != nil {
			return nil, fmt.Errorf("creating secret scanner: %w", err)
		}
		activities.Scanner = scanner
	}

	// Issue intake and PR publishing need an authenticated client. Without a
	// token the daemon still serves API-submitted runs, minus publishing.
	if cfg.GitHub.Token.IsSet() {
		gh, err := providers.NewGitHubClient(ctx, cfg.GitHub.Token.Value())
		if err != nil {
			return nil, fmt.Errorf("creating github client: %w", err)
		}
		ghCfg := providers.GitHubConfig{
			Token:       cfg.GitHub.Token.Value(),
			Owner:       cfg.GitHub.Owner,
			Repo:        cfg.GitHub.Repo,
			IntakeLabel: cfg.GitHub.IntakeLabel,
			BaseBranch:  cfg.GitHub.BaseBranch,
		}
		activities.Source = providers.NewGitHubTaskSource(gh, ghCfg, retry, log)
		activities.Publisher = providers.NewGitHubPublisher(gh, ghCfg, retry, log)
	} else {
		log.Warn("github token not set, issue intake and publishing disabled")
	}

	return activities, nil
}

// pollIntake turns labeled issues into pipeline runs. The workflow claims an
// issue with a status label as its first activity, which keeps FetchNext from
// returning it on later polls.
func pollIntake(ctx context.Context, source providers.TaskSource, d *workflows.Dispatcher, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("issue intake started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		task, err := source.FetchNext(ctx)
		if err != nil {
			log.Warn("issue intake poll failed", zap.Error(err))
			continue
		}
		if task == nil {
			continue
		}

		entry, err := d.Submit(ctx, *task)
		if err != nil {
			log.Error("submitting intake task failed",
				zap.Int("issue", task.IssueNumber), zap.Error(err))
			continue
		}
		log.Info("intake task submitted",
			zap.Int("issue", task.IssueNumber),
			zap.String("run_id", entry.RunID),
			zap.String("branch", task.Target.Branch),
		)
	}
}
