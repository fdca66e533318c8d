// Package config provides configuration loading for luma.
package config

import (
	"fmt"
	"time"

	"github.com/lumaforge/luma/internal/telemetry"
)

// Config is the full daemon configuration.
type Config struct {
	Pipeline  PipelineConfig   `koanf:"pipeline"`
	Temporal  TemporalConfig   `koanf:"temporal"`
	GitHub    GitHubConfig     `koanf:"github"`
	LLM       LLMConfig        `koanf:"llm"`
	Git       GitConfig        `koanf:"git"`
	Tester    TesterConfig     `koanf:"tester"`
	Server    ServerConfig     `koanf:"server"`
	Logging   LoggingConfig    `koanf:"logging"`
	Telemetry telemetry.Config `koanf:"telemetry"`
}

// PipelineConfig bounds the run lifecycle.
type PipelineConfig struct {
	// MaxRetries is the quality retry budget per run.
	MaxRetries int `koanf:"max_retries"`

	// InfraRetryBudget is the attempt budget for transient provider failures.
	InfraRetryBudget int `koanf:"infra_retry_budget"`

	// ApprovalTimeout bounds how long a run waits for a human decision.
	// Zero means wait indefinitely.
	ApprovalTimeout Duration `koanf:"approval_timeout"`

	// TimeoutDecision is applied when ApprovalTimeout elapses without a
	// decision: "rejected" or "aborted".
	TimeoutDecision string `koanf:"timeout_decision"`

	// BranchSerialization queues runs that target the same branch. On by
	// default.
	BranchSerialization bool `koanf:"branch_serialization"`

	// SecretScan blocks persistence when the artifact contains credentials.
	// On by default.
	SecretScan bool `koanf:"secret_scan"`
}

// TemporalConfig locates the workflow backend.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// GitHubConfig locates the target repository and the issue intake.
type GitHubConfig struct {
	Token       Secret `koanf:"token"`
	Owner       string `koanf:"owner"`
	Repo        string `koanf:"repo"`
	IntakeLabel string `koanf:"intake_label"`
	BaseBranch  string `koanf:"base_branch"`

	// PollInterval is how often labeled issues are polled for new tasks.
	// Zero or negative disables issue intake.
	PollInterval Duration `koanf:"poll_interval"`
}

// LLMConfig configures the reasoning endpoint behind generation and review.
type LLMConfig struct {
	BaseURL           string  `koanf:"base_url"`
	Model             string  `koanf:"model"`
	APIKey            Secret  `koanf:"api_key"`
	MaxTokens         int     `koanf:"max_tokens"`
	Temperature       float64 `koanf:"temperature"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// GitConfig configures the local working clone the persister commits into.
type GitConfig struct {
	WorkDir     string `koanf:"work_dir"`
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
	RemoteName  string `koanf:"remote_name"`
}

// TesterConfig configures the test command run against staged artifacts.
type TesterConfig struct {
	Command     string   `koanf:"command"`
	Args        []string `koanf:"args"`
	Timeout     Duration `koanf:"timeout"`
	OutputLimit int      `koanf:"output_limit"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string   `koanf:"addr"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = 3
	}
	if cfg.Pipeline.InfraRetryBudget == 0 {
		cfg.Pipeline.InfraRetryBudget = 3
	}
	if cfg.Pipeline.TimeoutDecision == "" {
		cfg.Pipeline.TimeoutDecision = "aborted"
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "luma-pipeline"
	}

	if cfg.GitHub.IntakeLabel == "" {
		cfg.GitHub.IntakeLabel = "luma"
	}
	if cfg.GitHub.BaseBranch == "" {
		cfg.GitHub.BaseBranch = "main"
	}

	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4000
	}
	if cfg.LLM.RequestsPerSecond == 0 {
		cfg.LLM.RequestsPerSecond = 1
	}

	if cfg.Git.AuthorName == "" {
		cfg.Git.AuthorName = "luma"
	}
	if cfg.Git.AuthorEmail == "" {
		cfg.Git.AuthorEmail = "luma@localhost"
	}
	if cfg.Git.RemoteName == "" {
		cfg.Git.RemoteName = "origin"
	}

	if cfg.Tester.Command == "" {
		cfg.Tester.Command = "go"
		cfg.Tester.Args = []string{"test", "./..."}
	}
	if cfg.Tester.Timeout == 0 {
		cfg.Tester.Timeout = Duration(10 * time.Minute)
	}
	if cfg.Tester.OutputLimit == 0 {
		cfg.Tester.OutputLimit = 8000
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8088"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	tel := telemetry.NewDefaultConfig()
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = tel.Endpoint
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = tel.ServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = tel.ServiceVersion
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = tel.ExportInterval
	}
}

// Validate rejects configurations the daemon cannot safely run with.
func (c *Config) Validate() error {
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries cannot be negative")
	}
	if c.Pipeline.InfraRetryBudget < 1 {
		return fmt.Errorf("pipeline.infra_retry_budget must be at least 1")
	}
	switch c.Pipeline.TimeoutDecision {
	case "aborted", "rejected":
	default:
		return fmt.Errorf("pipeline.timeout_decision must be %q or %q, got %q", "aborted", "rejected", c.Pipeline.TimeoutDecision)
	}

	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		return fmt.Errorf("github.owner and github.repo are required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if !c.LLM.APIKey.IsSet() {
		return fmt.Errorf("llm.api_key is required")
	}
	if c.Git.WorkDir == "" {
		return fmt.Errorf("git.work_dir is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return nil
}
