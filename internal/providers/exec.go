package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lumaforge/luma/internal/pipeline"
)

// CommandTesterConfig configures the command-based Tester.
type CommandTesterConfig struct {
	// WorkDir is the checkout the tests run against. Artifact files are
	// staged into it before the command runs, so the suite sees the
	// candidate change even though nothing is committed yet.
	WorkDir string

	// Command and Args form the test invocation, e.g. "go" ["test" "./..."].
	Command string
	Args    []string

	// Timeout bounds one test run. Default: 10m.
	Timeout time.Duration

	// OutputLimit truncates captured output before it becomes findings.
	// Default: 8000 bytes.
	OutputLimit int
}

func (c CommandTesterConfig) withDefaults() CommandTesterConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = 8000
	}
	return c
}

// CommandTester runs the project's test command against a staged artifact.
type CommandTester struct {
	cfg CommandTesterConfig
	log *zap.Logger

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// NewCommandTester creates a tester. log may be nil.
func NewCommandTester(cfg CommandTesterConfig, log *zap.Logger) (*CommandTester, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("tester: work dir required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("tester: command required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandTester{
		cfg: cfg.withDefaults(),
		log: log,
		runCommand: func(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, name, args...)
			cmd.Dir = dir
			return cmd.CombinedOutput()
		},
	}, nil
}

// Test stages the artifact's files into the work dir and runs the test
// command. A non-zero exit is a quality failure with the truncated output as
// findings; a timeout or inability to start the command is infrastructure.
func (t *CommandTester) Test(ctx context.Context, task pipeline.Task, artifact pipeline.Artifact) (pipeline.TestResult, error) {
	if err := t.stage(artifact); err != nil {
		return pipeline.TestResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := t.runCommand(ctx, t.cfg.WorkDir, t.cfg.Command, t.cfg.Args...)
	elapsed := time.Since(start)

	t.log.Debug("test command finished",
		zap.String("task_id", task.ID),
		zap.Duration("elapsed", elapsed),
		zap.Bool("passed", err == nil),
	)

	if err == nil {
		return pipeline.TestResult{ArtifactID: artifact.ID, Verdict: pipeline.VerdictPass}, nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return pipeline.TestResult{}, NewTransient("tester",
			fmt.Sprintf("test command timed out after %s", t.cfg.Timeout), err)
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// The command never ran: missing binary, bad work dir.
		return pipeline.TestResult{}, NewTransient("tester", "starting test command", err)
	}

	return pipeline.TestResult{
		ArtifactID: artifact.ID,
		Verdict:    pipeline.VerdictFail,
		Failures:   failuresFromOutput(out, t.cfg.OutputLimit),
	}, nil
}

func (t *CommandTester) stage(artifact pipeline.Artifact) error {
	for _, rel := range SortedPaths(artifact) {
		clean, err := SanitizePath(rel)
		if err != nil {
			return NewPermanent("tester", "validating artifact path", err)
		}
		abs := filepath.Join(t.cfg.WorkDir, filepath.FromSlash(clean))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return NewTransient("tester", "creating directories", err)
		}
		if err := os.WriteFile(abs, []byte(artifact.Files[rel]), 0o644); err != nil {
			return NewTransient("tester", fmt.Sprintf("staging %s", clean), err)
		}
	}
	return nil
}

// failuresFromOutput converts command output into findings. The tail of the
// output is kept since test runners print the summary last.
func failuresFromOutput(out []byte, limit int) pipeline.FindingsList {
	text := strings.TrimSpace(string(out))
	if len(text) > limit {
		text = "... (truncated)\n" + text[len(text)-limit:]
	}
	if text == "" {
		text = "test command exited non-zero with no output"
	}
	return pipeline.FindingsList{{Message: text}}
}
