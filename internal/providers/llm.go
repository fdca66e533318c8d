package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lumaforge/luma/internal/pipeline"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LLMConfig configures the reasoning provider behind Generate and Review.
// Any OpenAI-compatible endpoint works, including OpenRouter.
type LLMConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64

	// RequestsPerSecond throttles calls to the endpoint. Default: 1.
	RequestsPerSecond float64
}

const generateSystemPrompt = `You are a senior polyglot developer.
Write high-quality, production-ready code for the user's task.

IMPORTANT OUTPUT FORMAT:
Output the code for each file wrapped in XML tags:

<file path="client/logic.go">
package logic
</file>

Do NOT output JSON. Do NOT wrap the XML tags in markdown code blocks.`

const reviewSystemPrompt = `You are a senior code reviewer. Review the provided
code changes for logic errors, infinite loops, resource leaks and concurrency
mistakes. If the code is correct and meets the task, output ONLY the word PASS.
Otherwise output one finding per line, most severe first.`

// LLMClient is the narrow completion surface the providers need; it is
// satisfied by langchaingo models and by test fakes.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// langchainClient adapts a langchaingo model with rate limiting.
type langchainClient struct {
	model       llms.Model
	limiter     *rate.Limiter
	maxTokens   int
	temperature float64
}

// NewLLMClient builds a rate-limited client for an OpenAI-compatible endpoint.
func NewLLMClient(cfg LLMConfig) (LLMClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model required")
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("llm: creating model: %w", err)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4000
	}

	return &langchainClient{
		model:       model,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (c *langchainClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", NewTransient("llm", "rate limiter wait", err)
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt,
		llms.WithMaxTokens(c.maxTokens),
		llms.WithTemperature(c.temperature),
	)
	if err != nil {
		// The endpoint is a network dependency; treat call failures as
		// transient and let the backoff boundary decide.
		return "", NewTransient("llm", "completion request", err)
	}
	return strings.TrimSpace(out), nil
}

// LLMGenerator implements Generator on top of an LLMClient.
type LLMGenerator struct {
	client LLMClient
	log    *zap.Logger

	// ReadSource supplies current file contents for generation context.
	// Nil disables source context.
	ReadSource func(relPath string) (string, error)
}

// NewLLMGenerator creates a generator. log may be nil.
func NewLLMGenerator(client LLMClient, log *zap.Logger) *LLMGenerator {
	if log == nil {
		log = zap.NewNop()
	}
	return &LLMGenerator{client: client, log: log}
}

// Generate produces a new artifact version. When feedback is present the
// prompt carries only those findings, so each regeneration is scoped to the
// latest concrete defect list.
func (g *LLMGenerator) Generate(ctx context.Context, task pipeline.Task, feedback pipeline.FindingsList) (pipeline.Artifact, error) {
	prompt := g.buildPrompt(task, feedback)

	g.log.Debug("sending generation prompt",
		zap.String("task_id", task.ID),
		zap.Int("prompt_chars", len(prompt)),
		zap.Int("feedback_findings", len(feedback)),
	)

	raw, err := g.client.Complete(ctx, prompt)
	if err != nil {
		return pipeline.Artifact{}, err
	}

	files, err := ParseArtifactFiles(raw)
	if err != nil {
		// Unparseable output is a provider defect, not an infra blip.
		return pipeline.Artifact{}, NewPermanent("generator", "parsing output", err)
	}

	return pipeline.Artifact{
		ID:    uuid.NewString(),
		Files: files,
		Raw:   raw,
	}, nil
}

func (g *LLMGenerator) buildPrompt(task pipeline.Task, feedback pipeline.FindingsList) string {
	var b strings.Builder
	b.WriteString(generateSystemPrompt)
	b.WriteString("\n\nTask: ")
	b.WriteString(task.Requirement)

	if len(feedback) > 0 {
		b.WriteString("\n\nThe previous version failed. Fix exactly these defects and rewrite every affected file in the XML format:\n")
		for _, f := range feedback {
			b.WriteString("- ")
			if f.File != "" {
				fmt.Fprintf(&b, "%s", f.File)
				if f.Line > 0 {
					fmt.Fprintf(&b, ":%d", f.Line)
				}
				b.WriteString(": ")
			}
			b.WriteString(f.Message)
			b.WriteString("\n")
		}
	}

	if g.ReadSource != nil && len(task.SourceFiles) > 0 {
		b.WriteString("\n--- CURRENT SOURCE CODE ---\n")
		for _, rel := range task.SourceFiles {
			content, err := g.ReadSource(rel)
			if err != nil {
				fmt.Fprintf(&b, "\nFile: %s (unavailable: %v)\n", rel, err)
				continue
			}
			fmt.Fprintf(&b, "\nFile: %s\n```\n%s\n```\n", rel, content)
		}
	}

	return b.String()
}

// LLMReviewer implements Reviewer on top of an LLMClient.
type LLMReviewer struct {
	client LLMClient
	log    *zap.Logger

	// AdviseTests enables the secondary suggested-test-cases call.
	AdviseTests bool
}

// NewLLMReviewer creates a reviewer. log may be nil.
func NewLLMReviewer(client LLMClient, log *zap.Logger) *LLMReviewer {
	if log == nil {
		log = zap.NewNop()
	}
	return &LLMReviewer{client: client, log: log, AdviseTests: true}
}

// Review judges an artifact. A response whose first line is PASS is a pass;
// anything else becomes one finding per non-empty line.
func (r *LLMReviewer) Review(ctx context.Context, task pipeline.Task, artifact pipeline.Artifact) (pipeline.ReviewReport, error) {
	var b strings.Builder
	b.WriteString(reviewSystemPrompt)
	b.WriteString("\n\nTask: ")
	b.WriteString(task.Requirement)
	b.WriteString("\n\nCode changes:\n")
	for _, p := range SortedPaths(artifact) {
		fmt.Fprintf(&b, "\nFile: %s\n```\n%s```\n", p, artifact.Files[p])
	}

	out, err := r.client.Complete(ctx, b.String())
	if err != nil {
		return pipeline.ReviewReport{}, err
	}

	report := parseReviewResponse(out)
	report.ArtifactID = artifact.ID

	if report.Verdict == pipeline.VerdictPass && r.AdviseTests {
		advice, err := r.client.Complete(ctx, testAdvicePrompt(artifact))
		if err != nil {
			// Advice is decoration on the publication; never fail review on it.
			r.log.Warn("test advice call failed", zap.Error(err))
		} else {
			report.TestAdvice = advice
		}
	}

	return report, nil
}

func testAdvicePrompt(artifact pipeline.Artifact) string {
	var b strings.Builder
	b.WriteString("List 3 critical test cases that should be added or verified for the code changes below. Focus on edge cases. Output bullet points only.\n")
	for _, p := range SortedPaths(artifact) {
		fmt.Fprintf(&b, "\nFile: %s\n```\n%s```\n", p, artifact.Files[p])
	}
	const adviceContextLimit = 12000
	s := b.String()
	if len(s) > adviceContextLimit {
		s = s[:adviceContextLimit]
	}
	return s
}

func parseReviewResponse(out string) pipeline.ReviewReport {
	trimmed := strings.TrimSpace(out)
	first, _, _ := strings.Cut(trimmed, "\n")
	if strings.EqualFold(strings.TrimSpace(first), "PASS") {
		return pipeline.ReviewReport{Verdict: pipeline.VerdictPass}
	}

	var findings pipeline.FindingsList
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
		if line == "" {
			continue
		}
		findings = append(findings, pipeline.Finding{Message: line})
	}
	if len(findings) == 0 {
		findings = pipeline.FindingsList{{Message: trimmed}}
	}
	return pipeline.ReviewReport{Verdict: pipeline.VerdictFail, Findings: findings}
}
