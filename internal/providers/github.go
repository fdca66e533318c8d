package providers

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/lumaforge/luma/internal/pipeline"
)

// GitHubConfig configures the issue-backed task source and the PR publisher.
type GitHubConfig struct {
	Token string
	Owner string
	Repo  string

	// IntakeLabel marks issues eligible for automation. Default: luma.
	IntakeLabel string

	// BaseBranch is the branch pull requests merge into. Default: main.
	BaseBranch string
}

func (c GitHubConfig) withDefaults() GitHubConfig {
	if c.IntakeLabel == "" {
		c.IntakeLabel = "luma"
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	return c
}

// NewGitHubClient creates an authenticated GitHub API client.
func NewGitHubClient(ctx context.Context, token string) (*github.Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github: token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts)), nil
}

// statusLabels maps task statuses to the labels managed on the issue.
var statusLabels = map[TaskStatus]string{
	TaskStatusInProgress: "luma:in-progress",
	TaskStatusPublished:  "luma:published",
	TaskStatusRejected:   "luma:rejected",
	TaskStatusAborted:    "luma:aborted",
}

// GitHubTaskSource supplies tasks from open issues carrying the intake label.
type GitHubTaskSource struct {
	client *github.Client
	cfg    GitHubConfig
	retry  RetryConfig
	log    *zap.Logger
}

// NewGitHubTaskSource creates a task source. log may be nil.
func NewGitHubTaskSource(client *github.Client, cfg GitHubConfig, retry RetryConfig, log *zap.Logger) *GitHubTaskSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &GitHubTaskSource{client: client, cfg: cfg.withDefaults(), retry: retry, log: log}
}

// FetchNext returns the oldest open labeled issue that is not already claimed
// by a status label, or nil when the queue is empty.
func (s *GitHubTaskSource) FetchNext(ctx context.Context) (*pipeline.Task, error) {
	var issues []*github.Issue
	err := WithRetry(ctx, "github", s.retry, s.log, func(ctx context.Context) error {
		list, resp, err := s.client.Issues.ListByRepo(ctx, s.cfg.Owner, s.cfg.Repo, &github.IssueListByRepoOptions{
			State:       "open",
			Labels:      []string{s.cfg.IntakeLabel},
			Sort:        "created",
			Direction:   "asc",
			ListOptions: github.ListOptions{PerPage: 20},
		})
		if err != nil {
			return classifyGitHubError("listing issues", err, resp)
		}
		issues = list
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, issue := range issues {
		if issue.IsPullRequest() || hasStatusLabel(issue) {
			continue
		}
		task := s.convertIssue(issue)
		return &task, nil
	}
	return nil, nil
}

// UpdateStatus swaps the issue's luma status label and, on terminal statuses,
// leaves a comment with the run's detail (PR reference or abort reason).
func (s *GitHubTaskSource) UpdateStatus(ctx context.Context, task pipeline.Task, status TaskStatus, detail string) error {
	if task.IssueNumber == 0 {
		return nil // task did not originate from an issue
	}
	label, ok := statusLabels[status]
	if !ok {
		return NewPermanent("github", fmt.Sprintf("unknown status %q", status), nil)
	}

	return WithRetry(ctx, "github", s.retry, s.log, func(ctx context.Context) error {
		for _, old := range statusLabels {
			if old == label {
				continue
			}
			resp, err := s.client.Issues.RemoveLabelForIssue(ctx, s.cfg.Owner, s.cfg.Repo, task.IssueNumber, old)
			if err != nil && (resp == nil || resp.StatusCode != http.StatusNotFound) {
				return classifyGitHubError("removing status label", err, resp)
			}
		}
		_, resp, err := s.client.Issues.AddLabelsToIssue(ctx, s.cfg.Owner, s.cfg.Repo, task.IssueNumber, []string{label})
		if err != nil {
			return classifyGitHubError("adding status label", err, resp)
		}

		if status != TaskStatusInProgress && detail != "" {
			body := fmt.Sprintf("Run finished: **%s**\n\n%s", status, detail)
			_, resp, err = s.client.Issues.CreateComment(ctx, s.cfg.Owner, s.cfg.Repo, task.IssueNumber, &github.IssueComment{Body: &body})
			if err != nil {
				return classifyGitHubError("commenting on issue", err, resp)
			}
		}
		return nil
	})
}

func (s *GitHubTaskSource) convertIssue(issue *github.Issue) pipeline.Task {
	title := issue.GetTitle()
	requirement := title
	if body := issue.GetBody(); body != "" {
		requirement = title + "\n\n" + body
	}
	return pipeline.Task{
		ID:          uuid.NewString(),
		Requirement: requirement,
		IssueNumber: issue.GetNumber(),
		Target: pipeline.TargetRef{
			Owner:      s.cfg.Owner,
			Repo:       s.cfg.Repo,
			Branch:     BranchForIssue(issue.GetNumber(), title),
			BaseBranch: s.cfg.BaseBranch,
		},
	}
}

func hasStatusLabel(issue *github.Issue) bool {
	for _, l := range issue.Labels {
		name := l.GetName()
		for _, sl := range statusLabels {
			if name == sl {
				return true
			}
		}
	}
	return false
}

var branchSlugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// BranchForIssue derives the task branch name from an issue, e.g.
// feat/issue-12-add-pause-support, truncated to a sane length.
func BranchForIssue(number int, title string) string {
	slug := branchSlugPattern.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	name := fmt.Sprintf("feat/issue-%d", number)
	if slug != "" {
		name += "-" + slug
	}
	const maxLen = 50
	if len(name) > maxLen {
		name = strings.TrimRight(name[:maxLen], "-")
	}
	return name
}

// GitHubPublisher opens or updates the pull request for a persisted artifact.
type GitHubPublisher struct {
	client *github.Client
	cfg    GitHubConfig
	retry  RetryConfig
	log    *zap.Logger
}

// NewGitHubPublisher creates a publisher. log may be nil.
func NewGitHubPublisher(client *github.Client, cfg GitHubConfig, retry RetryConfig, log *zap.Logger) *GitHubPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &GitHubPublisher{client: client, cfg: cfg.withDefaults(), retry: retry, log: log}
}

// Publish reuses the branch's existing open pull request when one exists,
// otherwise creates one. The body comes from the repository's PR template
// when present, with the reviewer's suggested test cases appended.
func (p *GitHubPublisher) Publish(ctx context.Context, pub Publication) (pipeline.PublicationResult, error) {
	title := prTitle(pub.Task)
	body := p.buildBody(ctx, pub)

	var result pipeline.PublicationResult
	err := WithRetry(ctx, "github", p.retry, p.log, func(ctx context.Context) error {
		existing, err := p.findOpenPR(ctx, pub.Target)
		if err != nil {
			return err
		}

		if existing != nil {
			existing.Title = &title
			existing.Body = &body
			updated, resp, err := p.client.PullRequests.Edit(ctx, pub.Target.Owner, pub.Target.Repo, existing.GetNumber(), existing)
			if err != nil {
				return classifyGitHubError("updating pull request", err, resp)
			}
			result = publicationResult(pub.Artifact.ID, updated)
			return nil
		}

		created, resp, err := p.client.PullRequests.Create(ctx, pub.Target.Owner, pub.Target.Repo, &github.NewPullRequest{
			Title: &title,
			Body:  &body,
			Head:  github.String(pub.Target.Branch),
			Base:  github.String(pub.Target.BaseBranch),
		})
		if err != nil {
			return classifyGitHubError("creating pull request", err, resp)
		}
		result = publicationResult(pub.Artifact.ID, created)
		return nil
	})
	if err != nil {
		return pipeline.PublicationResult{}, err
	}

	p.log.Info("change published",
		zap.String("reference", result.Reference),
		zap.String("url", result.URL),
	)
	return result, nil
}

func (p *GitHubPublisher) findOpenPR(ctx context.Context, target pipeline.TargetRef) (*github.PullRequest, error) {
	prs, resp, err := p.client.PullRequests.List(ctx, target.Owner, target.Repo, &github.PullRequestListOptions{
		State: "open",
		Head:  target.Owner + ":" + target.Branch,
		Base:  target.BaseBranch,
	})
	if err != nil {
		return nil, classifyGitHubError("listing pull requests", err, resp)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return prs[0], nil
}

const prTemplatePath = ".github/pull_request_template.md"

func (p *GitHubPublisher) buildBody(ctx context.Context, pub Publication) string {
	body := fmt.Sprintf("Automated implementation for:\n\n%s", pub.Task.Requirement)

	content, _, resp, err := p.client.Repositories.GetContents(ctx, pub.Target.Owner, pub.Target.Repo, prTemplatePath, nil)
	if err == nil && content != nil {
		if tpl, err := content.GetContent(); err == nil && tpl != "" {
			body = strings.Replace(tpl,
				"<!-- Brief description of changes -->",
				fmt.Sprintf("Automated implementation for: %s", pub.Task.Requirement), 1)
		}
	} else if resp != nil && resp.StatusCode != http.StatusNotFound {
		p.log.Debug("pull request template unavailable", zap.Error(err))
	}

	if pub.TestAdvice != "" {
		body += "\n\n## Suggested test cases\n" + pub.TestAdvice
	}
	if pub.Task.IssueNumber > 0 {
		body += fmt.Sprintf("\n\nCloses #%d", pub.Task.IssueNumber)
	}
	return body
}

func prTitle(task pipeline.Task) string {
	title, _, _ := strings.Cut(task.Requirement, "\n")
	const maxLen = 72
	if len(title) > maxLen {
		title = title[:maxLen-3] + "..."
	}
	return "feat: " + title
}

func publicationResult(artifactID string, pr *github.PullRequest) pipeline.PublicationResult {
	return pipeline.PublicationResult{
		ArtifactID: artifactID,
		Reference:  fmt.Sprintf("PR#%d", pr.GetNumber()),
		URL:        pr.GetHTMLURL(),
	}
}

// classifyGitHubError maps API failures onto the transient/permanent split.
// Rate limits and 5xx responses are worth retrying; 4xx client errors are not.
func classifyGitHubError(op string, err error, resp *github.Response) error {
	if resp != nil && resp.Response != nil {
		code := resp.StatusCode
		switch {
		case code == http.StatusTooManyRequests:
			return NewTransient("github", op+" (rate limited)", err)
		case code == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0:
			return NewTransient("github", op+" (secondary rate limit)", err)
		case code >= 500:
			return NewTransient("github", op, err)
		default:
			return NewPermanent("github", op, err)
		}
	}
	// No response at all: connectivity problem.
	return NewTransient("github", op, err)
}
