package providers

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"

	"github.com/lumaforge/luma/internal/pipeline"
)

func TestBranchForIssue(t *testing.T) {
	tests := []struct {
		name   string
		number int
		title  string
		want   string
	}{
		{
			name:   "simple title",
			number: 12,
			title:  "Add pause support",
			want:   "feat/issue-12-add-pause-support",
		},
		{
			name:   "punctuation and case",
			number: 7,
			title:  "Fix: scoring Bug (T-spin)!!",
			want:   "feat/issue-7-fix-scoring-bug-t-spin",
		},
		{
			name:   "long title truncated",
			number: 345,
			title:  "Implement a very long feature title that will definitely exceed the limit",
			want:   "feat/issue-345-implement-a-very-long-feature-title",
		},
		{
			name:   "empty title",
			number: 3,
			title:  "",
			want:   "feat/issue-3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BranchForIssue(tt.number, tt.title)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), 50)
			assert.NotEqual(t, "-", got[len(got)-1:])
		})
	}
}

func TestPRTitle(t *testing.T) {
	short := pipeline.Task{Requirement: "Add pause support\n\nDetails here"}
	assert.Equal(t, "feat: Add pause support", prTitle(short))

	long := pipeline.Task{Requirement: "This requirement first line is deliberately far longer than seventy-two characters so it gets cut"}
	got := prTitle(long)
	assert.LessOrEqual(t, len(got), len("feat: ")+72)
	assert.Contains(t, got, "...")
}

func ghResp(code int) *github.Response {
	return &github.Response{Response: &http.Response{StatusCode: code}}
}

func TestClassifyGitHubError(t *testing.T) {
	apiErr := errors.New("api failure")

	assert.True(t, IsTransient(classifyGitHubError("op", apiErr, ghResp(http.StatusBadGateway))))
	assert.True(t, IsTransient(classifyGitHubError("op", apiErr, ghResp(http.StatusTooManyRequests))))
	assert.False(t, IsTransient(classifyGitHubError("op", apiErr, ghResp(http.StatusNotFound))))
	assert.False(t, IsTransient(classifyGitHubError("op", apiErr, ghResp(http.StatusUnprocessableEntity))))

	// No response means the call never reached the API.
	assert.True(t, IsTransient(classifyGitHubError("op", apiErr, nil)))

	exhaustedRate := ghResp(http.StatusForbidden)
	exhaustedRate.Rate = github.Rate{Limit: 5000, Remaining: 0}
	assert.True(t, IsTransient(classifyGitHubError("op", apiErr, exhaustedRate)))

	plainForbidden := ghResp(http.StatusForbidden)
	assert.False(t, IsTransient(classifyGitHubError("op", apiErr, plainForbidden)))
}

func TestGitHubConfigDefaults(t *testing.T) {
	cfg := GitHubConfig{Owner: "lumaforge", Repo: "tetris-battle"}.withDefaults()
	assert.Equal(t, "luma", cfg.IntakeLabel)
	assert.Equal(t, "main", cfg.BaseBranch)
}
