package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/lumaforge/luma/internal/pipeline"
)

// GitPersisterConfig configures the git-backed Persister.
type GitPersisterConfig struct {
	// WorkDir is the local clone of the target repository.
	WorkDir string

	// Token authenticates the push. Empty disables pushing, which is only
	// useful for local testing.
	Token string

	// AuthorName and AuthorEmail sign the commits.
	AuthorName  string
	AuthorEmail string

	// RemoteName defaults to origin.
	RemoteName string
}

// GitPersister applies an approved artifact to a working clone: checks out
// the task branch, writes the files, commits and pushes.
type GitPersister struct {
	cfg GitPersisterConfig
	log *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewGitPersister creates a persister. log may be nil.
func NewGitPersister(cfg GitPersisterConfig, log *zap.Logger) (*GitPersister, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("git: work dir required")
	}
	if cfg.RemoteName == "" {
		cfg.RemoteName = "origin"
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "luma"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "luma@localhost"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GitPersister{cfg: cfg, log: log, now: time.Now}, nil
}

// Persist writes the artifact onto the target branch and commits. Returns the
// commit SHA and the paths written. Network failures during push are
// transient; everything else is permanent for this artifact.
func (p *GitPersister) Persist(ctx context.Context, artifact pipeline.Artifact, target pipeline.TargetRef) (pipeline.WriteResult, error) {
	repo, err := git.PlainOpen(p.cfg.WorkDir)
	if err != nil {
		return pipeline.WriteResult{}, NewPermanent("git", "opening work dir", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return pipeline.WriteResult{}, NewPermanent("git", "opening worktree", err)
	}

	if err := p.checkoutBranch(wt, target.Branch); err != nil {
		return pipeline.WriteResult{}, err
	}

	paths, err := p.writeFiles(wt, artifact)
	if err != nil {
		return pipeline.WriteResult{}, err
	}

	msg := commitMessage(artifact, target)
	sha, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  p.cfg.AuthorName,
			Email: p.cfg.AuthorEmail,
			When:  p.now(),
		},
	})
	if err != nil {
		return pipeline.WriteResult{}, NewPermanent("git", "committing", err)
	}

	p.log.Info("artifact committed",
		zap.String("branch", target.Branch),
		zap.String("commit", sha.String()),
		zap.Int("files", len(paths)),
	)

	if p.cfg.Token != "" {
		if err := p.push(ctx, repo, target.Branch); err != nil {
			return pipeline.WriteResult{}, err
		}
	}

	return pipeline.WriteResult{
		ArtifactID: artifact.ID,
		CommitSHA:  sha.String(),
		Paths:      paths,
	}, nil
}

func (p *GitPersister) checkoutBranch(wt *git.Worktree, branch string) error {
	ref := plumbing.NewBranchReferenceName(branch)
	err := wt.Checkout(&git.CheckoutOptions{Branch: ref})
	if err == nil {
		return nil
	}
	// Branch does not exist locally yet; create it from the current head.
	err = wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: true})
	if err != nil {
		return NewPermanent("git", fmt.Sprintf("checking out branch %s", branch), err)
	}
	return nil
}

func (p *GitPersister) writeFiles(wt *git.Worktree, artifact pipeline.Artifact) ([]string, error) {
	paths := SortedPaths(artifact)
	for _, rel := range paths {
		clean, err := SanitizePath(rel)
		if err != nil {
			return nil, NewPermanent("git", "validating artifact path", err)
		}
		abs := filepath.Join(p.cfg.WorkDir, filepath.FromSlash(clean))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, NewPermanent("git", "creating directories", err)
		}
		if err := os.WriteFile(abs, []byte(artifact.Files[rel]), 0o644); err != nil {
			return nil, NewPermanent("git", fmt.Sprintf("writing %s", clean), err)
		}
		if _, err := wt.Add(clean); err != nil {
			return nil, NewPermanent("git", fmt.Sprintf("staging %s", clean), err)
		}
	}
	return paths, nil
}

func (p *GitPersister) push(ctx context.Context, repo *git.Repository, branch string) error {
	refspec := fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)
	err := repo.PushContext(ctx, &git.PushOptions{
		RemoteName: p.cfg.RemoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(refspec)},
		Auth: &githttp.BasicAuth{
			Username: "x-access-token",
			Password: p.cfg.Token,
		},
	})
	if err == git.NoErrAlreadyUpToDate {
		return nil
	}
	if err != nil {
		// Push talks to the remote; failures here are infrastructure.
		return NewTransient("git", fmt.Sprintf("pushing %s", branch), err)
	}
	return nil
}

func commitMessage(artifact pipeline.Artifact, target pipeline.TargetRef) string {
	return fmt.Sprintf("luma: apply change set v%d to %s", artifact.Sequence, target.Branch)
}
