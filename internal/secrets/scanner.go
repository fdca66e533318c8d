// Package secrets screens generated artifacts for leaked credentials before
// they are written to the repository. A single finding blocks persistence.
package secrets

import (
	"fmt"
	"sort"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"

	"github.com/lumaforge/luma/internal/pipeline"
)

// Leak is one detected secret inside an artifact file.
type Leak struct {
	Path     string // artifact-relative file path
	RuleID   string // gitleaks rule ID (e.g. "github-pat")
	RuleDesc string
	Line     int
}

func (l Leak) String() string {
	return fmt.Sprintf("%s:%d: %s (%s)", l.Path, l.Line, l.RuleDesc, l.RuleID)
}

// Scanner checks artifact contents against the gitleaks rule set.
type Scanner struct {
	detector *detect.Detector
	log      *zap.Logger
}

// NewScanner builds a scanner with the default gitleaks configuration.
// log may be nil.
func NewScanner(log *zap.Logger) (*Scanner, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("secrets: creating detector: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{detector: detector, log: log}, nil
}

// ScanArtifact scans every file in the artifact and returns all leaks found,
// ordered by path then line. An empty slice means the artifact is clean.
func (s *Scanner) ScanArtifact(artifact pipeline.Artifact) []Leak {
	var leaks []Leak
	for path, content := range artifact.Files {
		for _, f := range s.detector.DetectString(content) {
			leaks = append(leaks, Leak{
				Path:     path,
				RuleID:   f.RuleID,
				RuleDesc: f.Description,
				Line:     f.StartLine,
			})
		}
	}
	sort.Slice(leaks, func(i, j int) bool {
		if leaks[i].Path != leaks[j].Path {
			return leaks[i].Path < leaks[j].Path
		}
		return leaks[i].Line < leaks[j].Line
	})

	if len(leaks) > 0 {
		s.log.Warn("artifact contains potential secrets",
			zap.String("artifact_id", artifact.ID),
			zap.Int("leaks", len(leaks)),
		)
	}
	return leaks
}

// Findings converts leaks into the pipeline's finding form so they can feed a
// regeneration cycle like any other quality failure.
func Findings(leaks []Leak) pipeline.FindingsList {
	out := make(pipeline.FindingsList, 0, len(leaks))
	for _, l := range leaks {
		out = append(out, pipeline.Finding{
			Severity: "critical",
			Message:  fmt.Sprintf("remove hardcoded secret: %s (%s)", l.RuleDesc, l.RuleID),
			File:     l.Path,
			Line:     l.Line,
		})
	}
	return out
}
