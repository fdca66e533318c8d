package providers

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/lumaforge/luma/internal/pipeline"
)

// fileTagPattern matches the generator's multi-file output format:
//
//	<file path="client/logic.go">
//	package logic
//	</file>
var fileTagPattern = regexp.MustCompile(`(?s)<file path="([^"]+)">\s*(.*?)\s*</file>`)

// ParseArtifactFiles extracts the file set from raw generator output.
// Paths are normalized and validated; output with no file blocks is an error
// since an empty change set cannot be reviewed or tested.
func ParseArtifactFiles(raw string) (map[string]string, error) {
	matches := fileTagPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no file blocks found in generator output")
	}

	files := make(map[string]string, len(matches))
	for _, m := range matches {
		p, err := SanitizePath(m[1])
		if err != nil {
			return nil, err
		}
		files[p] = m[2] + "\n"
	}
	return files, nil
}

// SanitizePath normalizes an artifact-relative path and rejects anything that
// could escape the target tree.
func SanitizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("empty artifact path")
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return "", fmt.Errorf("absolute artifact path %q rejected", p)
	}
	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("artifact path %q escapes the target tree", p)
	}
	return clean, nil
}

// SortedPaths returns the artifact's file paths in deterministic order.
func SortedPaths(a pipeline.Artifact) []string {
	paths := make([]string, 0, len(a.Files))
	for p := range a.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
