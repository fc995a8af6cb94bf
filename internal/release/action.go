package release

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/calebmorton/ci-runner-service/internal/runner"
)

const defaultTag = "latest"

// NewAction adapts a Publisher into the `release/publish` builtin action.
//
// with:
//
//	files:                    comma- or newline-separated artifact globs,
//	                          relative to the workspace (required)
//	tag:                      release tag (default "latest")
//	prerelease:               "false" publishes a full release
//	                          (default "true")
//	fail_on_unmatched_files:  "false" tolerates globs with no matches
//	                          (default "true")
func NewAction(pub Publisher, logger *zap.Logger) runner.ActionFunc {
	return func(ctx context.Context, inv runner.Invocation) (string, error) {
		globs := splitPatterns(inv.With["files"])
		if len(globs) == 0 {
			return "", fmt.Errorf("%w: with.files is required", ErrNoArtifacts)
		}

		failOnUnmatched := inv.With["fail_on_unmatched_files"] != "false"

		var files []string
		for _, g := range globs {
			matches, err := filepath.Glob(filepath.Join(inv.Workspace, g))
			if err != nil {
				return "", fmt.Errorf("bad files pattern %q: %w", g, err)
			}
			if len(matches) == 0 {
				if failOnUnmatched {
					return "", fmt.Errorf("%w: pattern %q matched no files", ErrNoArtifacts, g)
				}
				logger.Warn("release pattern matched no files", zap.String("pattern", g))
				continue
			}
			files = append(files, matches...)
		}
		if len(files) == 0 {
			return "", ErrNoArtifacts
		}

		tag := inv.With["tag"]
		if tag == "" {
			tag = defaultTag
		}

		manifest, err := pub.Publish(ctx, Release{
			Repo:       inv.Event.Repo,
			Tag:        tag,
			SHA:        inv.Event.HeadSHA,
			Prerelease: inv.With["prerelease"] != "false",
			Files:      files,
		})
		if err != nil {
			return "", err
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "published %s (%d artifact(s)) at %s\n", manifest.Tag, len(manifest.Artifacts), manifest.SHA)
		for _, a := range manifest.Artifacts {
			fmt.Fprintf(&sb, "  %s  %d bytes  sha256:%s\n", a.Name, a.Size, a.SHA256)
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	}
}

// splitPatterns accepts both comma- and newline-separated pattern lists,
// so YAML block scalars and inline values both work.
func splitPatterns(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
