package coverage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/calebmorton/ci-runner-service/internal/degraded"
	"github.com/calebmorton/ci-runner-service/internal/runner"
)

const defaultReportGlob = "coverage.out"

// NewAction adapts an Uploader into the `coverage/upload` builtin action.
//
// with:
//
//	files:            comma-separated report globs, relative to the
//	                  workspace (default "coverage.out")
//	flags:            forwarded to the coverage service
//	fail_ci_if_error: "false" turns upload failures into a logged warning
//	                  instead of failing the step (default "true")
func NewAction(up Uploader, logger *zap.Logger) runner.ActionFunc {
	return func(ctx context.Context, inv runner.Invocation) (string, error) {
		globs := splitList(inv.With["files"])
		if len(globs) == 0 {
			globs = []string{defaultReportGlob}
		}

		var files []string
		for _, g := range globs {
			matches, err := filepath.Glob(filepath.Join(inv.Workspace, g))
			if err != nil {
				return "", fmt.Errorf("bad files pattern %q: %w", g, err)
			}
			files = append(files, matches...)
		}
		failOnError := inv.With["fail_ci_if_error"] != "false"

		if len(files) == 0 {
			err := fmt.Errorf("%w: no files matched %s", ErrReportNotFound, strings.Join(globs, ", "))
			if failOnError {
				return "", err
			}
			logger.Warn("coverage upload skipped", zap.Error(err))
			return "coverage upload skipped: " + err.Error(), nil
		}

		err := up.Upload(ctx, Upload{
			Repo:   inv.Event.Repo,
			SHA:    inv.Event.HeadSHA,
			Branch: inv.Event.Branch,
			Flags:  inv.With["flags"],
			Files:  files,
		})
		if err != nil {
			// Kick the recovery loop; it probes the upstream with Validate
			// and clears degraded state once uploads work again.
			degraded.NotifyDegraded()
			if failOnError {
				return "", err
			}
			logger.Warn("coverage upload failed",
				zap.String("sha", inv.Event.HeadSHA),
				zap.Error(err))
			return "coverage upload failed (ignored): " + err.Error(), nil
		}

		return fmt.Sprintf("uploaded %d report(s) for %s", len(files), inv.Event.HeadSHA), nil
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
