package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// CheckoutAction implements the builtin `checkout` action. With a "url" in
// with: it clones the repository into the workspace and checks out the
// event's head SHA; without one it only ensures the workspace directory
// exists, for setups where the sources are mounted in place.
type CheckoutAction struct{}

// Run implements Action.
func (CheckoutAction) Run(ctx context.Context, inv Invocation) (string, error) {
	if err := os.MkdirAll(inv.Workspace, 0o755); err != nil {
		return "", errors.Wrap(err, "create workspace")
	}

	url := inv.With["url"]
	if url == "" {
		return fmt.Sprintf("workspace ready at %s", inv.Workspace), nil
	}

	var log strings.Builder
	out, err := gitCmd(ctx, inv.Workspace, "clone", "--depth", "50", url, ".")
	log.WriteString(out)
	if err != nil {
		return log.String(), errors.Wrap(err, "clone")
	}
	if inv.Event.HeadSHA != "" {
		out, err = gitCmd(ctx, inv.Workspace, "checkout", "--detach", inv.Event.HeadSHA)
		log.WriteString(out)
		if err != nil {
			return log.String(), errors.Wrapf(err, "checkout %s", inv.Event.HeadSHA)
		}
	}
	return log.String(), nil
}

func gitCmd(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
