package coverage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/calebmorton/ci-runner-service/internal/models"
	"github.com/calebmorton/ci-runner-service/internal/runner"
)

// fakeUploader records the last upload and returns a configured error.
type fakeUploader struct {
	last Upload
	err  error
}

func (f *fakeUploader) Upload(ctx context.Context, up Upload) error {
	f.last = up
	return f.err
}

func (f *fakeUploader) Validate(ctx context.Context) error { return nil }

func actionInvocation(t *testing.T, with map[string]string) runner.Invocation {
	t.Helper()
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "coverage.out"), []byte("mode: set\n"), 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}
	return runner.Invocation{
		With:      with,
		Workspace: ws,
		Event: models.Event{
			Name:    models.EventPush,
			Repo:    "octocat/reat",
			Ref:     "refs/heads/main",
			Branch:  "main",
			HeadSHA: "abc1234",
		},
	}
}

// TestAction_UploadsDefaultReport verifies the default coverage.out glob
// is found and uploaded with the event metadata.
func TestAction_UploadsDefaultReport(t *testing.T) {
	up := &fakeUploader{}
	action := NewAction(up, zap.NewNop())

	out, err := action(context.Background(), actionInvocation(t, nil))
	if err != nil {
		t.Fatalf("action error = %v", err)
	}
	if !strings.Contains(out, "uploaded 1 report(s)") {
		t.Errorf("output = %q", out)
	}
	if up.last.SHA != "abc1234" || up.last.Repo != "octocat/reat" {
		t.Errorf("upload metadata = %+v", up.last)
	}
	if len(up.last.Files) != 1 {
		t.Fatalf("files = %v, want 1 entry", up.last.Files)
	}
}

// TestAction_FailCIIfError verifies fail_ci_if_error controls whether an
// upload failure fails the step.
func TestAction_FailCIIfError(t *testing.T) {
	upErr := errors.New("upstream down")

	// Default: failure propagates.
	up := &fakeUploader{err: upErr}
	action := NewAction(up, zap.NewNop())
	if _, err := action(context.Background(), actionInvocation(t, map[string]string{"fail_ci_if_error": "true"})); !errors.Is(err, upErr) {
		t.Fatalf("action error = %v, want upload error", err)
	}

	// fail_ci_if_error: false swallows it.
	up = &fakeUploader{err: upErr}
	action = NewAction(up, zap.NewNop())
	out, err := action(context.Background(), actionInvocation(t, map[string]string{"fail_ci_if_error": "false"}))
	if err != nil {
		t.Fatalf("action error = %v, want nil", err)
	}
	if !strings.Contains(out, "ignored") {
		t.Errorf("output = %q", out)
	}
}

// TestAction_NoMatches verifies behavior when no report matches the globs.
func TestAction_NoMatches(t *testing.T) {
	up := &fakeUploader{}
	action := NewAction(up, zap.NewNop())

	inv := actionInvocation(t, map[string]string{"files": "lcov.info"})
	if _, err := action(context.Background(), inv); !errors.Is(err, ErrReportNotFound) {
		t.Fatalf("action error = %v, want ErrReportNotFound", err)
	}

	inv.With["fail_ci_if_error"] = "false"
	out, err := action(context.Background(), inv)
	if err != nil {
		t.Fatalf("action error = %v, want nil", err)
	}
	if !strings.Contains(out, "skipped") {
		t.Errorf("output = %q", out)
	}
}
