package drawer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmorton/ci-runner-service/internal/models"
	"github.com/calebmorton/ci-runner-service/internal/plan"
	"github.com/calebmorton/ci-runner-service/internal/workflow"
)

func TestDraw(t *testing.T) {
	wf, err := workflow.Parse("ci", []byte(`
on:
  push:
    branches: [main]
jobs:
  CI:
    steps: [{run: "cargo test"}]
  codecov:
    needs: CI
    steps: [{uses: "coverage/upload"}]
  pre-release:
    needs: CI
    steps: [{run: "cargo build --release"}]
`))
	require.NoError(t, err)
	p, err := plan.Build(wf)
	require.NoError(t, err)

	var sb strings.Builder
	err = Draw(&sb, p, map[string]models.Status{
		"CI":          models.StatusSuccess,
		"codecov":     models.StatusRunning,
		"pre-release": models.StatusQueued,
	})
	require.NoError(t, err)

	out := sb.String()
	assert.Contains(t, out, `strict digraph`)
	assert.Contains(t, out, `label="ci"`)
	assert.Contains(t, out, `"CI" -> "codecov"`)
	assert.Contains(t, out, `"CI" -> "pre-release"`)
	// Success green on the CI node.
	assert.Contains(t, out, `"CI" [ fillcolor="#2ea043" ]`)
}

func TestDraw_NilStatuses(t *testing.T) {
	wf, err := workflow.Parse("one", []byte(`
on:
  push: {}
jobs:
  build:
    steps: [{run: "make"}]
`))
	require.NoError(t, err)
	p, err := plan.Build(wf)
	require.NoError(t, err)

	var sb strings.Builder
	require.NoError(t, Draw(&sb, p, nil))
	assert.Contains(t, sb.String(), `"build"`)
}
