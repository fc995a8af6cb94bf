package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const loaderYAML = `
name: CI
on:
  push:
    branches: [main]
jobs:
  build:
    steps:
      - run: cargo build
`

func writeWorkflow(t *testing.T, dir, file, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "ci.yaml", loaderYAML)
	writeWorkflow(t, dir, "notes.txt", "not a workflow")

	set, err := LoadDir(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"CI"}, set.Names())
	require.NotNil(t, set.Get("CI"))
	assert.Equal(t, filepath.Join(dir, "ci.yaml"), set.Get("CI").Source)
	assert.Nil(t, set.Get("missing"))
	assert.Len(t, set.All(), 1)
}

func TestLoadDirEmptyDirIsValid(t *testing.T) {
	set, err := LoadDir(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, set.Names())
}

func TestLoadDirRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "a.yaml", loaderYAML)
	writeWorkflow(t, dir, "b.yaml", loaderYAML)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate workflow name "CI"`)
}

func TestLoadDirFailsWholeLoadOnBadFile(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "ci.yaml", loaderYAML)
	writeWorkflow(t, dir, "broken.yaml", "jobs: [")

	_, err := LoadDir(dir)
	require.Error(t, err, "a bad file must fail the whole load, never a partial set")
}

func TestHolderReloadSwapsSet(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "ci.yaml", loaderYAML)

	holder, err := NewHolder(dir, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"CI"}, holder.Get().Names())

	nightly := `
name: nightly
on:
  push:
    branches: [main]
jobs:
  build:
    steps:
      - run: cargo build --release
`
	writeWorkflow(t, dir, "nightly.yaml", nightly)
	require.NoError(t, holder.Reload())
	assert.Equal(t, []string{"CI", "nightly"}, holder.Get().Names())
}

func TestHolderReloadKeepsPreviousSetOnError(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "ci.yaml", loaderYAML)

	holder, err := NewHolder(dir, zap.NewNop())
	require.NoError(t, err)

	writeWorkflow(t, dir, "ci.yaml", "jobs: [")
	require.Error(t, holder.Reload())
	assert.Equal(t, []string{"CI"}, holder.Get().Names(), "bad edit must not take workflows away")
}
