package workflow

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullWorkflowYAML = `
name: CI
on:
  push:
    branches: [main, dev]
  pull_request:
    branches: [main, dev]
env:
  CARGO_TERM_COLOR: always
jobs:
  CI:
    steps:
      - uses: checkout
      - name: Test
        run: cargo test
  codecov:
    needs: CI
    if: event.name == 'push' && event.ref == 'refs/heads/main'
    steps:
      - uses: coverage/upload
        with:
          files: coverage.out
          fail_ci_if_error: "true"
`

func TestParseFullWorkflow(t *testing.T) {
	wf, err := Parse("ci", []byte(fullWorkflowYAML))
	require.NoError(t, err)

	want := &Workflow{
		Name: "CI",
		On: Triggers{
			Push:        &BranchFilter{Branches: []string{"main", "dev"}},
			PullRequest: &BranchFilter{Branches: []string{"main", "dev"}},
		},
		Env: map[string]string{"CARGO_TERM_COLOR": "always"},
		Jobs: map[string]*Job{
			"CI": {
				Name: "CI",
				Steps: []Step{
					{Uses: "checkout"},
					{Name: "Test", Run: "cargo test"},
				},
			},
			"codecov": {
				Name:  "codecov",
				Needs: StringList{"CI"},
				If:    "event.name == 'push' && event.ref == 'refs/heads/main'",
				Steps: []Step{
					{Uses: "coverage/upload", With: map[string]string{
						"files":            "coverage.out",
						"fail_ci_if_error": "true",
					}},
				},
			},
		},
	}
	if diff := cmp.Diff(want, wf); diff != "" {
		t.Errorf("parsed workflow mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDefaultsNameFromFile(t *testing.T) {
	yaml := `
on:
  push: {}
jobs:
  build:
    steps:
      - run: make
`
	wf, err := Parse("nightly", []byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "nightly", wf.Name)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	yaml := `
name: CI
on:
  push: {}
jobs:
  build:
    step:
      - run: make
`
	_, err := Parse("ci", []byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field step not found")
}

func TestParseNeedsAcceptsScalarAndList(t *testing.T) {
	yaml := `
on:
  push: {}
jobs:
  a:
    steps: [{run: echo a}]
  b:
    steps: [{run: echo b}]
  scalar:
    needs: a
    steps: [{run: echo s}]
  list:
    needs: [a, b]
    steps: [{run: echo l}]
`
	wf, err := Parse("ci", []byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, StringList{"a"}, wf.Jobs["scalar"].Needs)
	assert.Equal(t, StringList{"a", "b"}, wf.Jobs["list"].Needs)
}

func TestValidateErrors(t *testing.T) {
	base := func() *Workflow {
		return &Workflow{
			Name: "CI",
			On:   Triggers{Push: &BranchFilter{}},
			Jobs: map[string]*Job{
				"build": {Name: "build", Steps: []Step{{Run: "make"}}},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Workflow)
		want   error
	}{
		{"no triggers", func(wf *Workflow) { wf.On = Triggers{} }, ErrNoTriggers},
		{"no jobs", func(wf *Workflow) { wf.Jobs = nil }, ErrNoJobs},
		{"no steps", func(wf *Workflow) { wf.Jobs["build"].Steps = nil }, ErrNoSteps},
		{"run and uses", func(wf *Workflow) {
			wf.Jobs["build"].Steps = []Step{{Run: "make", Uses: "checkout"}}
		}, ErrStepShape},
		{"neither run nor uses", func(wf *Workflow) {
			wf.Jobs["build"].Steps = []Step{{Name: "empty"}}
		}, ErrStepShape},
		{"unknown uses", func(wf *Workflow) {
			wf.Jobs["build"].Steps = []Step{{Uses: "docker/build"}}
		}, ErrUnknownUses},
		{"unknown needs", func(wf *Workflow) {
			wf.Jobs["build"].Needs = StringList{"missing"}
		}, ErrUnknownNeeds},
		{"self needs", func(wf *Workflow) {
			wf.Jobs["build"].Needs = StringList{"build"}
		}, ErrSelfNeeds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := base()
			tt.mutate(wf)
			err := Validate(wf)
			require.Error(t, err)
			assert.Equal(t, tt.want, errors.Cause(err))
		})
	}
}

func TestValidateAcceptsVersionedUses(t *testing.T) {
	wf := &Workflow{
		Name: "CI",
		On:   Triggers{Push: &BranchFilter{}},
		Jobs: map[string]*Job{
			"upload": {Name: "upload", Steps: []Step{{Uses: "coverage/upload@v2"}}},
		},
	}
	assert.NoError(t, Validate(wf))
}

func TestValidateRejectsBadTimeout(t *testing.T) {
	wf := &Workflow{
		Name: "CI",
		On:   Triggers{Push: &BranchFilter{}},
		Jobs: map[string]*Job{
			"build": {Name: "build", Steps: []Step{{Run: "make", Timeout: "soon"}}},
		},
	}
	require.Error(t, Validate(wf))
}

func TestValidateRejectsIllegalJobName(t *testing.T) {
	wf := &Workflow{
		Name: "CI",
		On:   Triggers{Push: &BranchFilter{}},
		Jobs: map[string]*Job{
			"bad name!": {Name: "bad name!", Steps: []Step{{Run: "make"}}},
		},
	}
	require.Error(t, Validate(wf))
}

func TestSplitUses(t *testing.T) {
	action, version := SplitUses("coverage/upload@v2")
	assert.Equal(t, "coverage/upload", action)
	assert.Equal(t, "v2", version)

	action, version = SplitUses("checkout")
	assert.Equal(t, "checkout", action)
	assert.Equal(t, "", version)
}

func TestStepLabel(t *testing.T) {
	assert.Equal(t, "Test", Step{Name: "Test", Run: "cargo test"}.Label())
	assert.Equal(t, "checkout", Step{Uses: "checkout"}.Label())
	assert.Equal(t, "cargo test", Step{Run: "cargo test\ncargo bench"}.Label())
}

func TestJobHashChangesWithDefinition(t *testing.T) {
	a := &Job{Name: "build", Steps: []Step{{Run: "make"}}}
	b := &Job{Name: "build", Steps: []Step{{Run: "make lint"}}}

	assert.NotEmpty(t, a.Hash())
	assert.Equal(t, a.Hash(), a.Hash(), "hash must be stable")
	assert.NotEqual(t, a.Hash(), b.Hash(), "edited job must hash differently")
}
