package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

// Workflow is a CI workflow definition loaded from YAML.
type Workflow struct {
	Name string            `yaml:"name" json:"name"`
	On   Triggers          `yaml:"on" json:"on"`
	Env  map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Jobs map[string]*Job   `yaml:"jobs" json:"jobs"`

	// Source is the file the workflow was loaded from. Set by the loader.
	Source string `yaml:"-" json:"source,omitempty"`
}

// Triggers is the event filter surface: which events start the workflow.
type Triggers struct {
	Push        *BranchFilter `yaml:"push,omitempty" json:"push,omitempty"`
	PullRequest *BranchFilter `yaml:"pull_request,omitempty" json:"pullRequest,omitempty"`
}

// BranchFilter restricts a trigger to a set of branches. Entries may use
// path.Match globs ("release/*"). An empty list matches every branch.
type BranchFilter struct {
	Branches []string `yaml:"branches,omitempty" json:"branches,omitempty"`
}

// Job is a named unit of work within a workflow.
type Job struct {
	Name  string            `yaml:"-" json:"name"`
	Needs StringList        `yaml:"needs,omitempty" json:"needs,omitempty"`
	If    string            `yaml:"if,omitempty" json:"if,omitempty"`
	Env   map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Steps []Step            `yaml:"steps" json:"steps"`
}

// Step is a single command or builtin action within a job.
type Step struct {
	Name             string            `yaml:"name,omitempty" json:"name,omitempty"`
	Run              string            `yaml:"run,omitempty" json:"run,omitempty"`
	Uses             string            `yaml:"uses,omitempty" json:"uses,omitempty"`
	With             map[string]string `yaml:"with,omitempty" json:"with,omitempty"`
	Env              map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Timeout          string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	WorkingDirectory string            `yaml:"working-directory,omitempty" json:"workingDirectory,omitempty"`
	ContinueOnError  bool              `yaml:"continue-on-error,omitempty" json:"continueOnError,omitempty"`
}

// Label returns the step's display name: Name when set, otherwise the
// command or action it runs.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Uses != "" {
		return s.Uses
	}
	line := strings.TrimSpace(s.Run)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return line
}

// StringList accepts both a YAML scalar and a YAML sequence, so
// `needs: CI` and `needs: [CI, lint]` both parse.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	}
	var out []string
	if err := node.Decode(&out); err != nil {
		return err
	}
	*l = StringList(out)
	return nil
}

// SplitUses separates a builtin action reference into action and version:
// "coverage/upload@v2" -> ("coverage/upload", "v2"). Missing version is "".
func SplitUses(uses string) (action, version string) {
	action, version, _ = strings.Cut(uses, "@")
	return action, version
}

// Hash returns a stable digest of the job definition. Used as part of the
// job result cache key so edited jobs never reuse stale results.
func (j *Job) Hash() string {
	raw, err := json.Marshal(j)
	if err != nil {
		// Job definitions are plain maps/strings; Marshal cannot fail on them.
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
