package workflow

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Parse decodes a workflow definition. Unknown YAML fields are rejected so
// typos in trigger or job keys fail at load time instead of silently never
// matching. name is used as the workflow name when the file sets none
// (typically the file basename without extension).
func Parse(name string, data []byte) (*Workflow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var wf Workflow
	if err := dec.Decode(&wf); err != nil {
		return nil, errors.Wrap(err, "decode workflow")
	}

	if wf.Name == "" {
		wf.Name = name
	}
	for jobName, job := range wf.Jobs {
		if job == nil {
			return nil, errors.Errorf("job %q is empty", jobName)
		}
		job.Name = jobName
	}

	if err := Validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ParseFile reads and parses a workflow file. The default workflow name is
// the file basename without extension.
func ParseFile(path string, data []byte) (*Workflow, error) {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	wf, err := Parse(name, data)
	if err != nil {
		return nil, errors.Wrapf(err, "workflow %s", path)
	}
	wf.Source = path
	return wf, nil
}
