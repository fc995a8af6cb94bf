// Package drawer renders a workflow's job DAG as a DOT digraph, with node
// colours reflecting run status when one is supplied.
package drawer

import (
	"io"
	"sort"
	"text/template"

	"github.com/pkg/errors"
	"gopkg.in/go-playground/colors.v1"

	"github.com/calebmorton/ci-runner-service/internal/models"
	"github.com/calebmorton/ci-runner-service/internal/plan"
)

//nolint:lll //this is a template
const dotTemplate = `strict digraph {
	label="{{.Name}}";
	rankdir="LR";
	node [shape=box, style=filled, fontname="Helvetica"];
	{{range .Nodes}}
	"{{.Name}}" [ fillcolor="{{.Color}}" ];
	{{end}}
	{{range .Edges}}
	"{{.From}}" -> "{{.To}}";
	{{end}}
}
`

type description struct {
	Name  string
	Nodes []node
	Edges []edge
}

type node struct {
	Name  string
	Color string
}

type edge struct {
	From string
	To   string
}

// Draw writes the DOT digraph for the plan. statuses may be nil (all nodes
// neutral) or map job names to their current run status.
func Draw(wrt io.Writer, p *plan.Plan, statuses map[string]models.Status) error {
	desc := description{Name: p.Workflow().Name}

	names := append([]string(nil), p.Order()...)
	sort.Strings(names)
	for _, name := range names {
		color, err := statusColor(statuses[name])
		if err != nil {
			return err
		}
		desc.Nodes = append(desc.Nodes, node{Name: name, Color: color})
	}
	for _, e := range p.Edges() {
		desc.Edges = append(desc.Edges, edge{From: e[0], To: e[1]})
	}

	tpl, err := template.New("dotTemplate").Parse(dotTemplate)
	if err != nil {
		return errors.Wrap(err, "parse template")
	}
	if err := tpl.Execute(wrt, desc); err != nil {
		return errors.Wrap(err, "execute template")
	}
	return nil
}

// statusColor maps a run status to a fill colour.
func statusColor(st models.Status) (string, error) {
	var r, g, b uint8
	switch st {
	case models.StatusSuccess:
		r, g, b = 46, 160, 67
	case models.StatusFailure:
		r, g, b = 207, 34, 46
	case models.StatusRunning:
		r, g, b = 9, 105, 218
	case models.StatusSkipped, models.StatusCancelled:
		r, g, b = 139, 148, 158
	default: // queued or no status
		r, g, b = 234, 238, 242
	}
	c, err := colors.RGB(r, g, b)
	if err != nil {
		return "", errors.Wrap(err, "unable to get colour")
	}
	return c.ToHEX().String(), nil
}
