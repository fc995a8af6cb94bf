// Package plan builds the execution plan (job DAG) for a workflow.
package plan

import (
	"sort"

	"github.com/dominikbraun/graph"
	"github.com/pkg/errors"

	"github.com/calebmorton/ci-runner-service/internal/workflow"
)

// Plan is the dependency-ordered execution plan for a workflow's jobs.
// Jobs within a layer have no dependencies on each other and may run
// concurrently; layer n+1 starts only after layer n settled.
type Plan struct {
	wf     *workflow.Workflow
	g      graph.Graph[string, string]
	order  []string
	layers [][]string
}

// Build constructs the job graph from `needs` edges. A dependency cycle is
// rejected here (the graph itself refuses the edge), so cyclic workflows
// fail at load time rather than hanging at run time.
func Build(wf *workflow.Workflow) (*Plan, error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	names := make([]string, 0, len(wf.Jobs))
	for name := range wf.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := g.AddVertex(name); err != nil {
			return nil, errors.Wrapf(err, "add job %q", name)
		}
	}
	for _, name := range names {
		for _, dep := range wf.Jobs[name].Needs {
			if err := g.AddEdge(dep, name); err != nil {
				return nil, errors.Wrapf(err, "job %q needs %q", name, dep)
			}
		}
	}

	order, err := graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, errors.Wrap(err, "order jobs")
	}

	layers, err := layerize(wf, names)
	if err != nil {
		return nil, err
	}

	return &Plan{wf: wf, g: g, order: order, layers: layers}, nil
}

// layerize assigns each job the layer 1 + max(layer of needs). Build has
// already rejected cycles, so the fixpoint always terminates.
func layerize(wf *workflow.Workflow, names []string) ([][]string, error) {
	level := make(map[string]int, len(names))
	var resolve func(name string, depth int) (int, error)
	resolve = func(name string, depth int) (int, error) {
		if depth > len(names) {
			return 0, errors.Errorf("dependency chain too deep at job %q", name)
		}
		if l, ok := level[name]; ok {
			return l, nil
		}
		max := 0
		for _, dep := range wf.Jobs[name].Needs {
			dl, err := resolve(dep, depth+1)
			if err != nil {
				return 0, err
			}
			if dl+1 > max {
				max = dl + 1
			}
		}
		level[name] = max
		return max, nil
	}

	maxLevel := 0
	for _, name := range names {
		l, err := resolve(name, 0)
		if err != nil {
			return nil, err
		}
		if l > maxLevel {
			maxLevel = l
		}
	}

	layers := make([][]string, maxLevel+1)
	for _, name := range names {
		l := level[name]
		layers[l] = append(layers[l], name)
	}
	return layers, nil
}

// Workflow returns the workflow the plan was built from.
func (p *Plan) Workflow() *workflow.Workflow { return p.wf }

// Order returns all job names in a stable topological order.
func (p *Plan) Order() []string { return p.order }

// Layers returns the jobs grouped by dependency depth, each layer sorted by name.
func (p *Plan) Layers() [][]string { return p.layers }

// Needs returns the direct dependencies of a job.
func (p *Plan) Needs(job string) []string {
	j, ok := p.wf.Jobs[job]
	if !ok {
		return nil
	}
	return j.Needs
}

// Edges returns every needs edge as (from, to) pairs, for rendering.
func (p *Plan) Edges() [][2]string {
	var out [][2]string
	for _, name := range p.order {
		for _, dep := range p.Needs(name) {
			out = append(out, [2]string{dep, name})
		}
	}
	return out
}
