package pipeline

import (
	"fmt"

	"dfm/pkg/apperror"
	"dfm/pkg/config"
	"dfm/pkg/registry"
)

// Verify rejects p unless: it is free of duplicate node_ids, every
// inputs/after edge references a node present in p, the node graph
// (inputs ∪ after edges) is acyclic, every node's api_class is registered
// and offered by its resolved provider, every param record validates
// against that api_class's schema, and every adapter arity matches the
// node's declared inputs. It returns a *apperror.Error of kind
// BAD_PIPELINE naming the first violation found.
func Verify(p Pipeline, site *config.SiteConfig, reg *registry.Registry) error {
	seen := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if seen[n.NodeID] {
			return apperror.New(apperror.BadPipeline, fmt.Sprintf("duplicate node_id %q", n.NodeID))
		}
		seen[n.NodeID] = true
	}

	for _, n := range p.Nodes {
		for _, edge := range append(append([]string{}, n.Inputs...), n.After...) {
			if !seen[edge] {
				return apperror.New(apperror.BadPipeline, fmt.Sprintf("node %q references unknown node %q", n.NodeID, edge))
			}
		}
	}

	if cycle := findCycle(p); cycle != "" {
		return apperror.New(apperror.BadPipeline, fmt.Sprintf("pipeline contains a cycle through node %q", cycle))
	}

	for _, n := range p.Nodes {
		def, ok := reg.Lookup(n.ApiClass)
		if !ok {
			return apperror.New(apperror.BadPipeline, fmt.Sprintf("node %q: api_class %q is not registered", n.NodeID, n.ApiClass))
		}

		if site != nil {
			provider, ok := site.Providers[n.ResolvedProvider()]
			if !ok {
				return apperror.New(apperror.BadPipeline, fmt.Sprintf("node %q: provider %q is not configured", n.NodeID, n.ResolvedProvider()))
			}
			if _, ok := provider.Interface[n.ApiClass]; !ok {
				return apperror.New(apperror.BadPipeline, fmt.Sprintf("node %q: provider %q does not offer api_class %q", n.NodeID, n.ResolvedProvider(), n.ApiClass))
			}
		}

		if err := reg.ValidateParams(n.ApiClass, n.Params); err != nil {
			return apperror.New(apperror.BadPipeline, fmt.Sprintf("node %q: %v", n.NodeID, err))
		}

		if !def.Arity.Matches(len(n.Inputs)) {
			return apperror.New(apperror.BadPipeline, fmt.Sprintf("node %q: api_class %q has arity %s, got %d inputs", n.NodeID, n.ApiClass, def.Arity, len(n.Inputs)))
		}
	}

	return nil
}

// findCycle returns the node_id of a node participating in a cycle, or ""
// if the combined inputs+after edge graph is acyclic. Uses iterative
// depth-first search with a three-color (white/gray/black) visit state so
// a pathological pipeline cannot blow the Go call stack via recursion.
func findCycle(p Pipeline) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Nodes))
	edges := make(map[string][]string, len(p.Nodes))
	for _, n := range p.Nodes {
		edges[n.NodeID] = append(append([]string{}, n.Inputs...), n.After...)
		color[n.NodeID] = white
	}

	type frame struct {
		node string
		idx  int
	}

	for _, n := range p.Nodes {
		if color[n.NodeID] != white {
			continue
		}
		stack := []frame{{n.NodeID, 0}}
		color[n.NodeID] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.idx >= len(edges[top.node]) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			next := edges[top.node][top.idx]
			top.idx++
			switch color[next] {
			case white:
				color[next] = gray
				stack = append(stack, frame{next, 0})
			case gray:
				return next
			}
		}
	}
	return ""
}
