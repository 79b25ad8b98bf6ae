package pipeline

import (
	"fmt"

	"dfm/pkg/cache"
	"dfm/pkg/registry"
)

// Optimize performs the two deterministic rewrites the spec assigns to
// Process after verification: duplicate elimination (nodes sharing a
// fingerprint collapse to one survivor, fanning out the duplicate's
// consumers) and constant folding (a non-output Constant node is removed
// from the execution graph and its literal value inlined at each
// consumer). p must already have passed Verify; Optimize assumes an
// acyclic graph with only internal edges.
func Optimize(p Pipeline, reg *registry.Registry) (Pipeline, error) {
	deduped, err := deduplicate(p)
	if err != nil {
		return Pipeline{}, err
	}
	return foldConstants(deduped, reg), nil
}

// deduplicate computes each node's structural fingerprint in topological
// order (so a node's fingerprint already reflects its upstreams' survivor
// fingerprints) and collapses nodes that land on the same fingerprint.
// Nodes with force_compute set are never collapsed: the client asked for
// them to always recompute, which a shared survivor would defeat.
func deduplicate(p Pipeline) (Pipeline, error) {
	order, err := topoOrder(p)
	if err != nil {
		return Pipeline{}, err
	}

	byID := make(map[string]Node, len(p.Nodes))
	for _, n := range p.Nodes {
		byID[n.NodeID] = n
	}

	survivorOf := make(map[string]string, len(p.Nodes)) // node_id -> survivor node_id
	fpToSurvivor := make(map[string]string, len(p.Nodes))
	fpOf := make(map[string]string, len(p.Nodes)) // survivor node_id -> its fingerprint

	survivors := make(map[string]*Node, len(p.Nodes))
	var order2 []string // survivor node_ids in first-seen order

	for _, id := range order {
		n := byID[id]

		upstream := make([]string, len(n.Inputs))
		for i, in := range n.Inputs {
			upstream[i] = fpOf[survivorOf[in]]
		}

		fp, err := cache.Fingerprint(n.ApiClass, n.Params, n.ResolvedProvider(), upstream)
		if err != nil {
			return Pipeline{}, fmt.Errorf("pipeline: optimize: node %q: %w", n.NodeID, err)
		}

		if n.ForceCompute {
			survivorOf[n.NodeID] = n.NodeID
			fpOf[n.NodeID] = fp
			cp := n
			survivors[n.NodeID] = &cp
			order2 = append(order2, n.NodeID)
			continue
		}

		if existingID, ok := fpToSurvivor[fp]; ok {
			survivorOf[n.NodeID] = existingID
			survivor := survivors[existingID]
			if n.IsOutput {
				survivor.IsOutput = true
				survivor.Aliases = append(survivor.Aliases, n.NodeID)
			}
			continue
		}

		survivorOf[n.NodeID] = n.NodeID
		fpOf[n.NodeID] = fp
		fpToSurvivor[fp] = n.NodeID
		cp := n
		survivors[n.NodeID] = &cp
		order2 = append(order2, n.NodeID)
	}

	out := make([]Node, 0, len(order2))
	for _, id := range order2 {
		n := *survivors[id]
		n.Inputs = remap(n.Inputs, survivorOf)
		n.After = remap(n.After, survivorOf)
		out = append(out, n)
	}
	return Pipeline{Nodes: out}, nil
}

func remap(ids []string, survivorOf map[string]string) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = survivorOf[id]
	}
	return out
}

// topoOrder returns p's nodes in an order where every node follows all of
// its Inputs (the edges that matter for fingerprint computation). The
// caller guarantees acyclicity via a prior Verify call.
func topoOrder(p Pipeline) ([]string, error) {
	indegree := make(map[string]int, len(p.Nodes))
	consumers := make(map[string][]string, len(p.Nodes))
	for _, n := range p.Nodes {
		if _, ok := indegree[n.NodeID]; !ok {
			indegree[n.NodeID] = 0
		}
		for _, in := range n.Inputs {
			indegree[n.NodeID]++
			consumers[in] = append(consumers[in], n.NodeID)
		}
	}

	var queue []string
	for _, n := range p.Nodes {
		if indegree[n.NodeID] == 0 {
			queue = append(queue, n.NodeID)
		}
	}

	order := make([]string, 0, len(p.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, c := range consumers[id] {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}

	if len(order) != len(p.Nodes) {
		return nil, fmt.Errorf("pipeline: optimize: cycle detected in inputs graph")
	}
	return order, nil
}

// foldConstants removes every non-output Constant node from p whose
// consumers can all tolerate the substitution, inlining its literal value
// into each direct consumer's InlinedInputs and After list (a folded
// node's predecessor-ordering contribution is trivially satisfied, since
// it never actually runs).
//
// Folding is restricted to n_ary consumers: a unary or nullary adapter is
// written against a fixed upstream-channel shape (exactly one stream, or
// none), and substituting a literal for a live channel would silently
// change that shape out from under it. An n_ary adapter's arity already
// tolerates a variable number of upstream channels, so trading one of
// them for a value available via InlinedInputs is a safe rewrite.
func foldConstants(p Pipeline, reg *registry.Registry) Pipeline {
	candidate := make(map[string]any)
	for _, n := range p.Nodes {
		if n.IsOutput {
			continue
		}
		def, ok := reg.Lookup(n.ApiClass)
		if !ok || !def.Constant {
			continue
		}
		candidate[n.NodeID] = n.Params["value"]
	}
	if len(candidate) == 0 {
		return p
	}

	for _, n := range p.Nodes {
		def, ok := reg.Lookup(n.ApiClass)
		naryConsumer := ok && def.Arity == registry.Nary
		for _, in := range n.Inputs {
			if _, ok := candidate[in]; ok && !naryConsumer {
				delete(candidate, in)
			}
		}
	}

	foldValue := candidate
	if len(foldValue) == 0 {
		return p
	}

	out := make([]Node, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		if _, folded := foldValue[n.NodeID]; folded {
			continue
		}

		var remainingInputs []string
		for _, in := range n.Inputs {
			if v, folded := foldValue[in]; folded {
				if n.InlinedInputs == nil {
					n.InlinedInputs = make(map[string]any)
				}
				n.InlinedInputs[in] = v
				continue
			}
			remainingInputs = append(remainingInputs, in)
		}
		n.Inputs = remainingInputs

		var remainingAfter []string
		for _, a := range n.After {
			if _, folded := foldValue[a]; folded {
				continue
			}
			remainingAfter = append(remainingAfter, a)
		}
		n.After = remainingAfter

		out = append(out, n)
	}
	return Pipeline{Nodes: out}
}
