package provider

import "fmt"

// toImage is a unary adapter with static configuration (its default
// output format), demonstrating the adapter_config seam: config bound in
// site YAML is resolved once at Dispatch build time and closed over by
// every invocation, while params are resolved per node.
type toImage struct {
	defaultFormat string
}

func newToImage(cfg map[string]any) (Adapter, error) {
	format, _ := cfg["default_format"].(string)
	if format == "" {
		format = "png"
	}
	return &toImage{defaultFormat: format}, nil
}

// Body renders each upstream value to an image placeholder value,
// deferring to the out-of-scope rendering collaborator for real encoding
// (spec.md §1 Non-goals: shader/material code, concrete upstream
// behavior).
func (t *toImage) Body(rc *RunContext) (<-chan Item, error) {
	format, _ := rc.Params["format"].(string)
	if format == "" {
		format = t.defaultFormat
	}

	out := make(chan Item)
	go func() {
		defer close(out)
		if len(rc.Upstream) != 1 {
			out <- Item{Err: fmt.Errorf("to_image: expected exactly one upstream, got %d", len(rc.Upstream))}
			return
		}
		for item := range rc.Upstream[0] {
			if item.Err != nil {
				out <- item
				return
			}
			select {
			case out <- Item{Value: map[string]any{"source": item.Value, "format": format, "colormap": rc.Params["colormap"]}}:
			case <-rc.Ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
