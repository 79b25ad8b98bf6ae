package provider

import (
	"fmt"
)

// BuiltinFactories returns the Factory table for the registry's built-in
// api_classes, keyed by the adapter_class name a site's YAML binds to
// (e.g. interface.dfm.api.constant.Constant.adapter_class: "constant").
func BuiltinFactories() map[string]Factory {
	return map[string]Factory{
		"constant": func(map[string]any) (Adapter, error) { return AdapterFunc(constantBody), nil },
		"signal":   func(map[string]any) (Adapter, error) { return AdapterFunc(signalBody), nil },
		"square":   func(map[string]any) (Adapter, error) { return AdapterFunc(squareBody), nil },
		"era5":     func(map[string]any) (Adapter, error) { return AdapterFunc(era5Body), nil },
		"to_image": func(cfg map[string]any) (Adapter, error) { return newToImage(cfg) },
		"resize":   func(map[string]any) (Adapter, error) { return AdapterFunc(resizeBody), nil },
		"merge":    func(map[string]any) (Adapter, error) { return AdapterFunc(mergeBody), nil },
	}
}

// constantBody yields exactly the node's params["value"]. Nullary;
// ineligible for scheduling since it never awaits anything.
func constantBody(rc *RunContext) (<-chan Item, error) {
	out := make(chan Item, 1)
	out <- Item{Value: rc.Params["value"]}
	close(out)
	return out, nil
}

// signalBody yields params["message"], typically gated entirely by after
// edges rather than inputs.
func signalBody(rc *RunContext) (<-chan Item, error) {
	out := make(chan Item, 1)
	out <- Item{Value: rc.Params["message"]}
	close(out)
	return out, nil
}

// squareBody is a unary streaming adapter: for every upstream numeric
// value it yields its square, preserving yield order.
func squareBody(rc *RunContext) (<-chan Item, error) {
	out := make(chan Item)
	go func() {
		defer close(out)
		if len(rc.Upstream) != 1 {
			out <- Item{Err: fmt.Errorf("square: expected exactly one upstream, got %d", len(rc.Upstream))}
			return
		}
		for item := range rc.Upstream[0] {
			if item.Err != nil {
				out <- item
				return
			}
			n, ok := asFloat(item.Value)
			if !ok {
				out <- Item{Err: fmt.Errorf("square: non-numeric upstream value %v", item.Value)}
				return
			}
			select {
			case out <- Item{Value: n * n}:
			case <-rc.Ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// mergeBody fans in every upstream stream in declaration order, waiting
// for each to close before draining the next — a simple ordered merge
// rather than a true interleave, matching the n_ary arity's minimal
// contract (no ordering across upstreams is promised beyond edges).
func mergeBody(rc *RunContext) (<-chan Item, error) {
	out := make(chan Item)
	go func() {
		defer close(out)
		for _, up := range rc.Upstream {
			for item := range up {
				select {
				case out <- item:
				case <-rc.Ctx.Done():
					return
				}
				if item.Err != nil {
					return
				}
			}
		}
	}()
	return out, nil
}

// era5Body is a placeholder for the out-of-scope upstream weather
// archive collaborator (spec.md §1 explicitly excludes "the concrete
// behavior of individual upstream data sources"); it yields a single
// descriptive stub value so pipelines exercising this api_class still
// produce an observable, deterministic result in tests.
func era5Body(rc *RunContext) (<-chan Item, error) {
	out := make(chan Item, 1)
	out <- Item{Value: map[string]any{
		"region":   rc.Params["region"],
		"variable": rc.Params["variable"],
		"time":     rc.Params["time"],
	}}
	close(out)
	return out, nil
}

// resizeBody is a unary placeholder for the out-of-scope image-processing
// collaborator; it passes the upstream value through annotated with the
// requested dimensions rather than performing real resampling.
func resizeBody(rc *RunContext) (<-chan Item, error) {
	out := make(chan Item)
	go func() {
		defer close(out)
		if len(rc.Upstream) != 1 {
			out <- Item{Err: fmt.Errorf("resize: expected exactly one upstream, got %d", len(rc.Upstream))}
			return
		}
		for item := range rc.Upstream[0] {
			if item.Err != nil {
				out <- item
				return
			}
			select {
			case out <- Item{Value: map[string]any{"source": item.Value, "width": rc.Params["width"], "height": rc.Params["height"]}}:
			case <-rc.Ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
