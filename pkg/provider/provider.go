// Package provider implements the extension seam described by the spec's
// design notes: a two-level dispatch map (provider, api_class) ->
// adapter, built once at startup from the site's YAML configuration and
// held immutable afterward. An Adapter is a cooperative producer of
// typed values; its Body method is the only operation extension authors
// must implement.
package provider

import (
	"context"
	"fmt"
	"time"

	"dfm/pkg/config"
)

// Item is one value (or terminal error) yielded by an adapter's producer
// channel. A channel close with no trailing error Item means the adapter
// completed normally.
type Item struct {
	Value any
	Err   error
}

// RunContext is the DfmRequest handle an adapter is invoked with: its
// identity within the request, its resolved provider and static config,
// its dynamic params, and its ordered upstream streams.
type RunContext struct {
	Ctx       context.Context
	RequestID string
	NodeID    string
	Provider  string
	Config    map[string]any
	Params    map[string]any
	// Upstream holds one receive-only Item channel per declared input, in
	// declaration order. Nullary nodes have none.
	Upstream []<-chan Item
	// Continuation is the opaque resume state stored by a previous
	// invocation that called ScheduleAfter; nil on a fresh run.
	Continuation []byte
	// ScheduleAfter suspends the node: the Executor persists continuation
	// into the node's state hash and schedules a re-run after d via the
	// broker's delayed queue, without the adapter yielding a value now.
	ScheduleAfter func(d time.Duration, continuation []byte) error
}

// Adapter is implemented by every api_class's runtime behavior within a
// provider. Body is a lazy producer: it returns a channel the Executor
// drains, closing it (after an optional final error Item) when done.
type Adapter interface {
	Body(rc *RunContext) (<-chan Item, error)
}

// AdapterFunc adapts a plain function to the Adapter interface, the way
// most built-in adapters are defined (see builtin.go).
type AdapterFunc func(rc *RunContext) (<-chan Item, error)

// Body implements Adapter.
func (f AdapterFunc) Body(rc *RunContext) (<-chan Item, error) { return f(rc) }

// Factory constructs an Adapter bound to an api_class's static
// adapter_config, read once from site YAML at dispatch build time.
type Factory func(staticConfig map[string]any) (Adapter, error)

// Dispatch is the immutable (provider, api_class) -> Adapter table built
// from site configuration.
type Dispatch struct {
	table map[string]map[string]Adapter
}

// Resolve returns the adapter bound to (providerName, apiClass).
func (d *Dispatch) Resolve(providerName, apiClass string) (Adapter, bool) {
	byClass, ok := d.table[providerName]
	if !ok {
		return nil, false
	}
	a, ok := byClass[apiClass]
	return a, ok
}

// Build constructs a Dispatch from site configuration, resolving each
// provider's interface bindings against factories (keyed by
// adapter_class name). Unknown adapter_class names fail startup rather
// than silently no-opping at execution time.
func Build(site *config.SiteConfig, factories map[string]Factory) (*Dispatch, error) {
	table := make(map[string]map[string]Adapter, len(site.Providers))
	for providerName, p := range site.Providers {
		classes := make(map[string]Adapter, len(p.Interface))
		for apiClass, bind := range p.Interface {
			factory, ok := factories[bind.AdapterClass]
			if !ok {
				return nil, fmt.Errorf("provider: site provider %q api_class %q: unknown adapter_class %q", providerName, apiClass, bind.AdapterClass)
			}
			adapter, err := factory(bind.Config)
			if err != nil {
				return nil, fmt.Errorf("provider: site provider %q api_class %q: %w", providerName, apiClass, err)
			}
			classes[apiClass] = adapter
		}
		table[providerName] = classes
	}
	return &Dispatch{table: table}, nil
}
