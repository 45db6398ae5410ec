package resolve

import (
	"context"
	"fmt"
	"sync"

	"goa.design/parserator/runtime/telemetry"
)

// Registry walks an ordered list of resolvers for each plan step. The first
// non-skip result with a defined value wins; diagnostics accumulate across
// every consulted resolver. Resolver errors and panics become warning
// diagnostics so the chain never aborts an extraction.
type Registry struct {
	mu        sync.RWMutex
	resolvers []FieldResolver
	logger    telemetry.Logger
}

// NewRegistry constructs a registry with the given resolvers in consultation
// order. A nil logger defaults to the no-op logger.
func NewRegistry(logger telemetry.Logger, resolvers ...FieldResolver) *Registry {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Registry{resolvers: resolvers, logger: logger}
}

// Register appends a resolver to the end of the chain.
func (r *Registry) Register(resolver FieldResolver) {
	if resolver == nil {
		return
	}
	r.mu.Lock()
	r.resolvers = append(r.resolvers, resolver)
	r.mu.Unlock()
}

// Replace swaps the entire chain.
func (r *Registry) Replace(resolvers []FieldResolver) {
	r.mu.Lock()
	r.resolvers = append([]FieldResolver(nil), resolvers...)
	r.mu.Unlock()
}

// Names lists the registered resolver names in consultation order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.resolvers))
	for i, res := range r.resolvers {
		names[i] = res.Name()
	}
	return names
}

// Resolve consults resolvers in order for the step described by req. The
// returned resolution is never nil: when no resolver produces a value it
// carries a nil Value and whatever diagnostics the consulted resolvers
// accumulated.
func (r *Registry) Resolve(ctx context.Context, req *Request) *Resolution {
	r.mu.RLock()
	chain := make([]FieldResolver, len(r.resolvers))
	copy(chain, r.resolvers)
	r.mu.RUnlock()

	aggregate := &Resolution{}
	for _, resolver := range chain {
		if !resolver.Supports(req.Step) {
			continue
		}
		res, err := safeResolve(ctx, resolver, req)
		if err != nil {
			r.logger.Warn(ctx, "resolver failed",
				"resolver", resolver.Name(), "field", req.Step.TargetKey, "err", err.Error())
			aggregate.Diagnostics = append(aggregate.Diagnostics,
				warnDiag(req.Step.TargetKey, fmt.Sprintf("resolver %s failed: %v", resolver.Name(), err)))
			continue
		}
		if res == nil {
			continue
		}
		aggregate.Diagnostics = append(aggregate.Diagnostics, res.Diagnostics...)
		if res.Value == nil {
			continue
		}
		aggregate.Value = res.Value
		aggregate.Confidence = res.Confidence
		aggregate.Resolver = res.Resolver
		if aggregate.Resolver == "" {
			aggregate.Resolver = resolver.Name()
		}
		return aggregate
	}
	return aggregate
}

// safeResolve shields the registry from panicking resolvers.
func safeResolve(ctx context.Context, resolver FieldResolver, req *Request) (res *Resolution, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return resolver.Resolve(ctx, req)
}
