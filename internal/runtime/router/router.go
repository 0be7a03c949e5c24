// Package router resolves genericables to concrete Targets and invokes
// them. Routing runs route filters, a load balancer and format negotiation
// over a cached registry view.
package router

import (
	"context"
	"slices"

	"github.com/wuayee/fitbroker/internal/runtime/dispatch"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
)

// Router calls one genericable. It is safe for concurrent use.
type Router struct {
	invoker     *Invoker
	genericable identity.Genericable
	fitableID   string
	filters     []RouteFilter
	balancer    LoadBalancer
}

// Option configures a Router.
type Option func(*Router)

// WithFitable routes to the fitable with id or alias.
func WithFitable(id string) Option {
	return func(r *Router) { r.fitableID = id }
}

// WithVersion restricts routing to one genericable version.
func WithVersion(version string) Option {
	return func(r *Router) { r.genericable.Version = version }
}

// WithTags routes to a fitable declaring every tag.
func WithTags(tags ...string) Option {
	return func(r *Router) { r.filters = append(r.filters, ByTags(tags...)) }
}

// WithRouteFilter appends a custom route filter.
func WithRouteFilter(f RouteFilter) Option {
	return func(r *Router) { r.filters = append(r.filters, f) }
}

// WithLoadBalancer overrides the resolver's load balancer.
func WithLoadBalancer(lb LoadBalancer) Option {
	return func(r *Router) { r.balancer = lb }
}

// New returns a Router for genericable.
func New(inv *Invoker, genericable identity.Genericable, opts ...Option) *Router {
	r := &Router{invoker: inv, genericable: genericable}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Genericable returns the routed genericable.
func (r *Router) Genericable() identity.Genericable { return r.genericable }

func (r *Router) routeFilters() []RouteFilter {
	if r.fitableID == "" {
		return r.filters
	}
	return append([]RouteFilter{ByFitable(r.fitableID)}, slices.Clip(r.filters)...)
}

// Route resolves the Target a call would use without calling it.
func (r *Router) Route(ctx context.Context) (Resolution, error) {
	return r.invoker.conf.Resolver.Resolve(ctx, r.genericable, r.routeFilters(), r.balancer)
}

// Invoke calls the genericable and waits for its result.
func (r *Router) Invoke(ctx context.Context, args ...any) (any, error) {
	return r.invoker.invoke(ctx, r, dispatch.ModeSync, args)
}

// InvokeAsync calls the genericable in the background.
func (r *Router) InvokeAsync(ctx context.Context, args ...any) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.value, f.err = r.invoker.invoke(ctx, r, dispatch.ModeAsync, args)
	}()
	return f
}

// Send hands the call to the transport without waiting for a result.
func (r *Router) Send(ctx context.Context, args ...any) error {
	_, err := r.invoker.invoke(ctx, r, dispatch.ModeOneWay, args)
	return err
}

// Invalidate drops the cached registry view of the genericable.
func (r *Router) Invalidate() {
	r.invoker.conf.Resolver.Invalidate(r.genericable)
}

// Future is the pending result of InvokeAsync.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Get waits for the result or for ctx to end.
func (f *Future) Get(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
