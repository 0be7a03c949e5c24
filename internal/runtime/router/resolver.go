package router

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
	"github.com/wuayee/fitbroker/internal/runtime/registry"
)

// DefaultCacheTTL bounds how long a registry answer is reused.
const DefaultCacheTTL = 3 * time.Second

// ResolverConfig tunes a Resolver.
type ResolverConfig struct {
	// CallerID is reported to the registry with every query.
	CallerID string
	// Formats lists the formats the caller can encode, preferred first.
	Formats []identity.Format
	// Protocols lists the transport protocols the caller can reach,
	// preferred first. Empty accepts any endpoint.
	Protocols []identity.Protocol
	// DefaultFitables maps genericable ids to the fitable chosen when no
	// route filter settles on one.
	DefaultFitables map[string]string
	// LoadBalancer applies when a Router sets none. Defaults to First.
	LoadBalancer LoadBalancer
	// CacheTTL of registry answers. Zero means DefaultCacheTTL, negative
	// disables caching.
	CacheTTL time.Duration
}

// Resolution is a routed call: the chosen fitable and where to send it.
type Resolution struct {
	Meta   identity.FitableMeta
	Target identity.Target
}

// Resolver turns genericables into Targets. It caches registry answers per
// genericable and collapses concurrent lookups of the same genericable into
// one registry query.
type Resolver struct {
	registry registry.Registry
	conf     ResolverConfig
	log      loggingpkg.ServiceLogger
	cache    *gocache.Cache
	group    singleflight.Group
}

func NewResolver(reg registry.Registry, conf ResolverConfig, log loggingpkg.ServiceLogger) *Resolver {
	if reg == nil {
		panic("fitbroker: registry is required")
	}
	if conf.CacheTTL == 0 {
		conf.CacheTTL = DefaultCacheTTL
	}
	if conf.LoadBalancer == nil {
		conf.LoadBalancer = First()
	}
	r := &Resolver{
		registry: reg,
		conf:     conf,
		log:      loggingpkg.OrNop(log).With(loggingpkg.LogFields{"component": "router"}),
	}
	if conf.CacheTTL > 0 {
		r.cache = gocache.New(conf.CacheTTL, 2*conf.CacheTTL)
	}
	return r
}

// Config returns the effective configuration.
func (r *Resolver) Config() ResolverConfig { return r.conf }

// Lookup returns the live fitables of genericable. An empty genericable
// version matches every version.
func (r *Resolver) Lookup(ctx context.Context, genericable identity.Genericable) ([]registry.FitableInstance, error) {
	key := cacheKey(genericable)
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			if instances, ok := cached.([]registry.FitableInstance); ok {
				return instances, nil
			}
		}
	}

	// The flight outlives any single waiter, so it runs detached from the
	// caller that started it and each waiter honours its own ctx.
	flightCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		query := []identity.Fitable{{GenericableID: genericable.ID, GenericableVersion: genericable.Version}}
		instances, err := r.registry.Query(flightCtx, query, r.conf.CallerID)
		if err != nil {
			return nil, err
		}
		instances = keep(instances, func(inst registry.FitableInstance) bool {
			return genericable.Version == "" || inst.Meta.GenericableVersion == "" || inst.Meta.GenericableVersion == genericable.Version
		})
		if r.cache != nil {
			r.cache.SetDefault(key, instances)
		}
		return instances, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			r.log.Trace("Shared registry lookup", loggingpkg.LogFields{"genericable_id": genericable.ID})
		}
		return res.Val.([]registry.FitableInstance), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached answer for genericable.
func (r *Resolver) Invalidate(genericable identity.Genericable) {
	if r.cache != nil {
		r.cache.Delete(cacheKey(genericable))
	}
}

// Resolve runs the route filters, the load balancer and format negotiation
// for genericable.
func (r *Resolver) Resolve(ctx context.Context, genericable identity.Genericable, filters []RouteFilter, lb LoadBalancer) (Resolution, error) {
	instances, err := r.Lookup(ctx, genericable)
	if err != nil {
		return Resolution{}, err
	}

	remaining := instances
	for _, f := range filters {
		remaining = f.Route(remaining)
	}
	remaining = ByDefault(r.conf.DefaultFitables).Route(remaining)

	switch len(remaining) {
	case 0:
		return Resolution{}, errspkg.New(errspkg.KindImplementationNotFound, "route", genericable.ID, nil)
	case 1:
	default:
		return Resolution{}, errspkg.New(errspkg.KindAmbiguousRoute, "route", genericable.ID, nil)
	}
	inst := remaining[0]

	cands := candidates(inst)
	if len(cands) == 0 {
		return Resolution{}, errspkg.New(errspkg.KindImplementationNotFound, "route", inst.Meta.String(), nil)
	}
	if lb == nil {
		lb = r.conf.LoadBalancer
	}
	chosen, ok := lb.Pick(cands)
	if !ok {
		return Resolution{}, errspkg.New(errspkg.KindImplementationNotFound, "balance", inst.Meta.String(), nil)
	}

	target, err := negotiate(chosen, r.conf.Formats, r.conf.Protocols)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Meta: inst.Meta, Target: target}, nil
}

func cacheKey(g identity.Genericable) string {
	return g.ID + "@" + g.Version
}
