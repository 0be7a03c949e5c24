package router

import (
	"github.com/wuayee/fitbroker/internal/runtime/registry"
)

// RouteFilter narrows the fitables of a genericable. Filters run in order;
// exactly one fitable must remain after the last one.
type RouteFilter interface {
	Route(candidates []registry.FitableInstance) []registry.FitableInstance
}

// RouteFilterFunc adapts a function to RouteFilter.
type RouteFilterFunc func(candidates []registry.FitableInstance) []registry.FitableInstance

func (f RouteFilterFunc) Route(candidates []registry.FitableInstance) []registry.FitableInstance {
	return f(candidates)
}

// ByFitable keeps the fitable whose id or alias is id. An empty id keeps
// every candidate.
func ByFitable(id string) RouteFilter {
	return RouteFilterFunc(func(candidates []registry.FitableInstance) []registry.FitableInstance {
		if id == "" {
			return candidates
		}
		return keep(candidates, func(inst registry.FitableInstance) bool { return inst.Meta.Named(id) })
	})
}

// ByTags keeps fitables declaring every tag.
func ByTags(tags ...string) RouteFilter {
	return RouteFilterFunc(func(candidates []registry.FitableInstance) []registry.FitableInstance {
		return keep(candidates, func(inst registry.FitableInstance) bool { return inst.Meta.HasTags(tags...) })
	})
}

// ByDefault picks the configured default fitable of a genericable when more
// than one candidate remains. defaults maps genericable ids to fitable ids
// or aliases. Without a matching default the candidates are unchanged.
func ByDefault(defaults map[string]string) RouteFilter {
	return RouteFilterFunc(func(candidates []registry.FitableInstance) []registry.FitableInstance {
		if len(candidates) < 2 {
			return candidates
		}
		id, ok := defaults[candidates[0].Meta.GenericableID]
		if !ok {
			return candidates
		}
		if picked := ByFitable(id).Route(candidates); len(picked) > 0 {
			return picked
		}
		return candidates
	})
}

func keep(candidates []registry.FitableInstance, pred func(registry.FitableInstance) bool) []registry.FitableInstance {
	out := make([]registry.FitableInstance, 0, len(candidates))
	for _, inst := range candidates {
		if pred(inst) {
			out = append(out, inst)
		}
	}
	return out
}
