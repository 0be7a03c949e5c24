package dispatch

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
)

// Result is what a filter returns: either continue down the chain or stop
// with a response.
type Result struct {
	stop     bool
	response Response
}

// Proceed continues with the next filter, then the executor.
func Proceed() Result { return Result{} }

// ShortCircuit ends the call with resp. Later filters and the executor are
// skipped.
func ShortCircuit(resp Response) Result { return Result{stop: true, response: resp} }

// Stopped returns the short circuit response, if any.
func (r Result) Stopped() (Response, bool) { return r.response, r.stop }

// Filter inspects or rewrites a call before it reaches the executor.
type Filter interface {
	Filter(call *Call) (Result, error)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(call *Call) (Result, error)

func (f FilterFunc) Filter(call *Call) (Result, error) { return f(call) }

// Scope limits which executors a filter sees.
type Scope uint8

const (
	// ScopeGlobal applies the filter to every matching genericable.
	ScopeGlobal Scope = iota
	// ScopeModule applies the filter only to executors of its own module.
	ScopeModule
)

// FilterDescriptor registers a Filter. Filters run by ascending Priority,
// ties broken by ascending Name.
type FilterDescriptor struct {
	Name             string
	Priority         int
	Module           string
	MatchPatterns    []string
	MismatchPatterns []string
	Scope            Scope
	Filter           Filter
}

// Applies reports whether the filter covers genericableID.
func (d *FilterDescriptor) Applies(genericableID string) bool {
	return matchAny(d.MatchPatterns, genericableID) && !matchAny(d.MismatchPatterns, genericableID)
}

// CompareFilters orders descriptors. It panics on nil input.
func CompareFilters(a, b *FilterDescriptor) int {
	if a == nil || b == nil {
		panic("fitbroker: cannot compare nil filter descriptor")
	}
	return cmp.Or(cmp.Compare(a.Priority, b.Priority), strings.Compare(a.Name, b.Name))
}

// FilterID identifies one registration.
type FilterID uint64

type registeredFilter struct {
	id   FilterID
	desc *FilterDescriptor
}

// FilterRegistry holds the server filters of a process and caches the
// sorted chain per genericable.
type FilterRegistry struct {
	mu      sync.RWMutex
	nextID  FilterID
	filters []registeredFilter
	chains  map[string][]*FilterDescriptor
}

func NewFilterRegistry() *FilterRegistry {
	return &FilterRegistry{chains: make(map[string][]*FilterDescriptor)}
}

// Register adds a filter and returns its id for later removal.
func (r *FilterRegistry) Register(desc FilterDescriptor) (FilterID, error) {
	if desc.Filter == nil {
		return 0, errspkg.New(errspkg.KindInvalid, "filters.register", desc.Name, errspkg.ErrFilterRequired)
	}
	desc.MatchPatterns = slices.Clone(desc.MatchPatterns)
	desc.MismatchPatterns = slices.Clone(desc.MismatchPatterns)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.filters = append(r.filters, registeredFilter{id: r.nextID, desc: &desc})
	clear(r.chains)
	return r.nextID, nil
}

// Unregister removes one filter. Unknown ids are ignored.
func (r *FilterRegistry) Unregister(id FilterID) {
	r.remove(func(f registeredFilter) bool { return f.id == id })
}

// UnregisterModule removes every filter owned by module.
func (r *FilterRegistry) UnregisterModule(module string) {
	r.remove(func(f registeredFilter) bool { return f.desc.Module == module })
}

func (r *FilterRegistry) remove(match func(registeredFilter) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.filters)
	r.filters = slices.DeleteFunc(r.filters, match)
	if len(r.filters) != before {
		clear(r.chains)
	}
}

// Chain returns the ordered filters applying to genericableID for an
// executor owned by module.
func (r *FilterRegistry) Chain(genericableID, module string) []*FilterDescriptor {
	chain := r.cachedChain(genericableID)
	scoped := chain[:0:0]
	for _, d := range chain {
		if d.Scope == ScopeModule && d.Module != module {
			continue
		}
		scoped = append(scoped, d)
	}
	return scoped
}

// Descriptors returns a sorted copy of every registered descriptor.
func (r *FilterRegistry) Descriptors() []FilterDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FilterDescriptor, 0, len(r.filters))
	for _, f := range r.filters {
		out = append(out, *f.desc)
	}
	slices.SortStableFunc(out, func(a, b FilterDescriptor) int { return CompareFilters(&a, &b) })
	return out
}

func (r *FilterRegistry) cachedChain(genericableID string) []*FilterDescriptor {
	r.mu.RLock()
	chain, ok := r.chains[genericableID]
	r.mu.RUnlock()
	if ok {
		return chain
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if chain, ok := r.chains[genericableID]; ok {
		return chain
	}
	chain = make([]*FilterDescriptor, 0)
	for _, f := range r.filters {
		if f.desc.Applies(genericableID) {
			chain = append(chain, f.desc)
		}
	}
	slices.SortStableFunc(chain, CompareFilters)
	r.chains[genericableID] = chain
	return chain
}

// runChain executes the filters in order. A short circuit stops the chain.
// Errors and panics are wrapped as filter execution failures.
func runChain(call *Call, chain []*FilterDescriptor) (Response, bool, error) {
	for _, d := range chain {
		res, err := applyFilter(d, call)
		if err != nil {
			return Response{}, false, errspkg.New(errspkg.KindFilterExecutionFailed, "filter "+d.Name, call.Metadata.GenericableID, err)
		}
		if resp, stopped := res.Stopped(); stopped {
			return resp, true, nil
		}
	}
	return Response{}, false, nil
}

func applyFilter(d *FilterDescriptor, call *Call) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Filter.Filter(call)
}
