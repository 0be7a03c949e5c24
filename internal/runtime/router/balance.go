package router

import (
	"math/rand/v2"
	"strings"
	"sync/atomic"

	"github.com/wuayee/fitbroker/internal/runtime/identity"
	"github.com/wuayee/fitbroker/internal/runtime/registry"
)

// Candidate is one worker able to serve the routed fitable.
type Candidate struct {
	Application identity.Application
	// Formats are the formats declared for the fitable.
	Formats []identity.Format
	Worker  identity.Worker
}

func candidates(inst registry.FitableInstance) []Candidate {
	var out []Candidate
	for _, app := range inst.Applications {
		for _, w := range app.Workers {
			out = append(out, Candidate{Application: app.Application, Formats: app.Formats, Worker: w})
		}
	}
	return out
}

// LoadBalancer picks exactly one worker out of candidates, which is never
// empty.
type LoadBalancer interface {
	Pick(candidates []Candidate) (Candidate, bool)
}

// LoadBalancerFunc adapts a function to LoadBalancer.
type LoadBalancerFunc func(candidates []Candidate) (Candidate, bool)

func (f LoadBalancerFunc) Pick(candidates []Candidate) (Candidate, bool) { return f(candidates) }

// First picks the first candidate, the lowest worker id of the first
// application.
func First() LoadBalancer {
	return LoadBalancerFunc(func(candidates []Candidate) (Candidate, bool) {
		return candidates[0], true
	})
}

// Random picks a uniformly random candidate.
func Random() LoadBalancer {
	return LoadBalancerFunc(func(candidates []Candidate) (Candidate, bool) {
		return candidates[rand.IntN(len(candidates))], true
	})
}

// RoundRobin cycles through the candidates on successive picks.
func RoundRobin() LoadBalancer {
	var next atomic.Uint64
	return LoadBalancerFunc(func(candidates []Candidate) (Candidate, bool) {
		i := next.Add(1) - 1
		return candidates[i%uint64(len(candidates))], true
	})
}

// PinWorker picks the worker with id and fails when it is not a candidate.
func PinWorker(id string) LoadBalancer {
	return LoadBalancerFunc(func(candidates []Candidate) (Candidate, bool) {
		for _, c := range candidates {
			if c.Worker.ID == id {
				return c, true
			}
		}
		return Candidate{}, false
	})
}

// ParseLoadBalancer maps a configured name to a LoadBalancer. Names are
// first, random, round-robin and worker:<id>.
func ParseLoadBalancer(name string) (LoadBalancer, bool) {
	switch n := strings.ToLower(strings.TrimSpace(name)); {
	case n == "" || n == "first":
		return First(), true
	case n == "random":
		return Random(), true
	case n == "round-robin" || n == "roundrobin":
		return RoundRobin(), true
	case strings.HasPrefix(n, "worker:"):
		return PinWorker(strings.TrimSpace(name)[len("worker:"):]), true
	}
	return nil, false
}
