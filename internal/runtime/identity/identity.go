// Package identity holds the value types that name services and the processes
// hosting them: genericables (contracts), fitables (implementations), workers,
// applications, addresses and resolved call targets.
package identity

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Well known extension keys.
const (
	// ExtensionLease overrides the registration lease, in seconds, when the
	// request itself carries none.
	ExtensionLease = "registry.lease"
	// ExtensionClusterDomain marks an application as reachable through one
	// virtual host.
	ExtensionClusterDomain = "cluster.domain"

	clusterPrefix = "cluster."
	clusterSuffix = ".port"
)

// Genericable is a versioned service contract.
type Genericable struct {
	ID      string `json:"id" validate:"required"`
	Version string `json:"version,omitempty"`
}

// Fitable identifies one implementation of a genericable.
type Fitable struct {
	GenericableID      string `json:"genericable_id" validate:"required"`
	GenericableVersion string `json:"genericable_version,omitempty"`
	FitableID          string `json:"fitable_id"`
	FitableVersion     string `json:"fitable_version,omitempty"`
}

// FitableKey is the uniqueness key of a Fitable.
type FitableKey struct {
	GenericableID  string
	FitableID      string
	FitableVersion string
}

func (f Fitable) Key() FitableKey {
	return FitableKey{GenericableID: f.GenericableID, FitableID: f.FitableID, FitableVersion: f.FitableVersion}
}

func (f Fitable) Genericable() Genericable {
	return Genericable{ID: f.GenericableID, Version: f.GenericableVersion}
}

func (f Fitable) String() string {
	s := f.GenericableID + "/" + f.FitableID
	if f.FitableVersion != "" {
		s += "@" + f.FitableVersion
	}
	return s
}

// Matches reports whether candidate is selected by f used as a query. An
// empty FitableID selects every fitable of the genericable and an empty
// FitableVersion selects every version.
func (f Fitable) Matches(candidate Fitable) bool {
	if f.GenericableID != candidate.GenericableID {
		return false
	}
	if f.FitableID == "" {
		return true
	}
	if f.FitableID != candidate.FitableID {
		return false
	}
	return f.FitableVersion == "" || f.FitableVersion == candidate.FitableVersion
}

// FitableMeta is a Fitable together with its routing metadata.
type FitableMeta struct {
	Fitable
	Aliases     []string `json:"aliases,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Degradation string   `json:"degradation,omitempty"`
	Formats     []Format `json:"formats,omitempty"`
}

// Named reports whether id equals the fitable id or one of its aliases.
func (m FitableMeta) Named(id string) bool {
	return m.FitableID == id || slices.Contains(m.Aliases, id)
}

// HasTags reports whether every tag in tags is declared.
func (m FitableMeta) HasTags(tags ...string) bool {
	for _, tag := range tags {
		if !slices.Contains(m.Tags, tag) {
			return false
		}
	}
	return true
}

func (m FitableMeta) Clone() FitableMeta {
	m.Aliases = slices.Clone(m.Aliases)
	m.Tags = slices.Clone(m.Tags)
	m.Formats = slices.Clone(m.Formats)
	return m
}

// Endpoint is one transport entry point of an Address.
type Endpoint struct {
	Protocol Protocol `json:"protocol"`
	Port     int      `json:"port" validate:"gte=0,lte=65535"`
}

// Address is a host with its ordered endpoints and supported formats.
type Address struct {
	Host      string     `json:"host" validate:"required"`
	Endpoints []Endpoint `json:"endpoints" validate:"dive"`
	Formats   []Format   `json:"formats,omitempty"`
}

// Endpoint returns the first endpoint speaking protocol.
func (a Address) Endpoint(protocol Protocol) (Endpoint, bool) {
	for _, ep := range a.Endpoints {
		if ep.Protocol == protocol {
			return ep, true
		}
	}
	return Endpoint{}, false
}

func (a Address) Supports(format Format) bool {
	return slices.Contains(a.Formats, format)
}

func (a Address) Clone() Address {
	a.Endpoints = slices.Clone(a.Endpoints)
	a.Formats = slices.Clone(a.Formats)
	return a
}

// Worker is a running process hosting fitables.
type Worker struct {
	ID          string            `json:"id" validate:"required"`
	Environment string            `json:"environment,omitempty"`
	Extensions  map[string]string `json:"extensions,omitempty"`
	Addresses   []Address         `json:"addresses" validate:"dive"`
}

func (w Worker) Clone() Worker {
	w.Extensions = maps.Clone(w.Extensions)
	addrs := make([]Address, len(w.Addresses))
	for i, addr := range w.Addresses {
		addrs[i] = addr.Clone()
	}
	w.Addresses = addrs
	return w
}

// Application groups the workers of one deployable unit.
type Application struct {
	Name       string            `json:"name" validate:"required"`
	Version    string            `json:"version,omitempty"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

// Key identifies the application by name and version.
func (a Application) Key() string {
	return a.Name + ":" + a.Version
}

func (a Application) Clone() Application {
	a.Extensions = maps.Clone(a.Extensions)
	return a
}

// ClusterDomain returns the virtual host declared by the application.
func (a Application) ClusterDomain() (string, bool) {
	domain := strings.TrimSpace(a.Extensions[ExtensionClusterDomain])
	return domain, domain != ""
}

// ClusterPorts collects the cluster.<protocol>.port extensions into endpoints
// sorted by protocol code. Unknown protocols and malformed ports are skipped.
func (a Application) ClusterPorts() []Endpoint {
	var endpoints []Endpoint
	for key, value := range a.Extensions {
		lower := strings.ToLower(key)
		if len(lower) <= len(clusterPrefix)+len(clusterSuffix) ||
			!strings.HasPrefix(lower, clusterPrefix) || !strings.HasSuffix(lower, clusterSuffix) {
			continue
		}
		name := lower[len(clusterPrefix) : len(lower)-len(clusterSuffix)]
		protocol, ok := ParseProtocol(name)
		if !ok {
			continue
		}
		port, ok := parsePort(value)
		if !ok {
			continue
		}
		endpoints = append(endpoints, Endpoint{Protocol: protocol, Port: port})
	}
	slices.SortFunc(endpoints, func(x, y Endpoint) int { return int(x.Protocol) - int(y.Protocol) })
	return endpoints
}

// Target is the resolved destination of a single call.
type Target struct {
	Worker   Worker   `json:"worker"`
	Address  Address  `json:"address"`
	Endpoint Endpoint `json:"endpoint"`
	Format   Format   `json:"format"`
}

func parsePort(s string) (int, bool) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 0 || port > 65535 {
		return 0, false
	}
	return port, true
}
