package registry

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
)

// DefaultLease applies when neither the request nor the store config names
// a lease.
const DefaultLease = 60 * time.Second

// Clock supplies the current time to lease bookkeeping.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// StoreConfig tunes a Store. Zero limits mean unlimited.
type StoreConfig struct {
	DefaultLease    time.Duration
	MaxWorkers      int
	MaxApplications int
	Clock           Clock
	Metrics         *Metrics
}

// Store is the in-memory Registry. Reads load an immutable snapshot without
// locking; writes serialize on a mutex and publish a new snapshot. Expired
// workers are removed by whichever registration or query first observes
// them, there is no background sweep.
type Store struct {
	conf     StoreConfig
	logger   loggingpkg.ServiceLogger
	validate *validator.Validate

	mu    sync.Mutex
	state atomic.Pointer[snapshot]
}

var _ Registry = (*Store)(nil)

type workerEntry struct {
	worker    identity.Worker
	appKey    string
	fitables  map[identity.FitableKey]identity.FitableMeta
	expiresAt time.Time
}

type appEntry struct {
	app     identity.Application
	workers map[string]struct{}
}

type snapshot struct {
	workers    map[string]*workerEntry
	apps       map[string]*appEntry
	nextExpiry time.Time
}

// NewStore creates an empty Store.
func NewStore(conf StoreConfig, logger loggingpkg.ServiceLogger) *Store {
	if conf.DefaultLease <= 0 {
		conf.DefaultLease = DefaultLease
	}
	if conf.Clock == nil {
		conf.Clock = SystemClock
	}
	s := &Store{
		conf:     conf,
		logger:   loggingpkg.OrNop(logger).With(loggingpkg.LogFields{"component": "registry"}),
		validate: validator.New(),
	}
	s.state.Store(&snapshot{
		workers: make(map[string]*workerEntry),
		apps:    make(map[string]*appEntry),
	})
	return s
}

// Register upserts the worker, its application and the fitables it hosts,
// and resets the worker lease.
func (s *Store) Register(ctx context.Context, req RegisterRequest) error {
	if err := s.validateRequest(req); err != nil {
		s.conf.Metrics.observeRegistration("invalid")
		return err
	}
	lease := s.leaseFor(req)
	id := req.Worker.ID
	appKey := req.Application.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.conf.Clock.Now()
	next := s.state.Load().clone()
	next.expire(now, s)

	prev, known := next.workers[id]
	if !known && s.conf.MaxWorkers > 0 && len(next.workers) >= s.conf.MaxWorkers {
		s.publish(next)
		s.conf.Metrics.observeRegistration("rejected")
		return errspkg.New(errspkg.KindCapacityExceeded, "registry.register", id,
			fmt.Errorf("worker limit %d reached", s.conf.MaxWorkers))
	}
	if _, exists := next.apps[appKey]; !exists && s.conf.MaxApplications > 0 {
		live := len(next.apps)
		if known && prev.appKey != appKey {
			if old, ok := next.apps[prev.appKey]; ok && len(old.workers) == 1 {
				live--
			}
		}
		if live >= s.conf.MaxApplications {
			s.publish(next)
			s.conf.Metrics.observeRegistration("rejected")
			return errspkg.New(errspkg.KindCapacityExceeded, "registry.register", appKey,
				fmt.Errorf("application limit %d reached", s.conf.MaxApplications))
		}
	}

	if known && prev.appKey != appKey {
		next.detach(id, prev.appKey)
	}
	app, ok := next.apps[appKey]
	if !ok {
		app = &appEntry{workers: make(map[string]struct{})}
		next.apps[appKey] = app
	}
	app.app = req.Application.Clone()
	app.workers[id] = struct{}{}

	fitables := make(map[identity.FitableKey]identity.FitableMeta, len(req.Fitables))
	for _, meta := range req.Fitables {
		fitables[meta.Key()] = meta.Clone()
	}
	next.workers[id] = &workerEntry{
		worker:    req.Worker.Clone(),
		appKey:    appKey,
		fitables:  fitables,
		expiresAt: now.Add(lease),
	}
	s.publish(next)
	s.conf.Metrics.observeRegistration("accepted")

	s.logger.Debug("Worker registered", loggingpkg.LogFields{
		"worker_id":   id,
		"application": appKey,
		"fitables":    len(fitables),
		"lease":       lease.String(),
		"refresh":     known,
	})
	return nil
}

// Unregister eagerly removes the listed fitables from the worker. An empty
// list, or removing the last fitable, removes the worker itself.
func (s *Store) Unregister(ctx context.Context, fitables []identity.Fitable, workerID string) error {
	if workerID == "" {
		return errspkg.New(errspkg.KindInvalid, "registry.unregister", "", errspkg.ErrWorkerIDRequired)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.Load().clone()
	next.expire(s.conf.Clock.Now(), s)

	entry, ok := next.workers[workerID]
	if !ok {
		s.publish(next)
		return nil
	}

	remaining := maps.Clone(entry.fitables)
	if len(fitables) > 0 {
		for key, meta := range remaining {
			if slices.ContainsFunc(fitables, func(q identity.Fitable) bool { return q.Matches(meta.Fitable) }) {
				delete(remaining, key)
			}
		}
	} else {
		clear(remaining)
	}

	if len(remaining) == 0 {
		next.detach(workerID, entry.appKey)
		delete(next.workers, workerID)
	} else {
		updated := *entry
		updated.fitables = remaining
		next.workers[workerID] = &updated
	}
	s.publish(next)

	s.logger.Debug("Worker unregistered fitables", loggingpkg.LogFields{
		"worker_id": workerID,
		"remaining": len(remaining),
	})
	return nil
}

// Query returns the live workers hosting each requested fitable, grouped by
// application. A fitable with an empty FitableID selects every fitable of
// its genericable.
func (s *Store) Query(ctx context.Context, fitables []identity.Fitable, callerID string) ([]FitableInstance, error) {
	snap := s.current()
	now := s.conf.Clock.Now()

	seen := make(map[identity.FitableKey]struct{})
	result := make([]FitableInstance, 0, len(fitables))
	for _, q := range fitables {
		for _, inst := range snap.resolve(q, now) {
			key := inst.Meta.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			result = append(result, inst)
		}
	}
	return result, nil
}

// Subscribe returns the same snapshot Query would. No callback is retained.
func (s *Store) Subscribe(ctx context.Context, fitables []identity.Fitable, workerID, callbackFitableID string) ([]FitableInstance, error) {
	s.logger.Trace("Subscription served as snapshot", loggingpkg.LogFields{
		"worker_id": workerID,
		"callback":  callbackFitableID,
	})
	return s.Query(ctx, fitables, workerID)
}

// QueryMeta lists every fitable of the requested genericables with the
// distinct environments hosting it.
func (s *Store) QueryMeta(ctx context.Context, genericables []identity.Genericable) ([]FitableMetaInstance, error) {
	snap := s.current()
	now := s.conf.Clock.Now()

	type metaGroup struct {
		meta  identity.FitableMeta
		owner string
		envs  map[string]struct{}
	}
	groups := make(map[identity.FitableKey]*metaGroup)
	for _, w := range snap.workers {
		if !now.Before(w.expiresAt) {
			continue
		}
		for key, meta := range w.fitables {
			if !slices.ContainsFunc(genericables, func(g identity.Genericable) bool {
				return g.ID == meta.GenericableID && (g.Version == "" || g.Version == meta.GenericableVersion)
			}) {
				continue
			}
			g, ok := groups[key]
			if !ok {
				g = &metaGroup{meta: meta, owner: w.worker.ID, envs: make(map[string]struct{})}
				groups[key] = g
			} else if w.worker.ID < g.owner {
				g.meta, g.owner = meta, w.worker.ID
			}
			if w.worker.Environment != "" {
				g.envs[w.worker.Environment] = struct{}{}
			}
		}
	}

	result := make([]FitableMetaInstance, 0, len(groups))
	for _, key := range sortedKeys(groups) {
		g := groups[key]
		envs := slices.Sorted(maps.Keys(g.envs))
		if envs == nil {
			envs = []string{}
		}
		result = append(result, FitableMetaInstance{Meta: g.meta.Clone(), Environments: envs})
	}
	return result, nil
}

// Workers returns every live worker sorted by id.
func (s *Store) Workers() []identity.Worker {
	snap := s.current()
	now := s.conf.Clock.Now()
	workers := make([]identity.Worker, 0, len(snap.workers))
	for _, w := range snap.workers {
		if now.Before(w.expiresAt) {
			workers = append(workers, w.worker.Clone())
		}
	}
	slices.SortFunc(workers, func(a, b identity.Worker) int { return strings.Compare(a.ID, b.ID) })
	return workers
}

// current returns the published snapshot, sweeping it first when a lease is
// known to have elapsed.
func (s *Store) current() *snapshot {
	snap := s.state.Load()
	if !snap.due(s.conf.Clock.Now()) {
		return snap
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap = s.state.Load()
	now := s.conf.Clock.Now()
	if !snap.due(now) {
		return snap
	}
	next := snap.clone()
	next.expire(now, s)
	s.publish(next)
	return next
}

// publish must be called with s.mu held.
func (s *Store) publish(next *snapshot) {
	next.refreshExpiry()
	s.state.Store(next)
	s.conf.Metrics.observeSize(len(next.workers), len(next.apps))
}

func (s *Store) validateRequest(req RegisterRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return errspkg.New(errspkg.KindInvalid, "registry.register", req.Worker.ID, err)
	}
	return nil
}

func (s *Store) leaseFor(req RegisterRequest) time.Duration {
	for _, raw := range []string{req.Lease, req.Worker.Extensions[identity.ExtensionLease]} {
		if lease, ok := parseLease(raw); ok {
			return lease
		}
	}
	return s.conf.DefaultLease
}

func parseLease(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || !(secs > 0) || secs > math.MaxInt64/float64(time.Second) {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func (snap *snapshot) clone() *snapshot {
	next := &snapshot{
		workers: maps.Clone(snap.workers),
		apps:    make(map[string]*appEntry, len(snap.apps)),
	}
	for key, app := range snap.apps {
		next.apps[key] = &appEntry{app: app.app, workers: maps.Clone(app.workers)}
	}
	return next
}

func (snap *snapshot) due(now time.Time) bool {
	return !snap.nextExpiry.IsZero() && !now.Before(snap.nextExpiry)
}

func (snap *snapshot) refreshExpiry() {
	snap.nextExpiry = time.Time{}
	for _, w := range snap.workers {
		if snap.nextExpiry.IsZero() || w.expiresAt.Before(snap.nextExpiry) {
			snap.nextExpiry = w.expiresAt
		}
	}
}

// expire drops workers whose lease elapsed and applications left without
// workers.
func (snap *snapshot) expire(now time.Time, s *Store) {
	var expired []string
	for id, w := range snap.workers {
		if !now.Before(w.expiresAt) {
			expired = append(expired, id)
			snap.detach(id, w.appKey)
			delete(snap.workers, id)
		}
	}
	if len(expired) == 0 {
		return
	}
	s.conf.Metrics.observeExpired(len(expired))
	slices.Sort(expired)
	s.logger.Info("Expired workers removed", loggingpkg.LogFields{"workers": expired})
}

func (snap *snapshot) detach(workerID, appKey string) {
	app, ok := snap.apps[appKey]
	if !ok {
		return
	}
	delete(app.workers, workerID)
	if len(app.workers) == 0 {
		delete(snap.apps, appKey)
	}
}

func (snap *snapshot) resolve(q identity.Fitable, now time.Time) []FitableInstance {
	type group struct {
		meta  identity.FitableMeta
		owner string
		apps  map[string][]identity.Worker
	}
	groups := make(map[identity.FitableKey]*group)
	for _, w := range snap.workers {
		if !now.Before(w.expiresAt) {
			continue
		}
		for key, meta := range w.fitables {
			if !q.Matches(meta.Fitable) {
				continue
			}
			g, ok := groups[key]
			if !ok {
				g = &group{meta: meta, owner: w.worker.ID, apps: make(map[string][]identity.Worker)}
				groups[key] = g
			} else if w.worker.ID < g.owner {
				g.meta, g.owner = meta, w.worker.ID
			}
			g.apps[w.appKey] = append(g.apps[w.appKey], w.worker)
		}
	}

	result := make([]FitableInstance, 0, len(groups))
	for _, key := range sortedKeys(groups) {
		g := groups[key]
		inst := FitableInstance{Meta: g.meta.Clone()}
		appKeys := slices.Collect(maps.Keys(g.apps))
		slices.SortFunc(appKeys, func(a, b string) int {
			x, y := snap.apps[a].app, snap.apps[b].app
			return cmp.Or(strings.Compare(x.Name, y.Name), strings.Compare(x.Version, y.Version))
		})
		for _, appKey := range appKeys {
			app := snap.apps[appKey].app
			workers := g.apps[appKey]
			slices.SortFunc(workers, func(a, b identity.Worker) int { return strings.Compare(a.ID, b.ID) })
			inst.Applications = append(inst.Applications, ApplicationInstance{
				Application: app.Clone(),
				Formats:     slices.Clone(g.meta.Formats),
				Workers:     collapse(app, g.meta.Formats, workers),
			})
		}
		result = append(result, inst)
	}
	return result
}

// collapse replaces the workers of a cluster-domain application with one
// representative, the lowest worker id, addressed through the domain host.
func collapse(app identity.Application, formats []identity.Format, workers []identity.Worker) []identity.Worker {
	domain, ok := app.ClusterDomain()
	if !ok || len(workers) == 0 {
		out := make([]identity.Worker, len(workers))
		for i, w := range workers {
			out[i] = w.Clone()
		}
		return out
	}

	rep := workers[0].Clone()
	var addrFormats []identity.Format
	for _, addr := range rep.Addresses {
		for _, f := range addr.Formats {
			if !slices.Contains(addrFormats, f) {
				addrFormats = append(addrFormats, f)
			}
		}
	}
	if len(addrFormats) == 0 {
		addrFormats = slices.Clone(formats)
	}
	rep.Addresses = []identity.Address{{
		Host:      domain,
		Endpoints: app.ClusterPorts(),
		Formats:   addrFormats,
	}}
	return []identity.Worker{rep}
}

func sortedKeys[V any](m map[identity.FitableKey]V) []identity.FitableKey {
	keys := slices.Collect(maps.Keys(m))
	slices.SortFunc(keys, func(a, b identity.FitableKey) int {
		return cmp.Or(
			strings.Compare(a.GenericableID, b.GenericableID),
			strings.Compare(a.FitableID, b.FitableID),
			strings.Compare(a.FitableVersion, b.FitableVersion),
		)
	})
	return keys
}
