package registry

import (
	"context"
	"time"

	"github.com/wuayee/fitbroker/internal/runtime/identity"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
)

// RequestFunc returns the registration to publish. It is called on every
// beat, so fitables added after start are picked up.
type RequestFunc func() RegisterRequest

// Fixed publishes the same registration on every beat.
func Fixed(req RegisterRequest) RequestFunc {
	return func() RegisterRequest { return req }
}

// Heartbeat keeps a worker registration alive by re-registering at interval
// until ctx is cancelled, then unregisters the worker. A zero interval
// derives one third of lease, or of DefaultLease when lease is unset. The
// first registration must succeed; later failures are logged.
func Heartbeat(ctx context.Context, reg Registry, next RequestFunc, interval time.Duration, log loggingpkg.ServiceLogger) error {
	log = loggingpkg.OrNop(log)
	req := next()
	if interval <= 0 {
		lease, ok := parseLease(req.Lease)
		if !ok {
			lease = DefaultLease
		}
		interval = lease / 3
	}

	if err := reg.Register(ctx, req); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The parent context is gone, give the final call its own deadline.
			unregisterCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interval)
			err := reg.Unregister(unregisterCtx, []identity.Fitable{}, req.Worker.ID)
			cancel()
			if err != nil {
				log.Error("Failed to unregister worker", err, loggingpkg.LogFields{"worker_id": req.Worker.ID})
			}
			return nil
		case <-ticker.C:
			req = next()
			if err := reg.Register(ctx, req); err != nil {
				log.Error("Heartbeat registration failed", err, loggingpkg.LogFields{"worker_id": req.Worker.ID})
			}
		}
	}
}
