// Package lease provides a lease-based distributed lock for named jobs.
// Multiple worker processes race a conditional write against a shared store;
// the holder keeps the lease alive with a heartbeat and everyone else backs
// off. All expiry comparisons happen on the store's clock, so worker clock
// drift cannot break mutual exclusion.
package lease

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"expense-alerts/internal/common/logger"
	"expense-alerts/internal/common/metrics"
)

// DefaultDuration is used when a caller passes a non-positive lease duration.
const DefaultDuration = 5 * time.Minute

// Store is the shared backing store for leases. TryAcquire must be a single
// conditional write (insert if absent, overwrite only if expired) followed by
// a re-read: it returns true iff the given identity holds the lease
// afterwards. Renew extends the lease only while the identity still holds a
// non-expired lease. Release is best-effort.
type Store interface {
	TryAcquire(ctx context.Context, jobName, identity string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, jobName, identity string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobName, identity string) error
}

// Handle represents a held lease.
type Handle struct {
	JobName  string
	Identity string
	TTL      time.Duration

	lost atomic.Bool
}

// Lost reports whether a heartbeat renewal has failed since acquisition.
// The in-flight job is not cancelled on loss; it only stops being
// authoritative (see Outcome doc).
func (h *Handle) Lost() bool {
	return h.lost.Load()
}

// Outcome is the result of a WithLock call. Executed=false means another
// instance holds the lease; that is the expected contention case, not an
// error. Err carries a failure from fn (or a panic converted to an error)
// when Executed is true.
type Outcome struct {
	Executed bool
	Err      error
}

// Manager coordinates lease acquisition and heartbeat renewal over a Store.
type Manager struct {
	store Store
	log   logger.Logger
}

func NewManager(store Store, log logger.Logger) *Manager {
	return &Manager{
		store: store,
		log:   log.WithFields(map[string]interface{}{"component": "lease"}),
	}
}

// Acquire attempts to take the lease for jobName. Returns nil (no error)
// when another worker holds a still-valid lease.
func (m *Manager) Acquire(ctx context.Context, jobName string, duration time.Duration) (*Handle, error) {
	if duration <= 0 {
		m.log.Warn("non-positive lease duration, using default", map[string]interface{}{
			"jobName":  jobName,
			"duration": duration.String(),
			"default":  DefaultDuration.String(),
		})
		duration = DefaultDuration
	}

	identity := uuid.New().String()

	held, err := m.store.TryAcquire(ctx, jobName, identity, duration)
	if err != nil {
		metrics.LeaseAcquisitions.WithLabelValues(jobName, "error").Inc()
		return nil, fmt.Errorf("lease acquire for %q: %w", jobName, err)
	}
	if !held {
		metrics.LeaseAcquisitions.WithLabelValues(jobName, "contended").Inc()
		m.log.Debug("lease held by another worker", map[string]interface{}{"jobName": jobName})
		return nil, nil
	}

	metrics.LeaseAcquisitions.WithLabelValues(jobName, "acquired").Inc()
	m.log.Info("lease acquired", map[string]interface{}{
		"jobName":  jobName,
		"identity": identity,
		"duration": duration.String(),
	})

	return &Handle{JobName: jobName, Identity: identity, TTL: duration}, nil
}

// Renew extends the held lease. Returns false when ownership was lost or the
// lease already lapsed; the handle is marked lost either way.
func (m *Manager) Renew(ctx context.Context, h *Handle) bool {
	ok, err := m.store.Renew(ctx, h.JobName, h.Identity, h.TTL)
	if err != nil {
		m.log.Warn("lease renew failed", map[string]interface{}{
			"jobName": h.JobName,
			"error":   err.Error(),
		})
		ok = false
	}
	if !ok {
		h.lost.Store(true)
		metrics.LeaseRenewFailures.WithLabelValues(h.JobName).Inc()
	}
	return ok
}

// Release sets the lease into the past. Best-effort: on failure the lease
// simply expires on its own.
func (m *Manager) Release(ctx context.Context, h *Handle) {
	if err := m.store.Release(ctx, h.JobName, h.Identity); err != nil {
		m.log.Warn("lease release failed, lease will expire naturally", map[string]interface{}{
			"jobName": h.JobName,
			"error":   err.Error(),
		})
		return
	}
	m.log.Info("lease released", map[string]interface{}{"jobName": h.JobName})
}

// WithLock runs fn under the named lease with a heartbeat renewing every
// duration/3. The heartbeat is cancelled and the lease released on every
// exit path, including a panic inside fn (returned as Outcome.Err).
//
// A failed renewal does not cancel fn: the run keeps going, the dedup layer
// downstream re-checks per candidate, and the worst case is a duplicate Sent
// log in a narrow window. Callers needing hard cancellation can watch
// Handle.Lost from inside fn.
func (m *Manager) WithLock(ctx context.Context, jobName string, duration time.Duration, fn func(ctx context.Context) error) (Outcome, error) {
	handle, err := m.Acquire(ctx, jobName, duration)
	if err != nil {
		return Outcome{}, err
	}
	if handle == nil {
		return Outcome{Executed: false}, nil
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.heartbeat(ctx, handle, stop)
	}()

	defer func() {
		close(stop)
		wg.Wait()
		m.Release(ctx, handle)
	}()

	outcome := Outcome{Executed: true}
	outcome.Err = m.runProtected(ctx, fn)
	return outcome, nil
}

func (m *Manager) runProtected(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// heartbeat renews until stopped or until a renewal fails. Once the lease is
// lost, renewing further would only reclaim it from its new holder, so the
// loop exits.
func (m *Manager) heartbeat(ctx context.Context, h *Handle, stop <-chan struct{}) {
	interval := h.TTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Renew(ctx, h) {
				m.log.Warn("lease lost during run, continuing without lock authority", map[string]interface{}{
					"jobName": h.JobName,
				})
				return
			}
			m.log.Debug("lease renewed", map[string]interface{}{"jobName": h.JobName})
		}
	}
}
