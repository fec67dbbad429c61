// Package registry implements component F: the process-wide table of
// pollers, one per actively-polled device. It is the boundary the HTTP
// layer (cmd/gatewayd) talks to — it never knows about transport, session,
// or decode directly.
//
// Grounded on the teacher's server-side listener registry (one goroutine
// per accepted connection, tracked in a map guarded by a mutex),
// generalized from "one entry per connection" to "one entry per polled
// device" per §4.6.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldpulse/devicegw/common"
	"github.com/fieldpulse/devicegw/config"
	"github.com/fieldpulse/devicegw/device"
	"github.com/fieldpulse/devicegw/poller"
	"github.com/fieldpulse/devicegw/session"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	startDebounce = 3 * time.Second
	stopDebounce  = 5 * time.Second
)

type entry struct {
	mu          sync.Mutex
	p           *poller.Poller
	lastStartAt time.Time
	lastStopAt  time.Time

	subMu sync.Mutex
	subs  []chan device.Snapshot
}

// Registry tracks every device's Poller and brokers Start/Stop/Status/
// Snapshot/Write/TestConnection/Subscribe against it (§4.6).
type Registry struct {
	repo   device.Repository
	mgr    *session.Manager
	cfg    config.Config
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New builds a Registry backed by repo for device definitions and mgr for
// pooled transport sessions.
func New(repo device.Repository, mgr *session.Manager, cfg config.Config, logger *zap.Logger) *Registry {
	return &Registry{repo: repo, mgr: mgr, cfg: cfg, logger: logger, entries: make(map[string]*entry)}
}

func (r *Registry) entryFor(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e
	}
	e := &entry{}
	r.entries[id] = e
	return e
}

func (r *Registry) activeCount(self *entry) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e == self {
			// The caller already holds self.mu and self has no poller yet.
			continue
		}
		e.mu.Lock()
		if e.p != nil && (e.p.Status() == poller.StatusActive || e.p.Status() == poller.StatusStarting) {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Start begins polling a device. Repeated calls within startDebounce of the
// previous Start are silently absorbed (§4.6). Exceeding
// MODBUS_MAX_CONCURRENT_POLLS fails with TooManyPollers.
func (r *Registry) Start(ctx context.Context, deviceID string) error {
	e := r.entryFor(deviceID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.lastStartAt.IsZero() && time.Since(e.lastStartAt) < startDebounce {
		return nil
	}

	if e.p == nil {
		def, err := r.repo.LoadDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		if r.activeCount(e) >= r.cfg.MaxConcurrentPolls {
			return common.Newf(common.KindTooManyPollers, "max concurrent pollers (%d) reached", r.cfg.MaxConcurrentPolls)
		}
		e.p = poller.New(deviceID, def, r.mgr, r.logger)
	}

	e.lastStartAt = time.Now()
	if err := e.p.Start(ctx); err != nil {
		return err
	}
	go r.publishLoop(deviceID, e)
	return nil
}

// Stop halts polling for a device. Repeated calls within stopDebounce of the
// previous Stop are silently absorbed (§4.6).
func (r *Registry) Stop(deviceID string) error {
	e := r.entryFor(deviceID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.p == nil {
		return nil
	}
	if !e.lastStopAt.IsZero() && time.Since(e.lastStopAt) < stopDebounce {
		return nil
	}
	e.lastStopAt = time.Now()
	return e.p.Stop(r.cfg.DefaultTimeout)
}

// Status reports a device's poller lifecycle state.
func (r *Registry) Status(deviceID string) (poller.Status, error) {
	e := r.entryFor(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p == nil {
		return poller.StatusStopped, nil
	}
	return e.p.Status(), nil
}

// Snapshot returns the latest published values for a device.
func (r *Registry) Snapshot(ctx context.Context, deviceID string, forceRefresh bool) (device.Snapshot, error) {
	e := r.entryFor(deviceID)
	e.mu.Lock()
	p := e.p
	e.mu.Unlock()
	if p == nil {
		return device.Snapshot{DeviceID: deviceID, Stale: true}, nil
	}
	return p.Snapshot(ctx, forceRefresh), nil
}

// TestConnection checks a device's transport link without starting regular
// polling, reusing the running poller if one exists or building a transient
// one otherwise.
func (r *Registry) TestConnection(ctx context.Context, deviceID string) error {
	p, err := r.pollerFor(ctx, deviceID)
	if err != nil {
		return err
	}
	return p.TestConnection(ctx)
}

// Read performs one synchronous, one-shot read of every configured
// DataPoint, independent of whether regular polling is running (§6 GET
// /devices/{id}/read).
func (r *Registry) Read(ctx context.Context, deviceID string) (device.Snapshot, error) {
	p, err := r.pollerFor(ctx, deviceID)
	if err != nil {
		return device.Snapshot{}, err
	}
	return p.ReadOnce(ctx), nil
}

// Write issues one or more one-shot control writes against a device,
// reusing the running poller if one exists or building a transient one
// otherwise.
func (r *Registry) Write(ctx context.Context, deviceID string, writes []poller.WriteRequest) ([]poller.WriteResult, error) {
	p, err := r.pollerFor(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return p.Write(ctx, writes), nil
}

// pollerFor returns the device's running poller if one exists, or builds a
// transient one (not stored in the registry) for a one-shot operation.
func (r *Registry) pollerFor(ctx context.Context, deviceID string) (*poller.Poller, error) {
	e := r.entryFor(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p != nil {
		return e.p, nil
	}
	def, err := r.repo.LoadDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return poller.New(deviceID, def, r.mgr, r.logger), nil
}

// Subscribe returns a lossy, coalescing channel of Snapshots for a device:
// a slow reader misses intermediate ticks rather than blocking the poller
// (§4.6). unsubscribe must be called when the caller is done.
func (r *Registry) Subscribe(deviceID string) (ch <-chan device.Snapshot, unsubscribe func()) {
	e := r.entryFor(deviceID)
	c := make(chan device.Snapshot, 1)

	e.subMu.Lock()
	e.subs = append(e.subs, c)
	e.subMu.Unlock()

	return c, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		for i, s := range e.subs {
			if s == c {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				close(c)
				break
			}
		}
	}
}

// publishLoop watches a poller's Snapshot and fans it out to subscribers
// until the poller is Stopped (it keeps running while the poller is in
// Error), exiting once it stops.
func (r *Registry) publishLoop(deviceID string, e *entry) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var lastTS time.Time
	for range ticker.C {
		e.mu.Lock()
		p := e.p
		e.mu.Unlock()
		if p == nil || p.Status() == poller.StatusStopped {
			return
		}
		snap := p.Snapshot(context.Background(), false)
		if snap.Timestamp.Equal(lastTS) {
			continue
		}
		lastTS = snap.Timestamp

		e.subMu.Lock()
		for _, s := range e.subs {
			select {
			case s <- snap:
			default:
				// Slow subscriber: drop the stale pending value and push
				// the fresher one, coalescing rather than blocking.
				select {
				case <-s:
				default:
				}
				select {
				case s <- snap:
				default:
				}
			}
		}
		e.subMu.Unlock()
	}
}

// Shutdown stops every running poller concurrently, aggregating per-poller
// stop errors, closes the session pool, and returns once all have stopped
// or deadline plus 500ms has elapsed.
func (r *Registry) Shutdown(deadline time.Duration) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	entries := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(entries))
	for i, e := range entries {
		e := e
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.mu.Lock()
			p := e.p
			e.mu.Unlock()
			if p == nil {
				return
			}
			if err := p.Stop(deadline); err != nil {
				errs[i] = fmt.Errorf("device %s: %w", ids[i], err)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(deadline + 500*time.Millisecond):
		r.logger.Warn("registry shutdown deadline exceeded")
	}

	// §4.6: Shutdown must close all sessions before returning, not leave it
	// to whatever composition root happens to call mgr.Shutdown separately.
	r.mgr.Shutdown()

	return multierr.Combine(errs...)
}
