// Package session implements component D: a per-endpoint pool of live
// transport drivers shared by every poller that talks to the same physical
// link, with health tracking, backoff reconnect, and idle reaping.
//
// Grounded on the teacher's client construction pattern (one *Client wraps
// one Transport, opened lazily and reused) generalized into the spec's
// pooled-by-endpoint model (§4.4): devices whose connections normalize to
// the same endpoint key (same address and unit id) serialize through the
// same underlying Driver rather than each opening their own. The key
// includes the unit id, so several unit ids on one RTU serial port are
// separate entries that do not share a Driver; while one of them holds the
// port open, the others' dials fail with PortBusy.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldpulse/devicegw/common"
	"github.com/fieldpulse/devicegw/device"
	"github.com/fieldpulse/devicegw/transport"
	"go.uber.org/zap"
)

const (
	minReconnectInterval = time.Second
	maxReconnectInterval = 30 * time.Second
)

// entry is one pooled endpoint: a single Driver (TCP socket or RTU serial
// port) plus the bookkeeping needed to serialize access, reconnect on
// failure, and reap it when idle.
type entry struct {
	mu sync.Mutex // serializes every ExchangeUnit on this endpoint

	key     string
	driver  transport.Driver
	dial    func(ctx context.Context) (transport.Driver, error)
	healthy bool

	lastUsed      time.Time
	nextRetryAt   time.Time
	backoff       time.Duration
	leasedCount   int // active Acquire()s, for the reaper's in-use check
}

// Lease is a held, exclusive handle to one endpoint's driver. Callers must
// call Release exactly once.
type Lease struct {
	m      *Manager
	e      *entry
	opts   device.ConnectionOptions
	closed bool
}

// Manager pools transport drivers by normalized endpoint (§4.4). Safe for
// concurrent use by many pollers.
type Manager struct {
	logger *zap.Logger

	mu      sync.Mutex // guards entries map only, never held during an exchange
	entries map[string]*entry
}

// NewManager builds a Manager. Idle pooled endpoints are closed by calling
// Reap periodically with the configured MODBUS_SESSION_IDLE_TTL (§4.4, §6).
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger, entries: make(map[string]*entry)}
}

// NormalizeEndpoint builds the pooling key for a connection: devices that
// resolve to the same key share one Driver (§4.4).
func NormalizeEndpoint(c device.Connection) string {
	switch c.Kind {
	case device.ConnectionTCP:
		return fmt.Sprintf("tcp://%s:%d#%d", c.IP, c.Port, c.UnitID)
	case device.ConnectionRTU:
		return fmt.Sprintf("rtu://%s|%d|%d|%s|%d#%d", c.SerialPort, c.BaudRate, c.DataBits, c.ParityBit, c.StopBits, c.UnitID)
	default:
		return fmt.Sprintf("unknown://%v", c)
	}
}

// Acquire returns an exclusive Lease on the endpoint described by conn,
// dialing or opening it if this is the first use, or if the prior attempt's
// backoff window has elapsed. Acquire blocks only on its own endpoint's
// mutex; unrelated endpoints never contend with each other (§4.4: never
// serialize across different devices).
func (m *Manager) Acquire(ctx context.Context, conn device.Connection, opts device.ConnectionOptions) (*Lease, error) {
	e := m.entryFor(conn, opts)

	e.mu.Lock()
	// Held until Lease.Release unlocks it: exactly one ExchangeUnit may be
	// in flight per endpoint (§4.4).

	if e.driver == nil || !e.healthy {
		now := timeNow()
		if !e.nextRetryAt.IsZero() && now.Before(e.nextRetryAt) {
			e.mu.Unlock()
			return nil, common.New(common.KindConnRefused, fmt.Errorf("endpoint %s in backoff until %s", e.key, e.nextRetryAt))
		}
		driver, err := e.dial(ctx)
		if err != nil {
			e.backoff = nextBackoff(e.backoff, opts.ReconnectInterval)
			e.nextRetryAt = now.Add(e.backoff)
			e.healthy = false
			m.logger.Warn("endpoint dial failed", zap.String("endpoint", e.key), zap.Error(err), zap.Duration("retry_in", e.backoff))
			e.mu.Unlock()
			return nil, err
		}
		e.driver = driver
		e.healthy = true
		e.backoff = 0
		e.nextRetryAt = time.Time{}
		m.logger.Debug("endpoint opened", zap.String("endpoint", e.key))
	}

	e.leasedCount++
	e.lastUsed = timeNow()
	return &Lease{m: m, e: e, opts: opts}, nil
}

// entryFor returns the pooled entry for conn, creating it under the
// manager-level lock if this is the first use of its endpoint.
func (m *Manager) entryFor(conn device.Connection, opts device.ConnectionOptions) *entry {
	key := NormalizeEndpoint(conn)

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e
	}
	e := &entry{key: key, dial: dialerFor(m.logger, conn, opts)}
	m.entries[key] = e
	return e
}

func dialerFor(logger *zap.Logger, conn device.Connection, opts device.ConnectionOptions) func(context.Context) (transport.Driver, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	switch conn.Kind {
	case device.ConnectionTCP:
		endpoint := fmt.Sprintf("%s:%d", conn.IP, conn.Port)
		return func(ctx context.Context) (transport.Driver, error) {
			return transport.DialTCP(ctx, logger, endpoint, timeout)
		}
	case device.ConnectionRTU:
		cfg := transport.RTUConfig{
			Device:   conn.SerialPort,
			Baud:     conn.BaudRate,
			DataBits: conn.DataBits,
			Parity:   parityCode(conn.ParityBit),
			StopBits: conn.StopBits,
		}
		return func(ctx context.Context) (transport.Driver, error) {
			return transport.OpenRTU(logger, cfg)
		}
	default:
		return func(context.Context) (transport.Driver, error) {
			return nil, common.Newf(common.KindInvalidDefinition, "unsupported connection kind %q", conn.Kind)
		}
	}
}

func parityCode(p device.Parity) string {
	switch p {
	case device.ParityEven:
		return "E"
	case device.ParityOdd:
		return "O"
	default:
		return "N"
	}
}

func nextBackoff(current, configuredStart time.Duration) time.Duration {
	start := configuredStart
	if start <= 0 {
		start = minReconnectInterval
	}
	if current == 0 {
		return start
	}
	next := current * 2
	if next > maxReconnectInterval {
		return maxReconnectInterval
	}
	return next
}

// ExchangeUnit performs one request/response exchange over the leased
// endpoint, retrying up to opts.Retries times (§4.1: "Timeout … Retry up to
// retries", "ProtocolError … Retry up to retries") when common.Retryable
// says the failure kind is worth another attempt. Any error is classified
// via common.Kind; connection-level failures (anything but a clean
// protocol-level response) mark the entry unhealthy so the next Acquire
// redials per the backoff schedule.
func (l *Lease) ExchangeUnit(ctx context.Context, req []byte, expectedCount int) ([]byte, error) {
	retryInterval := l.opts.RetryInterval
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}

	var resp []byte
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = l.e.driver.ExchangeUnit(ctx, req, expectedCount)
		if err == nil {
			return resp, nil
		}

		kind, ok := common.KindOf(err)
		if ok {
			switch kind {
			case common.KindIOError, common.KindClosedByPeer, common.KindTimeout, common.KindCancelled:
				l.e.healthy = false
			}
		}

		if !ok || !common.Retryable(kind) || attempt >= l.opts.Retries {
			return resp, err
		}

		select {
		case <-ctx.Done():
			return resp, err
		case <-time.After(retryInterval):
		}
	}
}

// Release gives up the lease. The endpoint's driver stays open (pooled) for
// the next Acquire unless an exchange marked the entry unhealthy, in which
// case Release closes the driver so the next Acquire redials.
func (l *Lease) Release() {
	if l.closed {
		return
	}
	l.closed = true
	l.e.leasedCount--
	l.e.lastUsed = timeNow()
	if !l.e.healthy && l.e.driver != nil {
		_ = l.e.driver.Close()
		l.e.driver = nil
	}
	l.e.mu.Unlock()
}

// Reap closes and evicts every pooled entry that has had no in-flight lease
// for at least idleTTL (§4.4, §6 MODBUS_SESSION_IDLE_TTL). Safe to call
// periodically from a background goroutine in cmd/gatewayd.
func (m *Manager) Reap(idleTTL time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := timeNow()
	for key, e := range m.entries {
		e.mu.Lock()
		idle := e.leasedCount == 0 && e.driver != nil && now.Sub(e.lastUsed) >= idleTTL
		if idle {
			_ = e.driver.Close()
			e.driver = nil
			m.logger.Debug("reaped idle endpoint", zap.String("endpoint", key))
		}
		empty := e.driver == nil && e.leasedCount == 0
		e.mu.Unlock()
		if empty {
			delete(m.entries, key)
		}
	}
}

// Shutdown closes every pooled driver unconditionally, for process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		e.mu.Lock()
		if e.driver != nil {
			_ = e.driver.Close()
			e.driver = nil
		}
		e.mu.Unlock()
		delete(m.entries, key)
	}
}

// timeNow is a seam for tests; production always uses time.Now.
var timeNow = time.Now
