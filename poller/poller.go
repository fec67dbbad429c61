// Package poller implements component E: a per-device state machine that
// ticks on the device's polling interval, reads every configured Range
// through the session manager, decodes it, and publishes one atomic
// Snapshot per tick. It also serves the one-shot TestConnection and Write
// control paths outside the regular tick loop.
//
// Grounded on the teacher's read-loop shape (acquire transport, exchange,
// decode, release) generalized from a single blocking call into a
// supervised, cancellable tick with coalesced backlog, matching §4.5's
// "never let ticks queue up" requirement.
package poller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldpulse/devicegw/common"
	"github.com/fieldpulse/devicegw/decode"
	"github.com/fieldpulse/devicegw/device"
	"github.com/fieldpulse/devicegw/protocol"
	"github.com/fieldpulse/devicegw/session"
	"go.uber.org/zap"
)

// Status is a poller's lifecycle state (§4.5).
type Status string

const (
	StatusStopped  Status = "Stopped"
	StatusStarting Status = "Starting"
	StatusActive   Status = "Active"
	StatusError    Status = "Error"
)

// Metrics are cumulative per-poller counters exposed for observability
// (SPEC_FULL §4.5a).
type Metrics struct {
	Ticks       int64
	TickErrors  int64
	RangeErrors int64
}

// Poller runs the tick loop for one device definition.
type Poller struct {
	id     string
	def    device.Definition
	mgr    *session.Manager
	logger *zap.Logger

	mu       sync.Mutex
	status   Status
	lastErr  error
	stopCh   chan struct{}
	doneCh   chan struct{}
	busy     int32 // 0 or 1; backlog cap of 1 (§4.5)
	snapshot atomic.Value // device.Snapshot

	txID     uint32
	metrics  Metrics
}

// New builds a Poller for one device. The poller does not start ticking
// until Start is called.
func New(id string, def device.Definition, mgr *session.Manager, logger *zap.Logger) *Poller {
	p := &Poller{id: id, def: def, mgr: mgr, logger: logger, status: StatusStopped}
	p.snapshot.Store(device.Snapshot{DeviceID: id, DeviceName: def.Name, Stale: true})
	return p
}

// Status returns the poller's current lifecycle state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// LastError returns the error from the most recent failed tick, or nil.
func (p *Poller) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Metrics returns a snapshot of this poller's cumulative counters.
func (p *Poller) Metrics() Metrics {
	return Metrics{
		Ticks:       atomic.LoadInt64(&p.metrics.Ticks),
		TickErrors:  atomic.LoadInt64(&p.metrics.TickErrors),
		RangeErrors: atomic.LoadInt64(&p.metrics.RangeErrors),
	}
}

// Snapshot returns the most recently published result. If forceRefresh is
// set and the poller is active, it runs one synchronous tick first.
func (p *Poller) Snapshot(ctx context.Context, forceRefresh bool) device.Snapshot {
	if forceRefresh && p.Status() == StatusActive {
		p.tick(ctx)
	}
	return p.snapshot.Load().(device.Snapshot)
}

// ReadOnce performs exactly one read of every configured DataPoint and
// returns the resulting Snapshot directly, regardless of whether the
// regular tick loop is running. Used by the one-shot read HTTP route (§6),
// which does not require polling to have been started. Unlike the regular
// tick loop, a fully-failed ReadOnce still returns its own per-reading
// errors rather than falling back to a stale cached snapshot: the caller
// asked for a fresh read and should see what that read actually produced.
func (p *Poller) ReadOnce(ctx context.Context) device.Snapshot {
	snap, _, _, _ := p.runTick(ctx)
	return snap
}

// Start transitions Stopped -> Starting and launches the tick loop. Calling
// Start on an already-running poller is a no-op. A malformed
// scalingEquation on any parameter fails Start outright with
// InvalidDefinition (§4.3a) rather than silently no-oping on every tick.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.status != StatusStopped {
		p.mu.Unlock()
		return nil
	}
	if !p.def.Enabled {
		p.mu.Unlock()
		return common.New(common.KindDeviceDisabled, fmt.Errorf("device %s is disabled", p.id))
	}
	p.mu.Unlock()

	if err := p.validateEquations(); err != nil {
		return err
	}

	p.mu.Lock()
	p.status = StatusStarting
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.loop()
	return nil
}

// validateEquations parses every configured scalingEquation up front so a
// malformed expression fails Start immediately instead of degrading every
// subsequent tick's readings (§4.3a).
func (p *Poller) validateEquations() error {
	for _, dp := range p.def.DataPoints {
		for _, param := range dp.Parser.Parameters {
			if param.ScalingEquation == "" {
				continue
			}
			if _, err := decode.ParseEquation(param.ScalingEquation); err != nil {
				return common.Newf(common.KindInvalidDefinition, "device %s: parameter %s: %s", p.id, param.Name, err.Error())
			}
		}
	}
	return nil
}

// Stop signals the loop to exit and blocks until it does, or until
// timeout+500ms elapses (§4.5's cancellation contract), whichever is first.
// A mid-flight exchange is forced closed via the tick's context cancellation
// so Stop never blocks on a hung device.
func (p *Poller) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.status == StatusStopped {
		p.mu.Unlock()
		return nil
	}
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout + 500*time.Millisecond):
		p.logger.Warn("poller stop deadline exceeded, returning anyway", zap.String("device", p.id))
	}

	p.mu.Lock()
	p.status = StatusStopped
	p.mu.Unlock()
	return nil
}

func (p *Poller) loop() {
	defer close(p.doneCh)

	interval := p.def.ClampedPollingInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopCh
		cancel()
	}()

	p.tick(ctx)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&p.busy, 0, 1) {
				// Previous tick still running; coalesce rather than queue
				// (§4.5 backlog cap of 1).
				continue
			}
			p.tick(ctx)
			atomic.StoreInt32(&p.busy, 0)
		}
	}
}

// runTick reads every configured DataPoint once and returns the resulting
// Snapshot (Stale always false: staleness is a caching concern for the
// regular tick loop, decided by the caller) along with the tick's
// first-encountered error and per-range success/failure counts. A
// range-level failure aborts only that range; every other range in the
// tick still runs.
func (p *Poller) runTick(ctx context.Context) (device.Snapshot, error, int32, int32) {
	atomic.AddInt64(&p.metrics.Ticks, 1)

	timeout := p.def.Advanced.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	tickCtx, cancel := context.WithTimeout(ctx, timeout*time.Duration(len(p.def.DataPoints)+1))
	defer cancel()

	perRange := make([][]device.Reading, len(p.def.DataPoints))
	var tickErr error
	var successCount, failCount int32
	var tickErrMu sync.Mutex

	concurrency := p.def.Advanced.MaxConcurrentRanges
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, dp := range p.def.DataPoints {
		i, dp := i, dp
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			words, err := p.readRange(tickCtx, dp.Range, timeout)
			if err != nil {
				atomic.AddInt64(&p.metrics.RangeErrors, 1)
				atomic.AddInt32(&failCount, 1)
				tickErrMu.Lock()
				if tickErr == nil {
					tickErr = err
				}
				tickErrMu.Unlock()
				rs := make([]device.Reading, len(dp.Parser.Parameters))
				for k, param := range dp.Parser.Parameters {
					rs[k] = device.Reading{
						Name:          param.Name,
						Tag:           param.Tag,
						RegisterIndex: param.RegisterIndex,
						DataType:      param.DataType,
						Error:         err.Error(),
					}
				}
				perRange[i] = rs
				return
			}
			atomic.AddInt32(&successCount, 1)
			perRange[i] = decode.Decode(dp.Range, words, dp.Parser, p.def.Make)
		}()
	}
	wg.Wait()

	var readings []device.Reading
	for _, rs := range perRange {
		readings = append(readings, rs...)
	}

	snap := device.Snapshot{
		DeviceID:   p.id,
		DeviceName: p.def.Name,
		Timestamp:  time.Now(),
		Values:     readings,
		HasData:    len(readings) > 0,
		Stale:      false,
	}
	return snap, tickErr, successCount, failCount
}

// tick runs one runTick and publishes its result to the poller's cached
// Snapshot, updating status per §4.5 step 5: a tick with at least one
// successful range publishes a fresh snapshot even if other ranges failed;
// a tick with zero successful ranges leaves the last good snapshot in
// place, marked stale, rather than overwriting it with an all-error one
// (§7), and only then does the poller report StatusError.
func (p *Poller) tick(ctx context.Context) {
	snap, tickErr, successCount, failCount := p.runTick(ctx)

	if successCount > 0 {
		p.snapshot.Store(snap)
	} else if failCount > 0 {
		stale := p.snapshot.Load().(device.Snapshot)
		stale.Stale = true
		p.snapshot.Store(stale)
	}

	p.mu.Lock()
	if tickErr != nil {
		atomic.AddInt64(&p.metrics.TickErrors, 1)
		p.lastErr = tickErr
	} else {
		p.lastErr = nil
	}
	if successCount == 0 && failCount > 0 {
		p.status = StatusError
	} else {
		p.status = StatusActive
	}
	p.mu.Unlock()
}

// readRange performs one complete request/response exchange for rng and
// returns its decoded word vector (bits widened to 0/1 words for BIT-typed
// parameters, matching decode.Decode's expectation of one value per word).
func (p *Poller) readRange(ctx context.Context, rng device.Range, timeout time.Duration) ([]uint16, error) {
	lease, err := p.mgr.Acquire(ctx, p.def.Connection, p.def.Advanced)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	exCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fc := deviceFCToProtocol(rng.FC)
	reqPDU := protocol.EncodeReadRequest(fc, rng.StartAddress, rng.Count)
	frame := p.buildFrame(reqPDU)

	respFrame, err := lease.ExchangeUnit(exCtx, frame, int(rng.Count))
	if err != nil {
		return nil, err
	}

	pdu, err := p.extractPDU(respFrame)
	if err != nil {
		return nil, err
	}
	if protocol.IsExceptionFunctionCode(pdu[0]) {
		return nil, protocol.DecodeException(pdu)
	}

	switch rng.FC {
	case device.FCReadCoils, device.FCReadDiscreteInputs:
		bits, err := protocol.DecodeBitsResponse(pdu, int(rng.Count))
		if err != nil {
			return nil, common.New(common.KindProtocolError, err)
		}
		words := make([]uint16, len(bits))
		for i, b := range bits {
			if b {
				words[i] = 1
			}
		}
		return words, nil
	default:
		words, err := protocol.DecodeRegistersResponse(pdu)
		if err != nil {
			return nil, common.New(common.KindProtocolError, err)
		}
		return words, nil
	}
}

func (p *Poller) buildFrame(pdu []byte) []byte {
	unitID := byte(p.def.Connection.UnitID)
	if p.def.Connection.Kind == device.ConnectionTCP {
		id := uint16(atomic.AddUint32(&p.txID, 1))
		return protocol.BuildTCPFrame(id, unitID, pdu)
	}
	return protocol.BuildRTUFrame(unitID, pdu)
}

func (p *Poller) extractPDU(frame []byte) ([]byte, error) {
	if p.def.Connection.Kind == device.ConnectionTCP {
		_, pdu, err := protocol.ParseTCPFrame(frame)
		if err != nil {
			return nil, common.New(common.KindProtocolError, err)
		}
		return pdu, nil
	}
	_, pdu, err := protocol.ParseRTUFrame(frame)
	if err != nil {
		return nil, common.New(common.KindProtocolError, err)
	}
	return pdu, nil
}

func deviceFCToProtocol(fc device.FunctionCode) protocol.FunctionCode {
	switch fc {
	case device.FCReadCoils:
		return protocol.ReadCoils
	case device.FCReadDiscreteInputs:
		return protocol.ReadDiscreteInputs
	case device.FCReadInputRegisters:
		return protocol.ReadInputRegisters
	default:
		return protocol.ReadHoldingRegisters
	}
}

// TestConnection acquires a session and reads a single register from the
// first configured range, or address 0 FC3 if the device has none
// configured (§4.5), reporting both transport- and protocol-level failures
// (a device that accepts a connection but never answers, or answers with an
// exception, is not a successful test).
func (p *Poller) TestConnection(ctx context.Context) error {
	timeout := p.def.Advanced.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	probe := device.Range{StartAddress: 0, Count: 1, FC: device.FCReadHoldingRegisters}
	if len(p.def.DataPoints) > 0 {
		probe = p.def.DataPoints[0].Range
		probe.Count = 1
	}

	_, err := p.readRange(ctx, probe, timeout)
	return err
}

// WriteRequest is one value to write to a register or coil (§4.6 control
// path).
type WriteRequest struct {
	RegisterIndex uint16
	DataType      device.DataType
	Value         any // bool for BIT, else a number
}

// WriteResult is the best-effort outcome of one WriteRequest.
type WriteResult struct {
	RegisterIndex uint16
	Error         string
}

// Write issues one or more write requests, grouping writes to contiguous
// non-BIT register addresses (whatever their data type, one register per
// value) into a single FC16 request and falling back to FC5/FC6 for
// isolated or BIT-typed writes (§4.5). Each group is independent and
// best-effort: a failing group marks only its own members with an error,
// other groups still run.
func (p *Poller) Write(ctx context.Context, writes []WriteRequest) []WriteResult {
	results := make([]WriteResult, len(writes))
	for i := range writes {
		results[i] = WriteResult{RegisterIndex: writes[i].RegisterIndex}
	}

	timeout := p.def.Advanced.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lease, err := p.mgr.Acquire(ctx, p.def.Connection, p.def.Advanced)
	if err != nil {
		for i := range results {
			results[i].Error = err.Error()
		}
		return results
	}
	defer lease.Release()

	order := make([]int, len(writes))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return writes[order[a]].RegisterIndex < writes[order[b]].RegisterIndex })

	i := 0
	for i < len(order) {
		j := i + 1
		for j < len(order) &&
			writes[order[j]].DataType != device.BIT &&
			writes[order[j-1]].DataType != device.BIT &&
			writes[order[j]].RegisterIndex == writes[order[j-1]].RegisterIndex+1 {
			j++
		}
		p.writeGroup(ctx, lease, writes, order[i:j], results, timeout)
		i = j
	}
	return results
}

func (p *Poller) writeGroup(ctx context.Context, lease *session.Lease, writes []WriteRequest, idxs []int, results []WriteResult, timeout time.Duration) {
	exCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fail := func(err error) {
		for _, idx := range idxs {
			results[idx].Error = err.Error()
		}
	}

	if len(idxs) == 1 {
		w := writes[idxs[0]]
		var pdu []byte
		if w.DataType == device.BIT {
			b, ok := w.Value.(bool)
			if !ok {
				fail(common.Newf(common.KindInvalidParameter, "value for coil %d is not a bool", w.RegisterIndex))
				return
			}
			pdu = protocol.EncodeWriteSingleCoilRequest(w.RegisterIndex, b)
		} else {
			v, ok := toUint16(w.Value)
			if !ok {
				fail(common.Newf(common.KindInvalidParameter, "value for register %d is not numeric", w.RegisterIndex))
				return
			}
			pdu = protocol.EncodeWriteSingleRegisterRequest(w.RegisterIndex, v)
		}
		if err := p.exchangeWrite(exCtx, lease, pdu, fail); err != nil {
			return
		}
		return
	}

	values := make([]uint16, len(idxs))
	for k, idx := range idxs {
		v, ok := toUint16(writes[idx].Value)
		if !ok {
			fail(common.Newf(common.KindInvalidParameter, "value for register %d is not numeric", writes[idx].RegisterIndex))
			return
		}
		values[k] = v
	}
	pdu, err := protocol.EncodeWriteMultipleRegistersRequest(writes[idxs[0]].RegisterIndex, values)
	if err != nil {
		fail(common.New(common.KindInvalidParameter, err))
		return
	}
	_ = p.exchangeWrite(exCtx, lease, pdu, fail)
}

// exchangeWrite sends pdu and classifies the result. It calls fail on any
// error (already recorded into results) and returns that error for the
// caller's control flow.
func (p *Poller) exchangeWrite(ctx context.Context, lease *session.Lease, pdu []byte, fail func(error)) error {
	frame := p.buildFrame(pdu)
	respFrame, err := lease.ExchangeUnit(ctx, frame, 0)
	if err != nil {
		fail(err)
		return err
	}
	respPDU, err := p.extractPDU(respFrame)
	if err != nil {
		fail(err)
		return err
	}
	if protocol.IsExceptionFunctionCode(respPDU[0]) {
		err := protocol.DecodeException(respPDU)
		fail(err)
		return err
	}
	return nil
}

func toUint16(v any) (uint16, bool) {
	switch n := v.(type) {
	case uint16:
		return n, true
	case int:
		return uint16(n), true
	case int32:
		return uint16(n), true
	case int64:
		return uint16(n), true
	case float64:
		return uint16(n), true
	default:
		return 0, false
	}
}
