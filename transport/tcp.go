package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/fieldpulse/devicegw/common"
	"go.uber.org/zap"
)

// tcpDriver is a Driver over a single TCP socket to one device (or one
// gateway fronting several unit ids).
type tcpDriver struct {
	logger *zap.Logger
	conn   net.Conn
	mu     sync.Mutex
	closed bool
}

// DialTCP opens a TCP connection to endpoint ("host:port") honoring
// dialTimeout, classifying failures per the transport driver's error
// contract (§4.1): refused connections surface as KindConnRefused, anything
// else as KindIOError.
func DialTCP(ctx context.Context, logger *zap.Logger, endpoint string, dialTimeout time.Duration) (Driver, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		if isConnRefused(err) {
			logger.Debug("connection refused", zap.String("endpoint", endpoint), zap.Error(err))
			return nil, common.New(common.KindConnRefused, err)
		}
		logger.Debug("dial failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, common.New(common.KindIOError, err)
	}
	logger.Debug("dialed tcp endpoint", zap.String("endpoint", endpoint))
	return &tcpDriver{logger: logger, conn: conn}, nil
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func (t *tcpDriver) ExchangeUnit(ctx context.Context, req []byte, expectedCount int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, common.New(common.KindIOError, net.ErrClosed)
	}

	if _, err := t.conn.Write(req); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, common.New(common.KindClosedByPeer, err)
		}
		return nil, common.New(common.KindIOError, err)
	}

	type result struct {
		frame []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		frame, err := t.readFrame()
		done <- result{frame, err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, common.New(common.KindTimeout, ctx.Err())
		}
		return nil, common.New(common.KindCancelled, ctx.Err())
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return nil, common.New(common.KindTimeout, r.err)
			}
			if errors.Is(r.err, io.EOF) || errors.Is(r.err, net.ErrClosed) {
				return nil, common.New(common.KindClosedByPeer, r.err)
			}
			return nil, common.New(common.KindIOError, r.err)
		}
		return r.frame, nil
	}
}

// readFrame reads one complete Modbus TCP ADU: the 7-byte MBAP header,
// then Length-1 more bytes as specified by the header.
func (t *tcpDriver) readFrame() ([]byte, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(header[4:6])
	if length == 0 || length > 253 {
		return nil, common.ErrInvalidPacket
	}
	body := make([]byte, length-1)
	if _, err := io.ReadFull(t.conn, body); err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(header)+len(body))
	frame = append(frame, header...)
	frame = append(frame, body...)
	return frame, nil
}

func (t *tcpDriver) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// CloseOnCancel closes the socket. Nothing in this module calls it: a
// cancelled exchange marks its session entry unhealthy, and
// session.Lease.Release then closes the driver.
func (t *tcpDriver) CloseOnCancel() {
	_ = t.Close()
}
