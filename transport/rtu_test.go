package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fieldpulse/devicegw/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// pipeConn adapts a net.Conn (from net.Pipe) to io.ReadWriteCloser for the
// RTU driver, which only needs Read/Write/Close.
type pipeConn struct {
	net.Conn
}

func TestRTUDriverExchangeUnit(t *testing.T) {
	client, server := net.Pipe()
	logger := zap.NewNop()
	driver := newRTUDriverFromStream(logger, "/dev/ttyTEST", pipeConn{client})

	go func() {
		req := make([]byte, 8)
		if _, err := server.Read(req); err != nil {
			return
		}
		pdu := []byte{0x03, 0x04, 0x42, 0x48, 0xF5, 0xC3}
		frame := protocol.BuildRTUFrame(1, pdu)
		server.Write(frame)
	}()

	reqPDU := protocol.EncodeReadRequest(protocol.ReadHoldingRegisters, 100, 2)
	reqFrame := protocol.BuildRTUFrame(1, reqPDU)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	respFrame, err := driver.ExchangeUnit(ctx, reqFrame, 2)
	require.NoError(t, err)
	unitID, pdu, err := protocol.ParseRTUFrame(respFrame)
	require.NoError(t, err)
	assert.Equal(t, byte(1), unitID)
	words, err := protocol.DecodeRegistersResponse(pdu)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x4248, 0xF5C3}, words)
}

func TestRTUDriverPortBusy(t *testing.T) {
	err := acquirePort("/dev/ttyBUSY")
	require.NoError(t, err)
	defer releasePort("/dev/ttyBUSY")

	err2 := acquirePort("/dev/ttyBUSY")
	require.Error(t, err2)
}
