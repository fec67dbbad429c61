package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fieldpulse/devicegw/common"
	"github.com/fieldpulse/devicegw/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTCPDriverExchangeUnit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 12)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		respPDU := []byte{0x03, 0x04, 0x42, 0x48, 0xF5, 0xC3}
		frame := protocol.BuildTCPFrame(7, 1, respPDU)
		conn.Write(frame)
	}()

	logger := zap.NewNop()
	driver, err := DialTCP(context.Background(), logger, ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer driver.Close()

	reqPDU := protocol.EncodeReadRequest(protocol.ReadHoldingRegisters, 100, 2)
	reqFrame := protocol.BuildTCPFrame(7, 1, reqPDU)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	respFrame, err := driver.ExchangeUnit(ctx, reqFrame, 2)
	require.NoError(t, err)
	header, pdu, err := protocol.ParseTCPFrame(respFrame)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), header.TransactionID)
	words, err := protocol.DecodeRegistersResponse(pdu)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x4248, 0xF5C3}, words)
}

func TestTCPDriverConnRefused(t *testing.T) {
	logger := zap.NewNop()
	_, err := DialTCP(context.Background(), logger, "127.0.0.1:1", 200*time.Millisecond)
	require.Error(t, err)
	kind, ok := common.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, common.KindConnRefused, kind)
}
