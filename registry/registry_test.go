package registry

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/fieldpulse/devicegw/common"
	"github.com/fieldpulse/devicegw/config"
	"github.com/fieldpulse/devicegw/device"
	"github.com/fieldpulse/devicegw/poller"
	"github.com/fieldpulse/devicegw/protocol"
	"github.com/fieldpulse/devicegw/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fakeTCPServer(t *testing.T, handler func(reqPDU []byte) []byte) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					header := make([]byte, 7)
					if _, err := io.ReadFull(conn, header); err != nil {
						return
					}
					length := binary.BigEndian.Uint16(header[4:6])
					body := make([]byte, length-1)
					if _, err := io.ReadFull(conn, body); err != nil {
						return
					}
					txID := binary.BigEndian.Uint16(header[0:2])
					frame := protocol.BuildTCPFrame(txID, header[6], handler(body))
					if _, err := conn.Write(frame); err != nil {
						return
					}
				}
			}()
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func hostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return host, port
}

func testDef(id, ip string, port int, enabled bool) device.Definition {
	return device.Definition{
		ID:      id,
		Name:    "Test Device",
		Make:    "Generic",
		Enabled: enabled,
		Connection: device.Connection{
			Kind:   device.ConnectionTCP,
			IP:     ip,
			Port:   port,
			UnitID: 1,
		},
		PollingInterval: time.Second,
		Advanced:        device.ConnectionOptions{Timeout: time.Second},
		DataPoints: []device.DataPoint{
			{
				Range: device.Range{StartAddress: 100, Count: 2, FC: device.FCReadHoldingRegisters},
				Parser: device.Parser{Parameters: []device.Parameter{
					{Name: "Voltage", DataType: device.FLOAT32, RegisterIndex: 100, ByteOrder: "ABCD", ScalingFactor: 1},
				}},
			},
		},
	}
}

func testCfg() config.Config {
	return config.Config{
		SessionIdleTTL:     time.Minute,
		ReapInterval:       time.Minute,
		MaxConcurrentPolls: 2,
		DefaultTimeout:     time.Second,
	}
}

func TestRegistryStartStatusStop(t *testing.T) {
	addr, closeFn := fakeTCPServer(t, func(reqPDU []byte) []byte {
		return []byte{0x03, 0x04, 0x42, 0x48, 0xF5, 0xC3}
	})
	defer closeFn()
	ip, port := hostPort(addr)

	repo := device.NewMapRepository(testDef("d1", ip, port, true))
	mgr := session.NewManager(zap.NewNop())
	reg := New(repo, mgr, testCfg(), zap.NewNop())

	require.NoError(t, reg.Start(context.Background(), "d1"))
	assert.Eventually(t, func() bool {
		st, _ := reg.Status("d1")
		return st == poller.StatusActive
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Stop("d1"))
	st, _ := reg.Status("d1")
	assert.Equal(t, poller.StatusStopped, st)
}

func TestRegistryStartDebounced(t *testing.T) {
	addr, closeFn := fakeTCPServer(t, func(reqPDU []byte) []byte {
		return []byte{0x03, 0x04, 0x42, 0x48, 0xF5, 0xC3}
	})
	defer closeFn()
	ip, port := hostPort(addr)

	repo := device.NewMapRepository(testDef("d1", ip, port, true))
	mgr := session.NewManager(zap.NewNop())
	reg := New(repo, mgr, testCfg(), zap.NewNop())

	require.NoError(t, reg.Start(context.Background(), "d1"))
	require.NoError(t, reg.Start(context.Background(), "d1")) // absorbed, no error, no panic
	reg.Stop("d1")
}

func TestRegistryUnknownDeviceSnapshotIsStale(t *testing.T) {
	repo := device.NewMapRepository()
	mgr := session.NewManager(zap.NewNop())
	reg := New(repo, mgr, testCfg(), zap.NewNop())

	snap, err := reg.Snapshot(context.Background(), "ghost", false)
	require.NoError(t, err)
	assert.True(t, snap.Stale)
}

func TestRegistryTooManyPollers(t *testing.T) {
	addr, closeFn := fakeTCPServer(t, func(reqPDU []byte) []byte {
		return []byte{0x03, 0x04, 0x42, 0x48, 0xF5, 0xC3}
	})
	defer closeFn()
	ip, port := hostPort(addr)

	repo := device.NewMapRepository(
		testDef("d1", ip, port, true),
		testDef("d2", ip, port, true),
		testDef("d3", ip, port, true),
	)
	mgr := session.NewManager(zap.NewNop())
	cfg := testCfg()
	cfg.MaxConcurrentPolls = 2
	reg := New(repo, mgr, cfg, zap.NewNop())

	require.NoError(t, reg.Start(context.Background(), "d1"))
	require.NoError(t, reg.Start(context.Background(), "d2"))
	err := reg.Start(context.Background(), "d3")
	require.Error(t, err)
	assert.True(t, common.Is(err, common.KindTooManyPollers))

	reg.Stop("d1")
	reg.Stop("d2")
}

func TestRegistryReadOneShotWithoutPolling(t *testing.T) {
	addr, closeFn := fakeTCPServer(t, func(reqPDU []byte) []byte {
		return []byte{0x03, 0x04, 0x42, 0x48, 0xF5, 0xC3}
	})
	defer closeFn()
	ip, port := hostPort(addr)

	repo := device.NewMapRepository(testDef("d1", ip, port, true))
	mgr := session.NewManager(zap.NewNop())
	reg := New(repo, mgr, testCfg(), zap.NewNop())

	snap, err := reg.Read(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, snap.Values, 1)
	assert.Empty(t, snap.Values[0].Error)
}

func TestRegistryShutdownStopsAllPollers(t *testing.T) {
	addr, closeFn := fakeTCPServer(t, func(reqPDU []byte) []byte {
		return []byte{0x03, 0x04, 0x42, 0x48, 0xF5, 0xC3}
	})
	defer closeFn()
	ip, port := hostPort(addr)

	repo := device.NewMapRepository(testDef("d1", ip, port, true), testDef("d2", ip, port, true))
	mgr := session.NewManager(zap.NewNop())
	reg := New(repo, mgr, testCfg(), zap.NewNop())

	require.NoError(t, reg.Start(context.Background(), "d1"))
	require.NoError(t, reg.Start(context.Background(), "d2"))

	err := reg.Shutdown(time.Second)
	assert.NoError(t, err)

	st1, _ := reg.Status("d1")
	st2, _ := reg.Status("d2")
	assert.Equal(t, poller.StatusStopped, st1)
	assert.Equal(t, poller.StatusStopped, st2)
}
