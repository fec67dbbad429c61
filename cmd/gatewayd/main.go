// Command gatewayd is the gateway's composition root: it wires config,
// logging, the device repository, the session manager, and the polling
// registry together, then serves the registry's HTTP surface (§6).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldpulse/devicegw/config"
	"github.com/fieldpulse/devicegw/device"
	"github.com/fieldpulse/devicegw/registry"
	"github.com/fieldpulse/devicegw/session"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Load()
	repo := demoRepository()
	mgr := session.NewManager(logger)
	reg := registry.New(repo, mgr, cfg, logger)

	stopReaper := startReaper(mgr, cfg.ReapInterval, cfg.SessionIdleTTL)
	defer stopReaper()

	srv := &http.Server{
		Addr:         ":8080",
		Handler:      newMux(reg, repo, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("gatewayd listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	// reg.Shutdown stops every poller and closes the session pool itself
	// (§4.6); nothing further to close here.
	if err := reg.Shutdown(5 * time.Second); err != nil {
		logger.Warn("errors while stopping pollers", zap.Error(err))
	}
}

// startReaper runs the session pool's idle reaper on a ticker, returning a
// stop function.
func startReaper(mgr *session.Manager, interval, idleTTL time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				mgr.Reap(idleTTL)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// demoRepository seeds an in-memory device.Repository for local
// development; the real deployment supplies its own device.Repository
// backed by the product's device store.
func demoRepository() device.Repository {
	return device.NewMapRepository(device.Definition{
		ID:      "demo-device",
		Name:    "Demo Energy Meter",
		Make:    "Generic",
		Model:   "SIM-1000",
		Enabled: true,
		Connection: device.Connection{
			Kind:   device.ConnectionTCP,
			IP:     "127.0.0.1",
			Port:   5020,
			UnitID: 1,
		},
		PollingInterval: 10 * time.Second,
		Advanced: device.ConnectionOptions{
			Timeout:           5 * time.Second,
			AutoReconnect:     true,
			ReconnectInterval: time.Second,
		},
		DataPoints: []device.DataPoint{
			{
				Range: device.Range{StartAddress: 100, Count: 2, FC: device.FCReadHoldingRegisters},
				Parser: device.Parser{Parameters: []device.Parameter{
					{Name: "Voltage", DataType: device.FLOAT32, RegisterIndex: 100, ByteOrder: "ABCD", ScalingFactor: 1, Unit: "V"},
				}},
			},
		},
	})
}
