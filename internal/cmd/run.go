package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sleepywoodpecker/rp-goes-sim/internal/config"
	"sleepywoodpecker/rp-goes-sim/internal/logger"
	"sleepywoodpecker/rp-goes-sim/internal/metrics"
	"sleepywoodpecker/rp-goes-sim/internal/processing"
	rserial "sleepywoodpecker/rp-goes-sim/internal/rSerial"
	"sleepywoodpecker/rp-goes-sim/internal/record"
	"sleepywoodpecker/rp-goes-sim/internal/simulator"
)

const SHUTDOWN_GRACE = 500 * time.Millisecond

// runWithHandle parses the configuration and runs the sensor set, installing
// the simulator in handle for its lifetime.
func runWithHandle(cmd *cobra.Command, handle *simulator.Handle) error {
	desc := config.NewSimSensorsDesc()
	if err := desc.Parse(cmd); err != nil {
		return err
	}

	// first initialize the main logger
	log, err := logger.NewLogger(desc.Opt.Log.Path, desc.Opt.Log.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	undo := zap.ReplaceGlobals(log)
	defer undo()

	if used := desc.ConfigFileUsed(); used != "" {
		log.Info("[main] loaded configuration", zap.String("path", used))
	}

	// context handler for graceful shutdown
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("[main] shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	return runApp(ctx, desc.Opt, handle, log)
}

// runApp opens every resource first and only then starts the goroutines, so
// an early error never leaves a half started set behind.
func runApp(ctx context.Context, opt config.SimSensorsOpt, handle *simulator.Handle, log *zap.Logger) (err error) {
	var registry *prometheus.Registry
	var collector *metrics.Collector
	if opt.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		collector = metrics.New(registry)
	}

	sim, err := simulator.New(simulator.Options{
		Readers:        opt.Sim.Readers,
		ByteOrder:      record.ByteOrder(opt.Sim.ByteOrder),
		Period:         opt.Period(),
		PublishTimeout: opt.Sim.PublishTimeout,
		Logger:         log,
		Metrics:        collector,
	})
	if err != nil {
		return err
	}
	if err = handle.Install(sim); err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, handle.Teardown()) }()

	// consumers look the simulator up the way driver shims do
	sensors, err := handle.Instance()
	if err != nil {
		return err
	}

	var producer func(context.Context) error = sim.Run
	if opt.Sim.Source == config.SourceSerial {
		port, openErr := rserial.NewRSerial(opt.Serial.Port, opt.Serial.Baudrate, sim, opt.Sim.PublishTimeout, log)
		if openErr != nil {
			return openErr
		}
		defer multierr.AppendInvoke(&err, multierr.Close(port))
		producer = port.Run
	}

	var udpConn *net.UDPConn
	if opt.Sampler.Enabled {
		// initialize UDP connection to telegraf
		udpAddr, resolveErr := net.ResolveUDPAddr("udp", opt.Sampler.Addr)
		if resolveErr != nil {
			return resolveErr
		}
		var dialErr error
		udpConn, dialErr = net.DialUDP("udp", nil, udpAddr)
		if dialErr != nil {
			return dialErr
		}
		defer multierr.AppendInvoke(&err, multierr.Close(udpConn))
	}

	// run everything
	g, ctx := errgroup.WithContext(ctx)
	if registry != nil {
		serveMetrics(ctx, g, opt.Metrics.Addr, registry, log)
	}
	g.Go(func() error { return producer(ctx) })

	if opt.Recorder.Enabled {
		recorder := processing.NewProcessor(opt.Recorder.Path, opt.Recorder.Period, sensors, sensors.ByteOrder(), log)
		g.Go(func() error { return recorder.Run(ctx) })
	}
	if udpConn != nil {
		sampler := processing.NewSampler(opt.Sampler.Period, udpConn, sensors, sensors.ByteOrder(), log)
		g.Go(func() error {
			sampler.Run(ctx)
			return nil
		})
	}

	log.Info("[main] simulated sensors running",
		zap.String("source", opt.Sim.Source),
		zap.Int("readers", opt.Sim.Readers),
		zap.Duration("period", opt.Period()),
		zap.String("byteOrder", opt.Sim.ByteOrder),
	)
	return g.Wait()
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, registry *prometheus.Registry, log *zap.Logger) {
	server := &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		log.Info("[metrics] serving", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("[metrics] server failed", zap.Error(err))
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_GRACE)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}
