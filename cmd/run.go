// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"grimm.is/interceptor/internal/cache"
	"grimm.is/interceptor/internal/config"
	"grimm.is/interceptor/internal/ctlplane"
	"grimm.is/interceptor/internal/diag"
	"grimm.is/interceptor/internal/engine"
	"grimm.is/interceptor/internal/flow"
	"grimm.is/interceptor/internal/health"
	"grimm.is/interceptor/internal/inject"
	"grimm.is/interceptor/internal/kernel"
	"grimm.is/interceptor/internal/logging"
	"grimm.is/interceptor/internal/metrics"
)

// RunOptions configures the daemon.
type RunOptions struct {
	ConfigPath string
	// Socket overrides control.socket when set.
	Socket string
	// Sim attaches the in-memory backend instead of netfilter.
	Sim     bool
	Verbose bool
}

func newRunCommand() *cobra.Command {
	var opts RunOptions
	c := &cobra.Command{
		Use:   "run",
		Short: "Start the engine, its backend and the control server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("socket") {
				opts.Socket = socketPath
			}
			opts.Verbose = verbose
			return RunDaemon(cmd.Context(), opts)
		},
	}
	c.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "HCL configuration file")
	c.Flags().BoolVar(&opts.Sim, "sim", false, "use the simulated backend (no packets are intercepted)")
	return c
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadFile(path)
}

// RunDaemon runs until ctx is done, SIGINT/SIGTERM arrives or a shutdown
// control request is handled.
func RunDaemon(ctx context.Context, opts RunOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Socket != "" {
		cfg.Control.Socket = opts.Socket
	}

	level := logging.ParseLevel(cfg.Log.Level)
	if opts.Verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{Level: level, Output: os.Stderr, JSON: cfg.Log.JSON})
	logging.SetDefault(logger)
	log := logger.WithComponent("daemon")

	rules, err := engine.CompileRules(cfg.Rules)
	if err != nil {
		return err
	}

	ring := diag.NewBuffer(cfg.Diag.Capacity)

	var m *metrics.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Control.Metrics {
		m = metrics.NewMetrics(ring)
		reg := prometheus.NewRegistry()
		reg.MustRegister(m, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		gatherer = reg
	}

	connCache := cache.New(cache.Config{
		MaxEntries:       cfg.Engine.MaxEntries,
		IdleTimeout:      cfg.Engine.Idle(),
		SweepInterval:    cfg.Engine.Sweep(),
		MaxQueuedPackets: cfg.Engine.MaxQueuedPackets,
	}, ring, m)

	dev := ctlplane.NewDevice(ctlplane.DeviceOptions{
		QueueSize: cfg.Engine.EventQueueSize,
		Log:       ring,
		Metrics:   m,
		ServeLogs: !cfg.Diag.Echo,
	})

	var (
		eng      *engine.Dispatcher
		backend  kernel.Backend
		linux    *kernel.LinuxKernel
		loopback func(uint32) bool
	)
	if opts.Sim {
		backend = kernel.NewSimKernel()
		log.Warn("simulated backend attached, no traffic is intercepted")
	} else {
		linux = kernel.NewLinuxKernel(kernel.LinuxConfig{
			QueueNum:    uint16(cfg.NFQueue.QueueNum),
			MaxQueueLen: uint32(cfg.NFQueue.MaxQueueLen),
			Mark:        uint32(cfg.NFQueue.Mark),
			Table:       cfg.NFQueue.Table,
			FailOpen:    cfg.NFQueue.FailOpen,
			FlowEnded:   func(k flow.Key) bool { return eng.EndFlow(k) },
			Logger:      logger.WithComponent("kernel"),
		})
		backend = linux
		loopback = linux.IsLoopback
	}

	eng, err = engine.New(engine.Options{
		Cache:     connCache,
		Injector:  inject.New(backend, ring, m),
		Framework: backend,
		Log:       ring,
		Metrics:   m,
		Rules:     rules,
		Notifier:  dev,
		Loopback:  loopback,
	})
	if err != nil {
		return err
	}
	backend.Attach(eng)
	dev.Bind(eng)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	connCache.Start(ctx)
	defer connCache.Stop()

	if cfg.Diag.Echo {
		go logging.Echo(ctx, ring, logger.WithComponent("engine"), cfg.Diag.Interval())
	}

	checks := health.NewChecker()
	if linux != nil {
		checks.Register("nftables", health.CheckNftables(cfg.NFQueue.Table))
		checks.Register("conntrack", health.CheckConntrack())
		checks.Register("interfaces", health.CheckInterfaces())
	}

	srv := ctlplane.NewServer(dev, ctlplane.ServerOptions{
		Health:         checks,
		Gatherer:       gatherer,
		StreamInterval: cfg.Control.Stream(),
		Logger:         logger.WithComponent("ctlplane"),
	})
	if err := srv.Start(cfg.Control.Socket); err != nil {
		dev.Shutdown()
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Warn("control server did not stop cleanly", logging.Err(err))
		}
		os.Remove(cfg.Control.Socket)
	}()

	if linux != nil {
		if err := linux.Start(ctx); err != nil {
			dev.Shutdown()
			return err
		}
		defer func() {
			if err := linux.Stop(); err != nil {
				log.Warn("backend did not stop cleanly", logging.Err(err))
			}
		}()
	}

	log.Info("interceptor running",
		"socket", cfg.Control.Socket, "sim", opts.Sim, "rules", rules.Len(), "version", ctlplane.VersionString(ctlplane.Version))

	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case <-dev.Done():
		log.Info("shutdown requested over control channel")
	}

	// Settles pended authorizations while the backend can still deliver
	// verdicts for them.
	dev.Shutdown()
	return nil
}
