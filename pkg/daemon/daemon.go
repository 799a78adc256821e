// Package daemon implements the telescoped lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/InetIntel/dynamic-telescope/pkg/api"
	"github.com/InetIntel/dynamic-telescope/pkg/config"
	"github.com/InetIntel/dynamic-telescope/pkg/controller"
	"github.com/InetIntel/dynamic-telescope/pkg/dataplane"
	_ "github.com/InetIntel/dynamic-telescope/pkg/dataplane/p4rt" // registers the p4runtime backend
	"github.com/InetIntel/dynamic-telescope/pkg/grpcapi"
	"github.com/InetIntel/dynamic-telescope/pkg/index"
	"github.com/InetIntel/dynamic-telescope/pkg/logging"
	"github.com/InetIntel/dynamic-telescope/pkg/ratealloc"
)

// Options configures the daemon.
type Options struct {
	ConfigFile string
	Version    string

	// APIAddr and GRPCAddr override the system listen addresses when set.
	APIAddr  string
	GRPCAddr string

	// LogHandler, when set, also forwards daemon logs to the configured
	// syslog destinations.
	LogHandler *logging.SyslogSlogHandler
}

// Daemon is the telescope control-plane daemon.
type Daemon struct {
	opts     Options
	cfg      *config.Config
	ctrl     *controller.Controller
	eventBuf *logging.EventBuffer
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = "/etc/telescope/telescope.conf"
	}
	return &Daemon{opts: opts}
}

// Run starts the daemon and blocks until ctx is cancelled or a signal
// arrives. Startup failures are returned before anything is served.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting telescope daemon",
		"config", d.opts.ConfigFile,
		"pid", os.Getpid())

	cfg, err := config.LoadFile(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	for _, w := range cfg.Warnings {
		slog.Warn("config warning", "msg", w)
	}
	if d.opts.APIAddr != "" {
		cfg.System.APIAddr = d.opts.APIAddr
	}
	if d.opts.GRPCAddr != "" {
		cfg.System.GRPCAddr = d.opts.GRPCAddr
	}
	d.cfg = cfg
	d.eventBuf = logging.NewEventBuffer(cfg.System.EventBufferSize)

	ctrl, err := newController(ctx, cfg, d.eventBuf)
	if err != nil {
		return err
	}
	d.ctrl = ctrl
	defer func() {
		if err := ctrl.Close(); err != nil {
			slog.Warn("closing dataplane", "err", err)
		}
	}()

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	clients := syslogClients(cfg)
	if d.opts.LogHandler != nil {
		d.opts.LogHandler.SetClients(clients)
		defer d.opts.LogHandler.Close()
	} else {
		for _, c := range clients {
			defer c.Close()
		}
	}
	sinks := make([]logging.EventSink, 0, len(clients)+1)
	for _, c := range clients {
		sinks = append(sinks, c)
	}
	if el := cfg.System.EventLog; el != nil {
		lw, err := logging.NewEventLogWriter(logging.EventLogConfig{
			Path:     el.File,
			MaxSize:  el.MaxSize,
			MaxFiles: el.Files,
		})
		if err != nil {
			slog.Warn("event log disabled", "err", err)
		} else {
			lw.MinSeverity = logging.ParseSeverity(el.Severity)
			defer lw.Close()
			sinks = append(sinks, lw)
		}
	}
	// Subscribe before the controller starts so the first tick's events
	// are not missed.
	if len(sinks) > 0 {
		sub := d.eventBuf.Subscribe(1024)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logging.ForwardEvents(ctx, sub, sinks)
		}()
	}

	if fr := cfg.System.FlapReport; fr != nil {
		agg := logging.NewFlapAggregator(fr.Interval, fr.Top)
		agg.SetLogFunc(func(severity int, msg string) {
			for _, s := range sinks {
				if s.ShouldSend(severity) {
					s.Send(severity, msg)
				}
			}
		})
		sub := d.eventBuf.Subscribe(1024)
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.Run(ctx, sub)
		}()
	}

	if cfg.System.APIAddr != "" {
		var auth *api.AuthConfig
		if len(cfg.System.APIKeys) > 0 {
			auth = &api.AuthConfig{APIKeys: cfg.System.APIKeys}
		}
		srv := api.NewServer(api.Config{
			Addr:       cfg.System.APIAddr,
			Auth:       auth,
			Controller: ctrl,
			EventBuf:   d.eventBuf,
			Config:     cfg,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("HTTP API: %w", err)
			}
		}()
	}

	if cfg.System.GRPCAddr != "" {
		srv := grpcapi.NewServer(cfg.System.GRPCAddr, grpcapi.Config{
			Controller: ctrl,
			EventBuf:   d.eventBuf,
			Version:    d.opts.Version,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("gRPC API: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctrl.Run(ctx)
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		slog.Error("server failed, shutting down", "err", runErr)
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	wg.Wait()

	logFinalStats(ctrl)
	slog.Info("shutdown complete")
	return runErr
}

// newController builds the address space and data-plane group from cfg and
// programs every switch.
func newController(ctx context.Context, cfg *config.Config, events *logging.EventBuffer) (*controller.Controller, error) {
	prefixes, err := cfg.MonitoredPrefixes()
	if err != nil {
		return nil, err
	}
	space, err := index.Build(prefixes, index.Limits{
		Addresses:  cfg.Telescope.GlobalTableSize,
		DarkBlocks: cfg.Telescope.DarkMeterSize,
	})
	if err != nil {
		return nil, fmt.Errorf("index monitored space: %w", err)
	}
	slog.Info("monitored space indexed",
		"prefixes", len(prefixes),
		"addresses", space.Len(),
		"dark_blocks", space.DarkLen())

	dp, err := openDataPlanes(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ctrl, err := controller.New(space, dp, controller.Options{
		Interval:          cfg.Telescope.Interval,
		Alpha:             cfg.Telescope.Alpha,
		TableSize:         cfg.Telescope.GlobalTableSize,
		OverflowThreshold: cfg.Telescope.OverflowThreshold,
		Budget: ratealloc.Budget{
			MaxPacketRate: cfg.Rates.MaxPacketRate,
			AvgPacketRate: cfg.Rates.AvgPacketRate,
			MaxByteRate:   cfg.Rates.MaxByteRate,
			AvgByteRate:   cfg.Rates.AvgByteRate,
			Burst:         cfg.Rates.Burst,
		},
		Incoming: cfg.Ports.Incoming,
		Outgoing: cfg.Ports.Outgoing,
		Events:   events,
	})
	if err != nil {
		dp.Close()
		return nil, err
	}
	if err := ctrl.Setup(ctx); err != nil {
		dp.Close()
		return nil, fmt.Errorf("setup: %w", err)
	}
	return ctrl, nil
}

// openDataPlanes connects to every configured switch and groups them so
// the controller drives them as one.
func openDataPlanes(ctx context.Context, cfg *config.Config) (*dataplane.Group, error) {
	var replicas []dataplane.DataPlane
	closeAll := func() {
		for _, dp := range replicas {
			dp.Close()
		}
	}
	for _, sw := range cfg.Switches {
		dp, err := dataplane.NewDataPlane(ctx, sw.Type, dataplane.Options{
			Name:       sw.Name,
			Address:    sw.Address,
			DeviceID:   sw.DeviceID,
			ElectionID: sw.ElectionID,
			P4Info:     sw.P4Info,
			Control:    cfg.Pipeline.Control,
			RPCRate:    sw.RPCRate,
			PinPath:    sw.PinPath,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("switch %s: %w", sw.Name, err)
		}
		slog.Info("switch connected", "name", sw.Name, "type", sw.Type)
		replicas = append(replicas, dp)
	}
	g, err := dataplane.NewGroup(dataplane.DefaultRetry, replicas...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return g, nil
}

// syslogClients dials the configured syslog destinations. Unreachable ones
// are logged and skipped.
func syslogClients(cfg *config.Config) []*logging.SyslogClient {
	var clients []*logging.SyslogClient
	for _, s := range cfg.System.Syslog {
		c, err := logging.NewSyslogClient(s.Host, s.Port)
		if err != nil {
			slog.Warn("failed to create syslog client", "host", s.Host, "err", err)
			continue
		}
		c.MinSeverity = logging.ParseSeverity(s.Severity)
		c.Facility = logging.ParseFacility(s.Facility)
		slog.Info("syslog configured", "host", s.Host, "port", s.Port)
		clients = append(clients, c)
	}
	return clients
}

// logFinalStats logs a summary of the run before the dataplane closes.
func logFinalStats(ctrl *controller.Controller) {
	st := ctrl.Stats()
	slog.Info("final statistics",
		"ticks", st.Tracker.Ticks,
		"incomplete_ticks", st.IncompleteTicks,
		"inactive", st.Tracker.Inactive,
		"to_inactive", st.Tracker.ToInactive,
		"to_active", st.Tracker.ToActive,
		"dark_resets", st.DarkResets,
		"pending_writes", st.Tracker.Pending)
}
