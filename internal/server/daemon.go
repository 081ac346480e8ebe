package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/strada-io/strada/internal/delivery"
	"github.com/strada-io/strada/internal/dispatch"
	"github.com/strada-io/strada/internal/sandbox"
	"github.com/strada-io/strada/internal/scripts"
	"github.com/strada-io/strada/internal/spool"
	"github.com/strada-io/strada/internal/transport"
	"github.com/strada-io/strada/pkg/protocol"
)

// Daemon is the stradad process: one vehicle agent wired end to end from
// the command subscription down to the response spool.
type Daemon struct {
	cfg     Config
	signals sandbox.SignalProvider
	logger  zerolog.Logger

	store      *spool.Store
	client     *transport.Client
	coord      *delivery.Coordinator
	asm        *delivery.Assembler
	lib        *scripts.Library
	dispatcher *dispatch.Dispatcher

	sweepMu sync.Mutex
	stopCh  chan struct{}
	stopped sync.Once
}

// NewDaemon creates a Daemon from config. signals may be nil when no
// vehicle bus bridge is available; scripts then see nil for every read.
func NewDaemon(cfg Config, signals sandbox.SignalProvider, logger zerolog.Logger) *Daemon {
	return &Daemon{
		cfg:     cfg,
		signals: signals,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Run starts all subsystems and blocks until a signal is received or Stop
// is called.
func (d *Daemon) Run() error {
	store, err := spool.New(d.cfg.Spool.Dir, d.logger)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	d.store = store

	client, err := transport.Connect(transport.Config{
		URL:        d.cfg.NATS.URL,
		Token:      d.cfg.NATS.Token,
		VehicleID:  d.cfg.Vehicle.ID,
		AckTimeout: d.cfg.NATS.AckTimeout,
	}, d.logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	d.client = client

	d.coord = delivery.NewCoordinator(store, delivery.Policy{
		MaxRetries: d.cfg.Delivery.MaxRetries,
		Expiry:     d.cfg.Delivery.Expiry,
	}, d.logger)
	d.asm = delivery.NewAssembler(client, d.coord, d.cfg.Delivery.PoolSize, d.logger)

	host := sandbox.NewHost(sandbox.Limits{
		RegistrySize:   d.cfg.Sandbox.RegistrySize,
		CallStackSize:  d.cfg.Sandbox.CallStackSize,
		MaxScriptBytes: d.cfg.Sandbox.MaxScriptBytes,
	}, d.signals, d.logger)

	d.lib = scripts.New(d.cfg.Scripts.Dir, d.cfg.Scripts.VerifyIntegrity, d.logger)
	if err := d.lib.LoadDir(); err != nil {
		d.logger.Warn().Err(err).Str("dir", d.cfg.Scripts.Dir).Msg("script library load failed")
	}
	var stopWatcher func()
	if d.cfg.Scripts.HotReload {
		stopWatcher, err = d.lib.StartWatcher()
		if err != nil {
			d.logger.Warn().Err(err).Msg("script hot reload unavailable")
			stopWatcher = nil
		}
	}

	d.dispatcher = dispatch.New(dispatch.Config{
		VehicleID:      d.cfg.Vehicle.ID,
		Workers:        d.cfg.Delivery.Workers,
		DefaultTimeout: d.cfg.Delivery.DefaultTimeout,
		MaxTimeout:     d.cfg.Delivery.MaxTimeout,
		CommandSecret:  d.cfg.Security.CommandSecret,
	}, host, d.lib, d.asm, d.logger)
	if err := d.dispatcher.Start(client.Conn()); err != nil {
		client.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Responses left over from a previous run get a replay attempt right
	// away, then on every reconnect and sweep tick.
	client.OnReconnect(func() { go d.sweep(runCtx, "reconnect") })
	go d.sweep(runCtx, "startup")
	go d.sweepLoop(runCtx)
	go d.heartbeatLoop(runCtx)

	d.logger.Info().
		Str("vehicle_id", d.cfg.Vehicle.ID).
		Str("nats_url", d.cfg.NATS.URL).
		Int("scripts", d.lib.Count()).
		Msg("stradad started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-d.stopCh:
		d.logger.Info().Msg("stop requested, shutting down")
	}

	cancel()
	d.dispatcher.Stop()
	if stopWatcher != nil {
		stopWatcher()
	}
	client.Close()
	return nil
}

// Stop signals the daemon to shut down. Safe to call from another goroutine.
func (d *Daemon) Stop() {
	d.stopped.Do(func() { close(d.stopCh) })
}

func (d *Daemon) sweepLoop(ctx context.Context) {
	interval := d.cfg.Delivery.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx, "tick")
		}
	}
}

// sweep replays spooled responses. Serialized so a reconnect burst and the
// ticker never walk the spool concurrently.
func (d *Daemon) sweep(ctx context.Context, trigger string) {
	if !d.client.IsAlive() {
		return
	}
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	stats := d.coord.Sweep(ctx, d.asm)
	if stats.Scanned > 0 {
		d.logger.Info().
			Str("trigger", trigger).
			Int("scanned", stats.Scanned).
			Int("purged", stats.Purged).
			Int("retained", stats.Retained).
			Int("dropped", stats.Dropped).
			Msg("spool sweep")
	}
}

func (d *Daemon) heartbeatLoop(ctx context.Context) {
	interval := d.cfg.Heartbeat.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.publishHeartbeat()
		}
	}
}

func (d *Daemon) publishHeartbeat() {
	hb := protocol.Heartbeat{
		VehicleID: d.cfg.Vehicle.ID,
		Status:    "online",
		LastCmd:   d.dispatcher.LastCommand(),
		Executed:  d.dispatcher.Executed(),
		Delivered: d.asm.Delivered(),
		Persisted: d.coord.Persisted(),
		Dropped:   d.coord.Dropped(),
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return
	}
	if err := d.client.Conn().Publish(protocol.SubjectHeartbeat(d.cfg.Vehicle.ID), data); err != nil {
		d.logger.Debug().Err(err).Msg("heartbeat publish failed")
	}
}
