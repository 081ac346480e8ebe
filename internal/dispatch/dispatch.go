// Package dispatch receives cloud commands off the wire and runs them
// through the sandbox host on a bounded worker pool, so a hung script can
// never stall the NATS callback goroutine or other commands' responses.
package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/strada-io/strada/internal/delivery"
	"github.com/strada-io/strada/internal/sandbox"
	"github.com/strada-io/strada/internal/scripts"
	"github.com/strada-io/strada/pkg/protocol"
)

// Config bounds command execution.
type Config struct {
	VehicleID      string
	Workers        int
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	CommandSecret  string
}

// Dispatcher decodes command envelopes, verifies them, and executes each on
// a worker slot. Every accepted command produces exactly one outcome handed
// to the assembler.
type Dispatcher struct {
	cfg    Config
	host   *sandbox.Host
	lib    *scripts.Library
	asm    *delivery.Assembler
	logger zerolog.Logger

	sub   *nats.Subscription
	slots chan struct{}
	wg    sync.WaitGroup

	executed atomic.Int64
	lastCmd  atomic.Value // time.Time
}

// New creates a Dispatcher. Does not start it.
func New(cfg Config, host *sandbox.Host, lib *scripts.Library, asm *delivery.Assembler, logger zerolog.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 5 * time.Minute
	}
	d := &Dispatcher{
		cfg:    cfg,
		host:   host,
		lib:    lib,
		asm:    asm,
		logger: logger.With().Str("component", "dispatch").Logger(),
		slots:  make(chan struct{}, cfg.Workers),
	}
	d.lastCmd.Store(time.Time{})
	return d
}

// Start subscribes to the vehicle's command subject.
func (d *Dispatcher) Start(nc *nats.Conn) error {
	sub, err := nc.Subscribe(protocol.SubjectCommands(d.cfg.VehicleID), d.handle)
	if err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	d.sub = sub
	d.logger.Info().Str("vehicle_id", d.cfg.VehicleID).Int("workers", d.cfg.Workers).Msg("dispatcher started")
	return nil
}

// Stop unsubscribes and waits for in-flight commands to finish.
func (d *Dispatcher) Stop() {
	if d.sub != nil {
		d.sub.Unsubscribe()
	}
	d.wg.Wait()
	d.logger.Info().Msg("dispatcher stopped")
}

// Executed returns the number of commands run to an outcome.
func (d *Dispatcher) Executed() int64 { return d.executed.Load() }

// LastCommand returns when the most recent command finished.
func (d *Dispatcher) LastCommand() time.Time { return d.lastCmd.Load().(time.Time) }

// handle is the NATS callback. It never executes scripts itself: accepted
// commands move to a worker goroutine, everything else resolves to an
// immediate rejection outcome.
func (d *Dispatcher) handle(msg *nats.Msg) {
	var cmd protocol.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		if id := extractCommandID(msg.Data); id != "" {
			d.submit(sandbox.Rejected(id, "malformed command envelope"))
			return
		}
		d.logger.Warn().Err(err).Msg("dropping unparseable command without id")
		return
	}
	if cmd.CommandID == "" {
		d.logger.Warn().Msg("dropping command without command_id")
		return
	}

	if !protocol.VerifyCommand(&cmd, d.cfg.CommandSecret) {
		d.logger.Warn().Str("command_id", cmd.CommandID).Str("source", cmd.Source).
			Msg("command signature rejected")
		d.submit(sandbox.Rejected(cmd.CommandID, "signature verification failed"))
		return
	}

	source := cmd.Inline
	if source == "" {
		src, ok := d.lib.Get(cmd.Script)
		if !ok {
			d.submit(sandbox.Rejected(cmd.CommandID, fmt.Sprintf("unknown script %q", cmd.Script)))
			return
		}
		source = src
	}

	select {
	case d.slots <- struct{}{}:
	default:
		d.logger.Warn().Str("command_id", cmd.CommandID).Msg("worker pool saturated")
		d.submit(sandbox.Rejected(cmd.CommandID, "execution capacity saturated"))
		return
	}

	d.wg.Add(1)
	go d.run(cmd, source)
}

func (d *Dispatcher) run(cmd protocol.Command, source string) {
	defer func() {
		<-d.slots
		d.wg.Done()
	}()

	out := d.host.Execute(cmd.CommandID, source, cmd.Args, d.resolveTimeout(cmd.TimeoutMs))
	d.executed.Add(1)
	d.lastCmd.Store(time.Now())
	d.submit(out)
}

func (d *Dispatcher) resolveTimeout(timeoutMs int) time.Duration {
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		return d.cfg.DefaultTimeout
	}
	if timeout > d.cfg.MaxTimeout {
		return d.cfg.MaxTimeout
	}
	return timeout
}

// submit hands one outcome to the delivery path.
func (d *Dispatcher) submit(out sandbox.Outcome) {
	logger := d.logger.With().Str("command_id", out.CommandID).Str("status", string(out.Status)).Logger()
	d.asm.ProcessData(delivery.DataToSend[sandbox.Outcome]{
		Payload: out,
		OnProcessed: func(res delivery.SenderResult) {
			switch {
			case res.Accepted:
				logger.Debug().Msg("response delivered")
			case res.Persisted:
				logger.Info().Msg("response spooled for retry")
			default:
				logger.Error().Err(res.Err).Msg("response lost")
			}
		},
	})
}

// extractCommandID does a lightweight parse of the command_id field without a
// full unmarshal.
func extractCommandID(data []byte) string {
	var partial struct {
		CommandID string `json:"command_id"`
	}
	json.Unmarshal(data, &partial)
	return partial.CommandID
}
