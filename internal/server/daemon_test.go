package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/strada-io/strada/internal/delivery"
	"github.com/strada-io/strada/internal/natsserver"
	"github.com/strada-io/strada/internal/spool"
	"github.com/strada-io/strada/pkg/protocol"
)

func startFleetBroker(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.New(natsserver.Config{
		StoreDir: t.TempDir(),
		Host:     "127.0.0.1",
		Port:     -1,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start broker: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.EnsureResponseStream(ctx); err != nil {
		t.Fatal(err)
	}
	return srv
}

func daemonConfig(t *testing.T, srv *natsserver.Server, vehicleID string) Config {
	t.Helper()
	return Config{
		Vehicle: VehicleConfig{ID: vehicleID},
		NATS:    NATSConfig{URL: srv.ClientURL(), AckTimeout: 5 * time.Second},
		Sandbox: SandboxConfig{
			RegistrySize:   1024 * 20,
			CallStackSize:  120,
			MaxScriptBytes: 64 * 1024,
		},
		Delivery: DeliveryConfig{
			Workers:        2,
			PoolSize:       4,
			DefaultTimeout: 5 * time.Second,
			MaxTimeout:     10 * time.Second,
			MaxRetries:     5,
			SweepInterval:  time.Hour, // startup sweep only
		},
		Scripts:   ScriptsConfig{Dir: t.TempDir()},
		Spool:     SpoolConfig{Dir: t.TempDir()},
		Heartbeat: HeartbeatConfig{Interval: 100 * time.Millisecond},
	}
}

func runDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run() }()
	t.Cleanup(func() {
		d.Stop()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("daemon run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("daemon did not shut down")
		}
	})
}

func subscribeResponses(t *testing.T, srv *natsserver.Server, vehicleID string) chan protocol.Response {
	t.Helper()
	ch := make(chan protocol.Response, 8)
	sub, err := srv.Conn().Subscribe(protocol.SubjectResponses(vehicleID), func(msg *nats.Msg) {
		var resp protocol.Response
		if err := json.Unmarshal(msg.Data, &resp); err == nil {
			ch <- resp
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	return ch
}

func TestDaemon_CommandRoundTrip(t *testing.T) {
	srv := startFleetBroker(t)
	const vehicleID = "veh-daemon"

	respCh := subscribeResponses(t, srv, vehicleID)

	d := NewDaemon(daemonConfig(t, srv, vehicleID), nil, zerolog.Nop())
	runDaemon(t, d)

	cmd := protocol.Command{
		CommandID: "daemon-cmd-1",
		Inline: `
function invoke(args)
	return { sum = args.a + args.b }
end
function cleanup() end
`,
		Args:      map[string]any{"a": float64(2), "b": float64(3)},
		TimeoutMs: 2000,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}

	// The command subscription comes up asynchronously inside Run, so
	// publish until a response lands.
	deadline := time.After(10 * time.Second)
	for {
		if err := srv.Conn().Publish(protocol.SubjectCommands(vehicleID), data); err != nil {
			t.Fatal(err)
		}
		select {
		case resp := <-respCh:
			if resp.CommandID != "daemon-cmd-1" {
				t.Fatalf("command_id = %q", resp.CommandID)
			}
			if resp.Status != protocol.StatusSuccess {
				t.Fatalf("status = %s (%s)", resp.Status, resp.Reason)
			}
			var payload map[string]any
			if err := json.Unmarshal(resp.Payload, &payload); err != nil {
				t.Fatal(err)
			}
			if payload["sum"] != float64(5) {
				t.Errorf("payload = %v", payload)
			}
			return
		case <-time.After(300 * time.Millisecond):
		case <-deadline:
			t.Fatal("no response from daemon")
		}
	}
}

func TestDaemon_ReplaysSpoolOnStartup(t *testing.T) {
	srv := startFleetBroker(t)
	const vehicleID = "veh-replay"

	cfg := daemonConfig(t, srv, vehicleID)

	// Seed the spool as if a previous run failed to deliver a response.
	store, err := spool.New(cfg.Spool.Dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	stranded := protocol.Response{
		CommandID:  "stranded-1",
		Status:     protocol.StatusSuccess,
		Payload:    json.RawMessage(`{"ok":true}`),
		DurationMs: 12,
	}
	wire, err := json.Marshal(stranded)
	if err != nil {
		t.Fatal(err)
	}
	wire = append(wire, '\n')
	err = store.Append(wire, delivery.RecordMeta{
		RecordID:         "rec-stranded-1",
		CommandID:        stranded.CommandID,
		FirstPersistedAt: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	respCh := subscribeResponses(t, srv, vehicleID)

	d := NewDaemon(cfg, nil, zerolog.Nop())
	runDaemon(t, d)

	select {
	case resp := <-respCh:
		if resp.CommandID != "stranded-1" {
			t.Errorf("command_id = %q", resp.CommandID)
		}
		if resp.Status != protocol.StatusSuccess {
			t.Errorf("status = %s", resp.Status)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("stranded response never replayed")
	}

	// The record is purged once the broker acks it.
	purged := false
	for i := 0; i < 50 && !purged; i++ {
		n, err := store.Count()
		if err != nil {
			t.Fatal(err)
		}
		purged = n == 0
		if !purged {
			time.Sleep(100 * time.Millisecond)
		}
	}
	if !purged {
		t.Error("spooled record still present after replay")
	}
}

func TestDaemon_PublishesHeartbeat(t *testing.T) {
	srv := startFleetBroker(t)
	const vehicleID = "veh-hb"

	hbCh := make(chan protocol.Heartbeat, 4)
	sub, err := srv.Conn().Subscribe(protocol.SubjectHeartbeat(vehicleID), func(msg *nats.Msg) {
		var hb protocol.Heartbeat
		if err := json.Unmarshal(msg.Data, &hb); err == nil {
			hbCh <- hb
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	d := NewDaemon(daemonConfig(t, srv, vehicleID), nil, zerolog.Nop())
	runDaemon(t, d)

	select {
	case hb := <-hbCh:
		if hb.VehicleID != vehicleID {
			t.Errorf("vehicle_id = %q", hb.VehicleID)
		}
		if hb.Status != "online" {
			t.Errorf("status = %q", hb.Status)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no heartbeat observed")
	}
}
