package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strada-io/strada/internal/sandbox"
)

// Disposition is the per-record verdict returned from a persisted-record
// resubmission: purge on delivery, retain on transient failure, drop when the
// retry or expiry ceiling is exceeded.
type Disposition int

const (
	DispositionRetain Disposition = iota
	DispositionPurge
	DispositionDrop
)

func (d Disposition) String() string {
	switch d {
	case DispositionPurge:
		return "purge"
	case DispositionDrop:
		return "drop"
	default:
		return "retain"
	}
}

// Assembler converts outcomes into the canonical wire message and submits
// them, falling back to the coordinator's persist path when the transport is
// down. Serialization runs on a fixed pool of scratch workspaces, so
// concurrent submissions for different commands never share a buffer.
type Assembler struct {
	sender Sender
	coord  *Coordinator
	pool   *scratchPool
	logger zerolog.Logger

	delivered atomic.Int64
}

// NewAssembler creates an Assembler with poolSize scratch workspaces.
// poolSize should match the maximum configured command concurrency.
func NewAssembler(sender Sender, coord *Coordinator, poolSize int, logger zerolog.Logger) *Assembler {
	return &Assembler{
		sender: sender,
		coord:  coord,
		pool:   newScratchPool(poolSize),
		logger: logger.With().Str("component", "delivery").Logger(),
	}
}

// Delivered returns the number of responses acknowledged by the transport.
func (a *Assembler) Delivered() int64 { return a.delivered.Load() }

// ProcessData serializes one outcome and submits it. The completion callback
// fires exactly once: inline when the sender completes synchronously or the
// persist path is taken, later otherwise.
func (a *Assembler) ProcessData(data DataToSend[sandbox.Outcome]) {
	done := once(data.OnProcessed)

	wire, meta, err := a.encode(data.Payload)
	if err != nil {
		// Fail closed: a response that cannot be serialized is neither sent
		// nor spooled.
		a.logger.Error().Err(err).Str("command_id", data.Payload.CommandID).Msg("serialize outcome")
		done(SenderResult{Err: err})
		return
	}

	if !a.sender.IsAlive() {
		a.persist(wire, meta, ErrTransportUnavailable, done)
		return
	}

	a.sender.Send(wire, meta, func(res SenderResult) {
		if res.Accepted {
			a.delivered.Add(1)
			done(res)
			return
		}
		cause := res.Err
		if cause == nil {
			cause = ErrTransportUnavailable
		}
		a.persist(wire, meta, cause, done)
	})
}

// ProcessPersistedData deserializes a previously spooled record back into the
// scratch wire shape and resubmits it through the identical send path. The
// decide callback receives the purge/retain/drop verdict exactly once.
func (a *Assembler) ProcessPersistedData(payload []byte, meta RecordMeta, decide func(Disposition)) {
	done := once(decide)

	s := a.pool.acquire()
	defer a.pool.release(s)

	s.resp.Reset()
	if err := json.Unmarshal(payload, &s.resp); err != nil {
		a.skipCorrupt(meta, err, done)
		return
	}
	if err := s.resp.Validate(); err != nil {
		a.skipCorrupt(meta, err, done)
		return
	}

	s.buf.Reset()
	enc := json.NewEncoder(&s.buf)
	if err := enc.Encode(&s.resp); err != nil {
		a.skipCorrupt(meta, err, done)
		return
	}
	wire := append([]byte(nil), s.buf.Bytes()...)
	sendMeta := SendMetadata{CommandID: s.resp.CommandID}

	if !a.sender.IsAlive() {
		done(DispositionRetain)
		return
	}

	a.sender.Send(wire, sendMeta, func(res SenderResult) {
		if res.Accepted {
			a.delivered.Add(1)
			done(DispositionPurge)
			return
		}
		if a.coord.ShouldDrop(meta) {
			done(DispositionDrop)
			return
		}
		done(DispositionRetain)
	})
}

// skipCorrupt handles a record that no longer round-trips: retained and
// skipped until the retry/expiry ceiling clears it, so a permanently corrupt
// record cannot be reattempted forever.
func (a *Assembler) skipCorrupt(meta RecordMeta, err error, done func(Disposition)) {
	a.logger.Warn().Err(err).
		Str("record_id", meta.RecordID).
		Str("command_id", meta.CommandID).
		Int("retry_count", meta.RetryCount).
		Msg("persisted record corrupt")
	if a.coord.ShouldDrop(meta) {
		done(DispositionDrop)
		return
	}
	done(DispositionRetain)
}

// encode serializes an outcome into stable wire bytes using a pooled scratch
// workspace. The scratch is held only for the duration of the call; the
// returned slice is an owned copy.
func (a *Assembler) encode(out sandbox.Outcome) ([]byte, SendMetadata, error) {
	s := a.pool.acquire()
	defer a.pool.release(s)

	s.resp.Reset()
	s.resp.CommandID = out.CommandID
	s.resp.Status = out.Status
	s.resp.Reason = out.Reason
	s.resp.Payload = out.Payload
	s.resp.DurationMs = out.Duration.Milliseconds()

	if err := s.resp.Validate(); err != nil {
		return nil, SendMetadata{}, err
	}

	s.buf.Reset()
	enc := json.NewEncoder(&s.buf)
	if err := enc.Encode(&s.resp); err != nil {
		return nil, SendMetadata{}, fmt.Errorf("encode response %s: %w", out.CommandID, err)
	}

	wire := append([]byte(nil), s.buf.Bytes()...)
	return wire, SendMetadata{CommandID: out.CommandID}, nil
}

// persist hands a serialized record to the coordinator's spool path and
// reports the result through the completion callback.
func (a *Assembler) persist(wire []byte, meta SendMetadata, cause error, done func(SenderResult)) {
	rec := RecordMeta{
		RecordID:         uuid.NewString(),
		CommandID:        meta.CommandID,
		FirstPersistedAt: time.Now().UTC(),
	}
	if err := a.coord.Persist(wire, rec); err != nil {
		a.logger.Error().Err(err).Str("command_id", meta.CommandID).Msg("spool append failed, response lost")
		done(SenderResult{Err: errors.Join(cause, err)})
		return
	}
	done(SenderResult{Persisted: true, Err: cause})
}

// once wraps a completion callback so it fires at most once, on any thread.
// A nil callback is a no-op.
func once[T any](fn func(T)) func(T) {
	var o sync.Once
	return func(v T) {
		o.Do(func() {
			if fn != nil {
				fn(v)
			}
		})
	}
}
