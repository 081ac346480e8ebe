package delivery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Policy bounds how long a spooled record keeps being retried. Zero values
// disable the respective ceiling; the schedule that triggers sweeps lives
// with the surrounding connectivity subsystem, not here.
type Policy struct {
	MaxRetries int
	Expiry     time.Duration
}

// SweepStats summarizes one retry sweep.
type SweepStats struct {
	Scanned  int
	Purged   int
	Retained int
	Dropped  int
}

// Coordinator owns the lifecycle of a record between "not yet durably
// delivered" and "done": it decides when a failed send is spooled, when a
// replayed record is purged, and when a record is given up on. Sweeps are
// triggered externally (reconnect signal, periodic timer).
type Coordinator struct {
	spool  Spool
	policy Policy
	logger zerolog.Logger

	persisted atomic.Int64
	dropped   atomic.Int64
}

func NewCoordinator(spool Spool, policy Policy, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		spool:  spool,
		policy: policy,
		logger: logger.With().Str("component", "retry").Logger(),
	}
}

// Persisted returns the number of records handed to the spool.
func (c *Coordinator) Persisted() int64 { return c.persisted.Load() }

// Dropped returns the number of records abandoned at the retry ceiling.
func (c *Coordinator) Dropped() int64 { return c.dropped.Load() }

// ShouldPersist reports whether a send result routes the record to the spool.
func (c *Coordinator) ShouldPersist(res SenderResult) bool { return !res.Accepted }

// ShouldPurge reports whether a send result finishes the record.
func (c *Coordinator) ShouldPurge(res SenderResult) bool { return res.Accepted }

// ShouldDrop reports whether a record has exceeded the retry count or expiry
// ceiling and must be abandoned.
func (c *Coordinator) ShouldDrop(meta RecordMeta) bool {
	if c.policy.MaxRetries > 0 && meta.RetryCount >= c.policy.MaxRetries {
		return true
	}
	if c.policy.Expiry > 0 && !meta.FirstPersistedAt.IsZero() &&
		time.Since(meta.FirstPersistedAt) >= c.policy.Expiry {
		return true
	}
	return false
}

// Persist appends a serialized record to the spool.
func (c *Coordinator) Persist(wire []byte, meta RecordMeta) error {
	if err := c.spool.Append(wire, meta); err != nil {
		return err
	}
	c.persisted.Add(1)
	c.logger.Debug().
		Str("record_id", meta.RecordID).
		Str("command_id", meta.CommandID).
		Msg("response spooled")
	return nil
}

// Sweep replays every pending record through the assembler's resubmission
// path. Records are processed strictly in enumeration order, one at a time,
// so retries of the same record stay monotonic. A record failing never aborts
// the sweep for the others; ctx cancellation retains the remainder.
func (c *Coordinator) Sweep(ctx context.Context, a *Assembler) SweepStats {
	var stats SweepStats

	records, err := c.spool.Pending()
	if err != nil {
		c.logger.Error().Err(err).Msg("enumerate spool")
		return stats
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		stats.Scanned++

		if c.ShouldDrop(rec.Meta) {
			c.drop(rec.Meta, "retry ceiling exceeded before resubmission")
			stats.Dropped++
			continue
		}

		rec.Meta.RetryCount++
		if err := c.spool.Update(rec.Meta); err != nil {
			c.logger.Warn().Err(err).Str("record_id", rec.Meta.RecordID).Msg("bump retry count")
		}

		verdict := make(chan Disposition, 1)
		a.ProcessPersistedData(rec.Payload, rec.Meta, func(d Disposition) {
			verdict <- d
		})

		var d Disposition
		select {
		case d = <-verdict:
		case <-ctx.Done():
			return stats
		}

		switch d {
		case DispositionPurge:
			if err := c.spool.Delete(rec.Meta); err != nil {
				c.logger.Warn().Err(err).Str("record_id", rec.Meta.RecordID).Msg("purge spooled record")
			} else {
				c.logger.Info().
					Str("record_id", rec.Meta.RecordID).
					Str("command_id", rec.Meta.CommandID).
					Int("retry_count", rec.Meta.RetryCount).
					Msg("spooled response delivered")
			}
			stats.Purged++
		case DispositionDrop:
			c.drop(rec.Meta, "retry ceiling exceeded")
			stats.Dropped++
		default:
			stats.Retained++
		}
	}

	return stats
}

// drop deletes a record that will never be delivered and emits the required
// diagnostic.
func (c *Coordinator) drop(meta RecordMeta, reason string) {
	if err := c.spool.Delete(meta); err != nil {
		c.logger.Warn().Err(err).Str("record_id", meta.RecordID).Msg("delete dropped record")
	}
	c.dropped.Add(1)
	c.logger.Warn().
		Str("record_id", meta.RecordID).
		Str("command_id", meta.CommandID).
		Int("retry_count", meta.RetryCount).
		Time("first_persisted_at", meta.FirstPersistedAt).
		Msg(reason)
}
