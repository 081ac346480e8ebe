// Package delivery turns command outcomes into wire messages and guarantees
// they eventually reach the cloud: send when the transport is alive, spool to
// durable storage when it is not, replay on reconnect.
package delivery

import (
	"errors"
	"time"
)

// ErrTransportUnavailable reports that the sender was not alive or refused
// the payload; the record takes the persistence path.
var ErrTransportUnavailable = errors.New("transport unavailable")

// SenderResult is the outcome of one transmission attempt, delivered through
// the completion callback exactly once.
type SenderResult struct {
	Accepted  bool
	Persisted bool
	Err       error
}

// DataToSend pairs a producer payload with its completion callback. The
// sandbox/response boundary is generic over the producer type; this package
// specializes it for sandbox outcomes.
type DataToSend[T any] struct {
	Payload     T
	OnProcessed func(SenderResult)
}

// SendMetadata rides along with serialized bytes to the Sender.
type SendMetadata struct {
	CommandID string
}

// Sender is the narrow transport capability the delivery path depends on.
// Send completes asynchronously; done fires exactly once, possibly inline.
type Sender interface {
	IsAlive() bool
	Send(payload []byte, meta SendMetadata, done func(SenderResult))
}

// RecordMeta is the structured metadata of one spooled record.
type RecordMeta struct {
	RecordID         string    `json:"record_id"`
	CommandID        string    `json:"command_id"`
	RetryCount       int       `json:"retry_count"`
	FirstPersistedAt time.Time `json:"first_persisted_at"`
}

// Record is one undelivered response held by the persistence capability.
type Record struct {
	Meta    RecordMeta
	Payload []byte
}

// Spool is the durable persistence capability for undelivered records.
// Append may race an in-progress enumeration: a record appended mid-sweep is
// simply picked up by the next Pending call.
type Spool interface {
	Append(payload []byte, meta RecordMeta) error
	Pending() ([]Record, error)
	Update(meta RecordMeta) error
	Delete(meta RecordMeta) error
}
