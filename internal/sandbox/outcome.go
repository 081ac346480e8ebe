package sandbox

import (
	"time"

	"github.com/strada-io/strada/pkg/protocol"
)

// Outcome is the single structured result of one command invocation. Every
// path out of the sandbox (normal return, script fault, timeout, capacity
// exhaustion, host bug) terminates in exactly one Outcome.
type Outcome struct {
	CommandID string
	Status    protocol.Status
	Payload   []byte
	Reason    string
	Duration  time.Duration
}

// Rejected builds an Outcome for a command refused before execution.
func Rejected(commandID, reason string) Outcome {
	return Outcome{CommandID: commandID, Status: protocol.StatusRejected, Reason: reason}
}

func internalError(commandID, reason string) Outcome {
	return Outcome{CommandID: commandID, Status: protocol.StatusInternalError, Reason: reason}
}
