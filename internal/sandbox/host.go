package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/strada-io/strada/pkg/protocol"
)

// The two fixed entry points every command script must define. No other
// script-level functions are recognized by the host.
const (
	entryInvoke  = "invoke"
	entryCleanup = "cleanup"
)

const (
	// loadTimeout bounds the top-level chunk run that binds entry points.
	loadTimeout = 5 * time.Second
	// cleanupTimeout bounds the cleanup entry point on every exit path.
	cleanupTimeout = 2 * time.Second
)

var (
	// ErrScriptTooLarge is returned by Load when the source exceeds the
	// configured size ceiling.
	ErrScriptTooLarge = errors.New("script source exceeds size limit")
	// ErrMissingEntryPoint is returned by Load when a script does not define
	// both invoke and cleanup.
	ErrMissingEntryPoint = errors.New("script missing required entry point")
)

// Host loads command scripts into isolated interpreter instances, one per
// invocation. A Host is safe for concurrent use; each Load produces an
// independent Script with its own LState.
type Host struct {
	limits  Limits
	signals SignalProvider
	logger  zerolog.Logger
}

// NewHost creates a sandbox host. signals may be nil.
func NewHost(limits Limits, signals SignalProvider, logger zerolog.Logger) *Host {
	return &Host{
		limits:  limits,
		signals: signals,
		logger:  logger.With().Str("component", "sandbox").Logger(),
	}
}

type scriptState int

const (
	stateLoaded scriptState = iota
	stateRunning
	stateCompleted
	stateFailed
	stateTimedOut
	stateCleaned
)

// Script is one loaded command script bound to its interpreter. Run may be
// called at most once; the interpreter is torn down when cleanup completes.
type Script struct {
	commandID string
	L         *lua.LState
	invokeFn  *lua.LFunction
	cleanupFn *lua.LFunction
	state     scriptState
	cleaned   bool
	logger    zerolog.Logger
}

// Load compiles source into a fresh sandboxed interpreter and locates the two
// required entry points. The returned Script owns the interpreter until its
// cleanup runs.
func (h *Host) Load(commandID, source string) (*Script, error) {
	if h.limits.MaxScriptBytes > 0 && len(source) > h.limits.MaxScriptBytes {
		return nil, fmt.Errorf("script %s: %w (%d bytes)", commandID, ErrScriptTooLarge, len(source))
	}

	L := NewSandboxedState(commandID, h.limits, h.logger)
	registerModuleResolver(L)
	registerVehicleModule(L, h.signals)

	fn, err := L.Load(strings.NewReader(source), commandID)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("compile script %s: %w", commandID, err)
	}

	// Run the top-level chunk to bind entry points. Bounded, so a chunk that
	// loops at load time cannot hang the host.
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	L.SetContext(ctx)
	L.Push(fn)
	err = L.PCall(0, 0, nil)
	cancel()
	L.SetContext(nil)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("load script %s: %w", commandID, err)
	}

	invokeFn, ok := L.GetGlobal(entryInvoke).(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("script %s: %w: %s", commandID, ErrMissingEntryPoint, entryInvoke)
	}
	cleanupFn, ok := L.GetGlobal(entryCleanup).(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("script %s: %w: %s", commandID, ErrMissingEntryPoint, entryCleanup)
	}

	return &Script{
		commandID: commandID,
		L:         L,
		invokeFn:  invokeFn,
		cleanupFn: cleanupFn,
		state:     stateLoaded,
		logger:    h.logger.With().Str("command_id", commandID).Logger(),
	}, nil
}

// Execute is the Load+Run convenience used by the dispatcher: every failure
// mode, including an unloadable script, still yields exactly one Outcome.
func (h *Host) Execute(commandID, source string, args map[string]any, timeout time.Duration) Outcome {
	s, err := h.Load(commandID, source)
	if err != nil {
		h.logger.Warn().Err(err).Str("command_id", commandID).Msg("script rejected at load")
		return Rejected(commandID, err.Error())
	}
	return s.Run(args, timeout)
}

// Run executes the invoke entry point with the given args under the given
// timeout and returns the invocation's single Outcome. cleanup runs exactly
// once on every path out of here, including timeout and host error, and the
// interpreter is closed afterwards.
func (s *Script) Run(args map[string]any, timeout time.Duration) Outcome {
	if s.state != stateLoaded {
		return internalError(s.commandID, "script invocation already consumed")
	}
	s.state = stateRunning
	defer s.runCleanup()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.L.SetContext(ctx)

	argsTable := MapToTable(s.L, args)

	start := time.Now()
	err := s.L.CallByParam(lua.P{
		Fn:      s.invokeFn,
		NRet:    1,
		Protect: true,
	}, argsTable)
	duration := time.Since(start)

	timedOut := ctx.Err() != nil
	s.L.SetContext(nil)

	if err != nil {
		switch {
		case timedOut:
			s.state = stateTimedOut
			s.logger.Warn().Dur("timeout", timeout).Msg("script timed out")
			return Outcome{
				CommandID: s.commandID,
				Status:    protocol.StatusTimeout,
				Reason:    fmt.Sprintf("execution exceeded %s", timeout),
				Duration:  duration,
			}
		case isCapacityError(err):
			s.state = stateFailed
			s.logger.Warn().Err(err).Msg("script exhausted interpreter capacity")
			return Outcome{
				CommandID: s.commandID,
				Status:    protocol.StatusCapacityExceeded,
				Reason:    err.Error(),
				Duration:  duration,
			}
		default:
			s.state = stateFailed
			s.logger.Warn().Err(err).Msg("script error")
			return Outcome{
				CommandID: s.commandID,
				Status:    protocol.StatusScriptError,
				Reason:    err.Error(),
				Duration:  duration,
			}
		}
	}

	ret := s.L.Get(-1)
	s.L.Pop(1)

	payload, merr := marshalResult(ret)
	if merr != nil {
		// Should be unreachable: LuaToGo yields JSON-encodable values only.
		// Fail closed rather than let a half-built payload onto the wire.
		s.state = stateFailed
		s.logger.Error().Err(merr).Msg("result marshal failed")
		out := internalError(s.commandID, fmt.Sprintf("encode result: %s", merr))
		out.Duration = duration
		return out
	}

	s.state = stateCompleted
	return Outcome{
		CommandID: s.commandID,
		Status:    protocol.StatusSuccess,
		Payload:   payload,
		Duration:  duration,
	}
}

// runCleanup calls the cleanup entry point exactly once, under its own fresh
// context, and closes the interpreter. Cleanup faults are logged, never
// propagated.
func (s *Script) runCleanup() {
	if s.cleaned {
		return
	}
	s.cleaned = true

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	s.L.SetContext(ctx)

	err := s.L.CallByParam(lua.P{
		Fn:      s.cleanupFn,
		NRet:    0,
		Protect: true,
	})
	s.L.SetContext(nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cleanup error")
	}

	s.L.Close()
	s.state = stateCleaned
}

// marshalResult converts the script's return value into the opaque payload
// bytes carried on the wire. A nil return produces no payload.
func marshalResult(ret lua.LValue) ([]byte, error) {
	val := LuaToGo(ret)
	if val == nil {
		return nil, nil
	}
	return json.Marshal(val)
}

// isCapacityError reports whether a protected-call error came from the fixed
// registry or call stack filling up.
func isCapacityError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "registry overflow") || strings.Contains(msg, "stack overflow")
}
