package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runtime is §4.2's WorkerRuntime: it wraps a Backend with the hard-timeout
// and idle-timeout behavior common to both backends, so neither ExecBackend
// nor DockerBackend needs to duplicate timer management.
type Runtime struct {
	Backend        Backend
	DefaultTimeout time.Duration
	IdleTimeout    time.Duration
	// KillGrace is how long Spawn waits after closing stdin on a hard
	// timeout before escalating to Kill. The core does not force-kill on
	// timeout by default (§5); this grace window is the escalation path
	// for a worker that ignores stdin closure.
	KillGrace time.Duration
	Logger    *slog.Logger
}

const defaultKillGrace = 5 * time.Second

// NewRuntime constructs a Runtime over the given backend with the
// configured default hard and idle timeouts.
func NewRuntime(backend Backend, defaultTimeout, idleTimeout time.Duration, logger *slog.Logger) *Runtime {
	return &Runtime{
		Backend: backend, DefaultTimeout: defaultTimeout, IdleTimeout: idleTimeout,
		KillGrace: defaultKillGrace, Logger: logger,
	}
}

// Spawn runs req through the runtime's backend, enforcing:
//   - a hard timeout (req.EffectiveTimeout, or DefaultTimeout if zero) that
//     closes the worker's stdin and records a "Hard timeout after Xms"
//     error if no final event has arrived by then;
//   - an idle timeout that resets on every streamed result and closes
//     stdin gracefully if it fires.
func (rt *Runtime) Spawn(ctx context.Context, req Request, onProcess OnProcess, onOutput OnOutput) (ContainerOutput, error) {
	effectiveTimeout := req.EffectiveTimeout
	if effectiveTimeout <= 0 {
		effectiveTimeout = rt.DefaultTimeout
	}

	spawnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var handle ProcessHandle
	done := make(chan struct{})
	defer close(done)

	hardTimer := time.AfterFunc(effectiveTimeout, func() {
		mu.Lock()
		h := handle
		mu.Unlock()
		if h == nil {
			return
		}
		rt.logf("hard timeout after %s, closing worker stdin", effectiveTimeout)
		_ = h.CloseStdin()

		grace := rt.KillGrace
		if grace <= 0 {
			grace = defaultKillGrace
		}
		time.AfterFunc(grace, func() {
			select {
			case <-done:
				return
			default:
			}
			rt.logf("worker did not exit within %s of stdin close, escalating to kill", grace)
			_ = h.Kill()
		})
	})
	defer hardTimer.Stop()

	var idleTimer *time.Timer
	resetIdle := func() {
		if rt.IdleTimeout <= 0 {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if idleTimer == nil {
			idleTimer = time.AfterFunc(rt.IdleTimeout, func() {
				mu.Lock()
				h := handle
				mu.Unlock()
				if h != nil {
					rt.logf("idle timeout after %s with no further events, closing worker stdin", rt.IdleTimeout)
					_ = h.CloseStdin()
				}
			})
			return
		}
		idleTimer.Reset(rt.IdleTimeout)
	}

	wrappedOnProcess := func(h ProcessHandle, containerName string) {
		mu.Lock()
		handle = h
		mu.Unlock()
		if onProcess != nil {
			onProcess(h, containerName)
		}
	}
	wrappedOnOutput := func(event ContainerOutput) {
		if event.Status == StatusResult {
			resetIdle()
		}
		if onOutput != nil {
			onOutput(event)
		}
	}

	final, err := rt.Backend.Spawn(spawnCtx, req, wrappedOnProcess, wrappedOnOutput)
	if err != nil {
		return final, err
	}

	mu.Lock()
	timedOut := !hardTimer.Stop()
	mu.Unlock()
	if timedOut && final.Status != StatusDone {
		return ContainerOutput{
			Status: StatusError,
			Error:  fmt.Sprintf("Hard timeout after %dms", effectiveTimeout.Milliseconds()),
		}, nil
	}
	return final, nil
}

func (rt *Runtime) logf(format string, args ...any) {
	if rt.Logger != nil {
		rt.Logger.Warn(fmt.Sprintf(format, args...))
	}
}

// Close releases the underlying backend's resources.
func (rt *Runtime) Close() error {
	return rt.Backend.Close()
}
