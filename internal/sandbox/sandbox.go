// Package sandbox implements §4.2's WorkerRuntime: it spawns a sandboxed
// worker process per request, pipes the prompt to its standard input, and
// streams ContainerOutput events back to the caller while enforcing hard
// and idle timeouts and the Mount Allowlist.
package sandbox

import (
	"context"
	"time"
)

// OutputStatus is the discriminant of a ContainerOutput event.
type OutputStatus string

const (
	StatusProgress OutputStatus = "progress"
	StatusResult   OutputStatus = "result"
	StatusError    OutputStatus = "error"
	StatusDone     OutputStatus = "done"
)

// ContainerOutput is one streamed event from a running worker, or its final
// summary (status=done).
type ContainerOutput struct {
	Status    OutputStatus
	Result    string
	Error     string
	SessionID string
}

// Request describes a single worker invocation (§4.2).
type Request struct {
	Prompt          string
	SessionID       string
	GroupFolder     string
	ChatJID         string
	IsMain          bool
	IsScheduledTask bool

	// Mounts additional to the group's own workspace, resolved against the
	// Mount Allowlist before the worker is spawned.
	Mounts []string

	// EffectiveTimeout overrides the runtime's configured default hard
	// timeout for this request (e.g. a task's own task_timeout_ms).
	EffectiveTimeout time.Duration
}

// ProcessHandle is the minimal control surface a backend exposes over its
// running worker, used by GroupQueue.closeStdin and the idle/hard timeout
// paths.
type ProcessHandle interface {
	// CloseStdin signals end-of-input to the worker without killing it,
	// giving it a chance to flush a final result.
	CloseStdin() error
	// Kill forcibly terminates the worker.
	Kill() error
}

// OnProcess is invoked once a worker has been spawned, before any output is
// read, so the caller can register the handle for external closeStdin/Kill
// calls (e.g. from GroupQueue.preemptForPendingTasks).
type OnProcess func(handle ProcessHandle, containerName string)

// OnOutput is invoked for every streamed ContainerOutput event, including
// the final one.
type OnOutput func(event ContainerOutput)

// Backend is the sandboxing strategy WorkerRuntime delegates to. Exactly
// one of the exec and docker backends is active per process, selected by
// config.WorkerConfig.Backend.
type Backend interface {
	// Spawn starts a worker for req and streams its output. It returns once
	// the worker has produced a status=done event or the context is
	// cancelled. The returned ContainerOutput is that final event.
	Spawn(ctx context.Context, req Request, onProcess OnProcess, onOutput OnOutput) (ContainerOutput, error)
	// Close releases any resources (e.g. a docker client) held by the backend.
	Close() error
}
