package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/basket/goclaw-orchestrator/internal/audit"
	"github.com/basket/goclaw-orchestrator/internal/ipcsign"
	"github.com/basket/goclaw-orchestrator/internal/policy"
)

// DockerBackend runs the worker inside an ephemeral container, grounded on
// the teacher's DockerSandbox but adapted from a single blocking
// ContainerLogs replay to an attached stdin/stdout stream so output is
// consumed incrementally as the worker produces it.
type DockerBackend struct {
	Client        *client.Client
	Image         string
	MemoryBytes   int64
	NetworkMode   string
	WorkspacesDir string
	Policy        policy.Checker
	Secret        ipcsign.Secret
	Logger        *slog.Logger
}

// NewDockerBackend builds a DockerBackend from the resolved worker config,
// applying the same image/memory/network defaults as the teacher's
// DockerSandbox constructor.
func NewDockerBackend(image string, memoryMB int64, networkMode, workspacesDir string, pol policy.Checker, secret ipcsign.Secret, logger *slog.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "golang:alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &DockerBackend{
		Client:        cli,
		Image:         image,
		MemoryBytes:   memoryMB * 1024 * 1024,
		NetworkMode:   networkMode,
		WorkspacesDir: workspacesDir,
		Policy:        pol,
		Secret:        secret,
		Logger:        logger,
	}, nil
}

type dockerProcessHandle struct {
	client      *client.Client
	ctx         context.Context
	containerID string
	stdin       io.WriteCloser
}

func (h *dockerProcessHandle) CloseStdin() error {
	return h.stdin.Close()
}

func (h *dockerProcessHandle) Kill() error {
	return h.client.ContainerKill(h.ctx, h.containerID, "SIGKILL")
}

// Spawn creates an ephemeral container bound to the group's workspace,
// attaches to its stdin/stdout/stderr, writes the prompt, and streams
// newline-delimited JSON events from the demultiplexed stdout stream.
func (b *DockerBackend) Spawn(ctx context.Context, req Request, onProcess OnProcess, onOutput OnOutput) (ContainerOutput, error) {
	workspace, err := b.resolveWorkspace(ctx, req)
	if err != nil {
		return ContainerOutput{}, err
	}

	resp, err := b.Client.ContainerCreate(ctx, &container.Config{
		Image:        b.Image,
		WorkingDir:   "/workspace",
		Tty:          false,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env: []string{
			"GOCLAW_GROUP_FOLDER=" + req.GroupFolder,
			"GOCLAW_CHAT_JID=" + req.ChatJID,
		},
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: b.MemoryBytes},
		NetworkMode: container.NetworkMode(b.NetworkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", workspace)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return ContainerOutput{}, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	attach, err := b.Client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return ContainerOutput{}, fmt.Errorf("attach container: %w", err)
	}
	defer attach.Close()

	if err := b.Client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return ContainerOutput{}, fmt.Errorf("start container: %w", err)
	}

	if onProcess != nil {
		onProcess(&dockerProcessHandle{client: b.Client, ctx: ctx, containerID: containerID, stdin: attach.Conn}, containerID)
	}

	if _, err := io.WriteString(attach.Conn, req.Prompt); err != nil {
		b.logf("write prompt to container stdin failed: %v", err)
	}
	_ = attach.CloseWrite()

	stdoutR, stdoutW := io.Pipe()
	go func() {
		_, _, _ = stdcopy.StdCopy(stdoutW, io.Discard, attach.Reader)
		_ = stdoutW.Close()
	}()
	final := b.streamEvents(stdoutR, onOutput)

	statusCh, errCh := b.Client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	var waitErr error
	select {
	case err := <-errCh:
		waitErr = err
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		_ = b.Client.ContainerKill(ctx, containerID, "SIGKILL")
		return ContainerOutput{Status: StatusError, Error: "worker exited with status -1: context cancelled"}, ctx.Err()
	}
	if waitErr != nil {
		return ContainerOutput{}, fmt.Errorf("wait container: %w", waitErr)
	}

	return classifyDockerExit(final, exitCode), nil
}

func (b *DockerBackend) streamEvents(r io.Reader, onOutput OnOutput) ContainerOutput {
	var last ContainerOutput
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		event, ok := b.parseLine(line)
		if !ok {
			continue
		}
		last = event
		if onOutput != nil {
			onOutput(event)
		}
	}
	return last
}

func (b *DockerBackend) parseLine(line string) (ContainerOutput, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		b.logf("worker emitted non-JSON line, ignoring: %q", line)
		return ContainerOutput{}, false
	}
	if _, signed := raw["_hmac"]; signed && b.Secret != nil {
		if !ipcsign.Verify(raw, b.Secret) {
			b.logf("worker event failed HMAC verification, discarding")
			return ContainerOutput{}, false
		}
	}
	event := ContainerOutput{}
	if v, ok := raw["status"].(string); ok {
		event.Status = OutputStatus(v)
	}
	if v, ok := raw["result"].(string); ok {
		event.Result = v
	}
	if v, ok := raw["error"].(string); ok {
		event.Error = v
	}
	if v, ok := raw["sessionId"].(string); ok {
		event.SessionID = v
	}
	return event, true
}

func classifyDockerExit(final ContainerOutput, exitCode int64) ContainerOutput {
	if final.Status == "" {
		final.Status = StatusDone
	}
	if exitCode != 0 && final.Error == "" && final.Status != StatusError {
		final.Status = StatusError
		final.Error = fmt.Sprintf("worker exited with status %d", exitCode)
	}
	return final
}

func (b *DockerBackend) resolveWorkspace(ctx context.Context, req Request) (string, error) {
	base := filepath.Join(b.WorkspacesDir, req.GroupFolder)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	resolved, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	if b.Policy != nil {
		allowed, _ := b.Policy.AllowMount(resolved, req.IsMain)
		if !allowed {
			audit.Record(ctx, "deny", "worker.mount", "workspace_not_allowlisted", b.Policy.PolicyVersion(), req.GroupFolder)
			return "", fmt.Errorf("workspace %q is not on the mount allowlist", resolved)
		}
		audit.Record(ctx, "allow", "worker.mount", "capability_granted", b.Policy.PolicyVersion(), req.GroupFolder)
	}
	return resolved, nil
}

func (b *DockerBackend) logf(format string, args ...any) {
	if b.Logger != nil {
		b.Logger.Warn(fmt.Sprintf(format, args...))
	}
}

// Close releases the underlying docker client.
func (b *DockerBackend) Close() error {
	return b.Client.Close()
}

var _ Backend = (*DockerBackend)(nil)
