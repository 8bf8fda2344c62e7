package sandbox

import (
	"context"
	"testing"
)

func TestExecBackend_StreamsEventsAndClassifiesCleanExit(t *testing.T) {
	backend := &ExecBackend{
		Command:       []string{"sh", "-c", `cat >/dev/null; echo '{"status":"progress"}'; echo '{"status":"result","result":"hi"}'; echo '{"status":"done"}'`},
		WorkspacesDir: t.TempDir(),
	}

	var events []ContainerOutput
	final, err := backend.Spawn(context.Background(), Request{GroupFolder: "acme", Prompt: "hello"}, nil, func(e ContainerOutput) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if final.Status != StatusDone {
		t.Errorf("final.Status = %q, want done", final.Status)
	}
}

func TestExecBackend_ClassifiesNonZeroExit(t *testing.T) {
	backend := &ExecBackend{
		Command:       []string{"sh", "-c", `cat >/dev/null; exit 3`},
		WorkspacesDir: t.TempDir(),
	}

	final, err := backend.Spawn(context.Background(), Request{GroupFolder: "acme", Prompt: "hello"}, nil, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if final.Status != StatusError {
		t.Fatalf("final.Status = %q, want error", final.Status)
	}
	if final.Error != "worker exited with status 3" {
		t.Errorf("final.Error = %q, want 'worker exited with status 3'", final.Error)
	}
}

func TestExecBackend_IgnoresMalformedLines(t *testing.T) {
	backend := &ExecBackend{
		Command:       []string{"sh", "-c", `cat >/dev/null; echo 'not json'; echo '{"status":"done","result":"ok"}'`},
		WorkspacesDir: t.TempDir(),
	}

	var events []ContainerOutput
	final, err := backend.Spawn(context.Background(), Request{GroupFolder: "acme", Prompt: "hello"}, nil, func(e ContainerOutput) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (malformed line skipped)", len(events))
	}
	if final.Result != "ok" {
		t.Errorf("final.Result = %q, want ok", final.Result)
	}
}

func TestExecBackend_RejectsMountOutsideAllowlist(t *testing.T) {
	backend := &ExecBackend{
		Command:       []string{"sh", "-c", "true"},
		WorkspacesDir: t.TempDir(),
		Policy:        denyAllPolicy{},
	}

	_, err := backend.Spawn(context.Background(), Request{GroupFolder: "acme", Prompt: "hi"}, nil, nil)
	if err == nil {
		t.Fatal("expected an error when the workspace is not on the mount allowlist")
	}
}

// denyAllPolicy is a minimal policy.Checker stub that denies every mount.
type denyAllPolicy struct{}

func (denyAllPolicy) AllowHTTPURL(string) bool             { return false }
func (denyAllPolicy) AllowCapability(string) bool          { return false }
func (denyAllPolicy) AllowPath(string) bool                { return false }
func (denyAllPolicy) AllowMount(string, bool) (bool, bool) { return false, false }
func (denyAllPolicy) PolicyVersion() string                { return "test" }
