package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/goclaw-orchestrator/internal/bus"
	"github.com/basket/goclaw-orchestrator/internal/config"
	"github.com/basket/goclaw-orchestrator/internal/groupqueue"
	"github.com/basket/goclaw-orchestrator/internal/persistence"
	"github.com/basket/goclaw-orchestrator/internal/resourcemonitor"
)

func TestParseSlashCommand(t *testing.T) {
	cases := []struct {
		text     string
		wantOK   bool
		wantName string
		wantArgs string
	}{
		{"/ping", true, "ping", ""},
		{"/ping@my_bot", true, "ping", ""},
		{"/hbjob add x|y|1|z", true, "hbjob", "add x|y|1|z"},
		{"/HELP", true, "help", ""},
		{"not a command", false, "", ""},
		{"hello /ping", false, "", ""},
	}
	for _, c := range cases {
		got, ok := ParseSlashCommand(c.text)
		if ok != c.wantOK {
			t.Errorf("ParseSlashCommand(%q) ok = %v, want %v", c.text, ok, c.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if got.Name != c.wantName || got.Args != c.wantArgs {
			t.Errorf("ParseSlashCommand(%q) = %+v, want {%q %q}", c.text, got, c.wantName, c.wantArgs)
		}
	}
}

func TestQueryRouter_Classify(t *testing.T) {
	r := NewQueryRouter()
	cases := []struct {
		text     string
		wantTier Tier
	}{
		{"/not_exists", TierInline},
		{"/help@my_bot", TierInline},
		{"search for cats", TierOracle},
		{"remember this thing", TierOracle},
		{"ค้นหา แมว", TierOracle},
		{"write me a poem", TierWorker},
	}
	for _, c := range cases {
		got := r.Classify(c.text)
		if got.Tier != c.wantTier {
			t.Errorf("Classify(%q).Tier = %q, want %q", c.text, got.Tier, c.wantTier)
		}
	}
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatch-test.db")
	s, err := persistence.Open(path, bus.New())
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fixedLimiter int

func (f fixedLimiter) Update() int { return int(f) }

func newTestDispatcher(t *testing.T, store *persistence.Store) *Dispatcher {
	t.Helper()
	q := groupqueue.New(10, fixedLimiter(4), bus.New(), nil)
	mon := resourcemonitor.New(4)
	d, err := New(Dispatcher{
		Store:         store,
		Queue:         q,
		Monitor:       mon,
		Worker:        config.WorkerConfig{Backend: "exec", Command: []string{"worker"}},
		WorkspacesDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestDispatch_Ping(t *testing.T) {
	store := openTestStore(t)
	d := newTestDispatcher(t, store)

	got, err := d.Dispatch(context.Background(), "ping", "", "jid-1", "main")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.Reply != "pong 🏓" {
		t.Errorf("Reply = %q, want pong", got.Reply)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	store := openTestStore(t)
	d := newTestDispatcher(t, store)

	got, err := d.Dispatch(context.Background(), "not_a_real_command", "", "jid-1", "main")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(got.Reply, "ไม่รู้จักคำสั่ง") {
		t.Errorf("Reply = %q, want it to contain the unknown-command text", got.Reply)
	}
}

func TestDispatch_AdminScopedRejectedOutsideMain(t *testing.T) {
	store := openTestStore(t)
	d := newTestDispatcher(t, store)

	got, err := d.Dispatch(context.Background(), "kill", "", "jid-1", "side-project")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.Reply != "Only main group" {
		t.Errorf("Reply = %q, want the main-group rejection", got.Reply)
	}
}

func TestDispatch_AdminReadOnlyAllowedOutsideMain(t *testing.T) {
	store := openTestStore(t)
	d := newTestDispatcher(t, store)

	got, err := d.Dispatch(context.Background(), "queue", "", "jid-1", "side-project")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if strings.Contains(got.Reply, "Only main group") {
		t.Errorf("expected a read-only admin command to work outside main, got %q", got.Reply)
	}
}

func TestDispatch_ClearReturnsStructuredAction(t *testing.T) {
	store := openTestStore(t)
	d := newTestDispatcher(t, store)

	got, err := d.Dispatch(context.Background(), "clear", "", "jid-1", "main")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.Kind != ResultClearSession {
		t.Errorf("Kind = %q, want %q", got.Kind, ResultClearSession)
	}
}

func TestDispatch_HbjobAddListPauseRemove(t *testing.T) {
	store := openTestStore(t)
	d := newTestDispatcher(t, store)
	ctx := context.Background()

	addResult, err := d.Dispatch(ctx, "hbjob", "add label|custom|30|check the thing", "jid-1", "main")
	if err != nil {
		t.Fatalf("Dispatch(add): %v", err)
	}
	if !strings.Contains(addResult.Reply, "created heartbeat job") {
		t.Fatalf("add reply = %q", addResult.Reply)
	}

	jobs, err := store.GetHeartbeatJobsForChat(ctx, "jid-1", true)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("GetHeartbeatJobsForChat: jobs=%v err=%v", jobs, err)
	}
	job := jobs[0]
	if job.Label != "label" || job.Category != "custom" || job.IntervalMs == nil || *job.IntervalMs != 30*60_000 {
		t.Fatalf("job = %+v, unexpected fields", job)
	}

	listResult, err := d.Dispatch(ctx, "hbjob", "list", "jid-1", "main")
	if err != nil {
		t.Fatalf("Dispatch(list): %v", err)
	}
	if !strings.Contains(listResult.Reply, "label") {
		t.Errorf("list reply = %q, want it to mention the job label", listResult.Reply)
	}

	if _, err := d.Dispatch(ctx, "hbjob", "pause "+job.ID, "jid-1", "main"); err != nil {
		t.Fatalf("Dispatch(pause): %v", err)
	}
	got, err := store.GetHeartbeatJobByID(ctx, job.ID)
	if err != nil || got.Status != persistence.HeartbeatStatusPaused {
		t.Fatalf("job after pause = %+v, err=%v", got, err)
	}

	if _, err := d.Dispatch(ctx, "hbjob", "remove "+job.ID, "jid-1", "main"); err != nil {
		t.Fatalf("Dispatch(remove): %v", err)
	}
	if _, err := store.GetHeartbeatJobByID(ctx, job.ID); err != persistence.ErrNotFound {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestDispatch_TgSendFileRejectsTraversal(t *testing.T) {
	store := openTestStore(t)
	d := newTestDispatcher(t, store)

	got, err := d.Dispatch(context.Background(), "tgsendfile", "../../etc/passwd a caption", "jid-1", "main")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(got.Reply, "..") {
		t.Errorf("Reply = %q, want a traversal rejection", got.Reply)
	}
}

func TestRegistry_RejectsDuplicateCommand(t *testing.T) {
	_, err := newRegistry([]commandSpec{
		{Name: "ping", Description: "a", Handler: handlePing},
		{Name: "ping", Description: "b", Handler: handlePing},
	})
	if err == nil {
		t.Fatal("expected an error for a duplicate command name")
	}
}

func TestRegistry_RejectsInvalidName(t *testing.T) {
	_, err := newRegistry([]commandSpec{
		{Name: "Has-Dash", Description: "a", Handler: handlePing},
	})
	if err == nil {
		t.Fatal("expected an error for an invalid command name")
	}
}
