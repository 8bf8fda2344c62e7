package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/goclaw-orchestrator/internal/channels"
	"github.com/basket/goclaw-orchestrator/internal/groupqueue"
	"github.com/basket/goclaw-orchestrator/internal/otel"
	"github.com/basket/goclaw-orchestrator/internal/persistence"
	"github.com/basket/goclaw-orchestrator/internal/sandbox"
)

const virtualKeyPrefix = "_hb_"
const recentErrorsCap = 50

// Config bundles a Runner's dependencies.
type Config struct {
	Store    *persistence.Store
	Queue    *groupqueue.Queue
	Runtime  *sandbox.Runtime
	Outbound *channels.OutboundRouter
	Settings *LiveSettings
	Logger   *slog.Logger
	Metrics  *otel.Metrics
}

// Runner is §4.7's Heartbeat: an independently paced tick loop, generalized
// from the fixed-interval ticker/context/WaitGroup loop the scheduler uses,
// with its own dynamic period (doubled while escalated) and its own
// settings-change subscription instead of a reload signal.
type Runner struct {
	store    *persistence.Store
	queue    *groupqueue.Queue
	runtime  *sandbox.Runtime
	outbound *channels.OutboundRouter
	settings *LiveSettings
	logger   *slog.Logger
	metrics  *otel.Metrics

	mu             sync.Mutex
	lastActivity   time.Time
	consecutiveErr int
	recentErrors   []string
	silenceAlerted bool
	lastAlertText  string
	lastAlertAt    time.Time

	changed chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Runner. cfg.Settings must not be nil.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Runner{
		store:        cfg.Store,
		queue:        cfg.Queue,
		runtime:      cfg.Runtime,
		outbound:     cfg.Outbound,
		settings:     cfg.Settings,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		lastActivity: time.Now(),
		changed:      make(chan struct{}, 1),
	}
	r.settings.OnChange(func(old, new Settings) {
		select {
		case r.changed <- struct{}{}:
		default:
		}
	})
	return r
}

// Start begins the tick loop in a background goroutine.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop cancels the tick loop and waits for it to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// RecordActivity marks a moment of observed chat activity, resetting the
// silence clock. Wired from the inbound message path.
func (r *Runner) RecordActivity(t time.Time) {
	r.mu.Lock()
	r.lastActivity = t
	r.silenceAlerted = false
	r.mu.Unlock()
}

// RecentErrors returns up to the last 50 heartbeat failure messages,
// newest last, for /errors and the control plane's stats endpoint.
func (r *Runner) RecentErrors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.recentErrors))
	copy(out, r.recentErrors)
	return out
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	timer := time.NewTimer(r.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.tick(ctx)
			timer.Reset(r.nextInterval())
		case <-r.changed:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.nextInterval())
		}
	}
}

func (r *Runner) nextInterval() time.Duration {
	s := r.settings.Snapshot()
	interval := time.Duration(s.IntervalMs) * time.Millisecond

	r.mu.Lock()
	escalated := r.consecutiveErr > s.EscalateAfterErrors
	r.mu.Unlock()
	if escalated {
		interval /= 2
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return interval
}

// Tick runs one heartbeat pass immediately, regardless of the loop's
// current timer — used by POST /heartbeat/ping (§6) for a manual trigger.
func (r *Runner) Tick(ctx context.Context) {
	r.tick(ctx)
}

func (r *Runner) tick(ctx context.Context) {
	s := r.settings.Snapshot()
	if !s.Enabled {
		return
	}
	now := time.Now()
	r.runDueJobs(ctx, s, now)
	r.checkSilence(s, now)
}

func (r *Runner) runDueJobs(ctx context.Context, s Settings, now time.Time) {
	jobs, err := r.store.GetAllHeartbeatJobs(ctx)
	if err != nil {
		r.logger.Error("heartbeat: list jobs", "error", err)
		return
	}
	for _, j := range jobs {
		if j.Status != persistence.HeartbeatStatusActive || !jobDue(j, now) {
			continue
		}
		job := j
		key := virtualKeyPrefix + job.ID
		if err := r.queue.EnqueueTask(key, job.ID, func(ctx context.Context, setStopper func(groupqueue.Stopper)) error {
			return r.runJob(ctx, job, s, setStopper)
		}); err != nil {
			r.logger.Warn("heartbeat: enqueue job", "job", job.ID, "error", err)
		}
	}
}

func jobDue(j persistence.HeartbeatJob, now time.Time) bool {
	if j.IntervalMs == nil || *j.IntervalMs <= 0 {
		return false
	}
	if j.LastRun == nil {
		return true
	}
	return now.Sub(*j.LastRun) >= time.Duration(*j.IntervalMs)*time.Millisecond
}

func (r *Runner) runJob(ctx context.Context, job persistence.HeartbeatJob, s Settings, setStopper func(groupqueue.Stopper)) error {
	groupFolder, isMain := "", false
	if g, err := r.store.GetGroupByChatJID(ctx, job.ChatJID); err == nil {
		groupFolder, isMain = g.Folder, g.IsMain
	}
	prompt := job.Prompt
	if prompt == "" {
		prompt = s.HeartbeatPrompt
	}

	key := virtualKeyPrefix + job.ID
	result, err := r.runtime.Spawn(ctx, sandbox.Request{
		Prompt:          prompt,
		GroupFolder:     groupFolder,
		ChatJID:         job.ChatJID,
		IsMain:          isMain,
		IsScheduledTask: true,
	}, func(handle sandbox.ProcessHandle, containerName string) {
		setStopper(handle)
	}, func(event sandbox.ContainerOutput) {
		r.queue.Touch(key)
	})

	var runErr error
	switch {
	case err != nil:
		runErr = err
	case result.Status == sandbox.StatusError:
		msg := result.Error
		if msg == "" {
			msg = result.Result
		}
		runErr = fmt.Errorf("%s", msg)
	}

	if runErr != nil {
		r.recordFailure(job, s, runErr)
		_ = r.store.LogHeartbeatJobRun(ctx, persistence.HeartbeatJobLog{JobID: job.ID, Success: false, Error: runErr.Error()})
		return runErr
	}

	r.recordSuccess(job, s, result.Result)
	_ = r.store.UpdateHeartbeatJobAfterRun(ctx, job.ID, result.Result)
	_ = r.store.LogHeartbeatJobRun(ctx, persistence.HeartbeatJobLog{JobID: job.ID, Success: true, Result: result.Result})
	return nil
}

func (r *Runner) recordSuccess(job persistence.HeartbeatJob, s Settings, summary string) {
	r.mu.Lock()
	wasEscalated := r.consecutiveErr > s.EscalateAfterErrors
	r.consecutiveErr = 0
	r.lastActivity = time.Now()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.HeartbeatOK.Add(context.Background(), 1)
	}
	if !s.ShowOk {
		return
	}
	text := fmt.Sprintf("heartbeat ok: %s — %s", job.Label, truncate(summary, s.AckMaxChars))
	if wasEscalated {
		text += " (recovered)"
	}
	r.deliver(s, text)
}

func (r *Runner) recordFailure(job persistence.HeartbeatJob, s Settings, failure error) {
	r.mu.Lock()
	r.consecutiveErr++
	r.recentErrors = append(r.recentErrors, failure.Error())
	if len(r.recentErrors) > recentErrorsCap {
		r.recentErrors = r.recentErrors[len(r.recentErrors)-recentErrorsCap:]
	}
	r.mu.Unlock()

	if !s.ShowAlerts {
		return
	}
	if r.metrics != nil {
		r.metrics.HeartbeatAlerts.Add(context.Background(), 1)
	}
	r.deliver(s, fmt.Sprintf("heartbeat alert: %s — %s", job.Label, truncate(failure.Error(), s.AckMaxChars)))
}

func (r *Runner) checkSilence(s Settings, now time.Time) {
	r.mu.Lock()
	gap := now.Sub(r.lastActivity)
	already := r.silenceAlerted
	r.mu.Unlock()

	threshold := time.Duration(s.SilenceThresholdMs) * time.Millisecond
	if gap <= threshold {
		if already {
			r.mu.Lock()
			r.silenceAlerted = false
			r.mu.Unlock()
		}
		return
	}
	if already {
		return
	}
	r.mu.Lock()
	r.silenceAlerted = true
	r.mu.Unlock()

	if !s.ShowAlerts {
		return
	}
	if r.metrics != nil {
		r.metrics.HeartbeatAlerts.Add(context.Background(), 1)
	}
	r.deliver(s, fmt.Sprintf("heartbeat alert: no activity for %s", gap.Round(time.Second)))
}

// deliver sends text to the configured main chat, suppressing a repeat of
// the exact same alert text within AlertRepeatCooldownMs and respecting
// DeliveryMuted.
func (r *Runner) deliver(s Settings, text string) {
	if s.DeliveryMuted || r.outbound == nil || s.MainChatJID == "" {
		return
	}

	r.mu.Lock()
	cooldown := time.Duration(s.AlertRepeatCooldownMs) * time.Millisecond
	suppress := text == r.lastAlertText && time.Since(r.lastAlertAt) < cooldown
	if !suppress {
		r.lastAlertText = text
		r.lastAlertAt = time.Now()
	}
	r.mu.Unlock()
	if suppress {
		return
	}

	if err := r.outbound.SendText(s.MainChatJID, text); err != nil {
		r.logger.Warn("heartbeat: deliver", "error", err)
	}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
