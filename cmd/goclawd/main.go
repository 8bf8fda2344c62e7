// Command goclawd is the orchestrator daemon: it wires together the
// persistence store, the sandboxed worker runtime, the group queue, the
// scheduler, the heartbeat loop, the inline dispatcher, the channel
// adapters and the unauthenticated health control plane, then blocks until
// a shutdown signal arrives.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/goclaw-orchestrator/internal/audit"
	"github.com/basket/goclaw-orchestrator/internal/bus"
	"github.com/basket/goclaw-orchestrator/internal/channels"
	"github.com/basket/goclaw-orchestrator/internal/config"
	"github.com/basket/goclaw-orchestrator/internal/controlplane"
	"github.com/basket/goclaw-orchestrator/internal/dispatch"
	"github.com/basket/goclaw-orchestrator/internal/groupqueue"
	"github.com/basket/goclaw-orchestrator/internal/heartbeat"
	"github.com/basket/goclaw-orchestrator/internal/ipcsign"
	otelpkg "github.com/basket/goclaw-orchestrator/internal/otel"
	"github.com/basket/goclaw-orchestrator/internal/persistence"
	"github.com/basket/goclaw-orchestrator/internal/policy"
	"github.com/basket/goclaw-orchestrator/internal/resourcemonitor"
	"github.com/basket/goclaw-orchestrator/internal/sandbox"
	"github.com/basket/goclaw-orchestrator/internal/scheduler"
	"gopkg.in/yaml.v3"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Run the orchestrator daemon (logs to stdout)
  %s status          Check the control plane's /health endpoint

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOCLAW_HOME                          Data directory (default: ~/.goclaw)
  GOCLAW_BIND_ADDR                     Control plane listen address
  GOCLAW_LOG_LEVEL                     debug|info|warn|error
  GOCLAW_MAX_CONCURRENT_CONTAINERS     ResourceMonitor base concurrency
  GOCLAW_MAX_QUEUE_SIZE                GroupQueue per-key capacity
  GOCLAW_SCHEDULER_POLL_INTERVAL_MS    Scheduler poll cadence
  GOCLAW_WORKER_BACKEND                exec|docker
  GOCLAW_TELEMETRY_ENABLED             1 to enable OTel export
  TELEGRAM_TOKEN                       Telegram bot token
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger := slog.New(newLogHandler(os.Stdout, parseLevel(cfg.LogLevel)))
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "bind_addr", cfg.BindAddr)

	eventBus := bus.New()

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "goclaw.db")
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	groupsDir := cfg.GroupsDir
	if !filepath.IsAbs(groupsDir) {
		groupsDir = filepath.Join(cfg.HomeDir, groupsDir)
	}
	if err := os.MkdirAll(groupsDir, 0o755); err != nil {
		fatalStartup(logger, "E_GROUPS_DIR_CREATE", err)
	}

	policyPath := cfg.PolicyPath
	if policyPath == "" {
		policyPath = filepath.Join(cfg.HomeDir, "policy.yaml")
	}
	if _, statErr := os.Stat(policyPath); os.IsNotExist(statErr) {
		defaultPolicy := policy.Default()
		data, marshalErr := yaml.Marshal(defaultPolicy)
		if marshalErr != nil {
			fatalStartup(logger, "E_POLICY_BOOTSTRAP", marshalErr)
		}
		if writeErr := os.WriteFile(policyPath, data, 0o644); writeErr != nil {
			fatalStartup(logger, "E_POLICY_BOOTSTRAP", writeErr)
		}
		logger.Info("policy.yaml bootstrapped with defaults", "path", policyPath)
	}
	polData, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData, policyPath)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", pol.PolicyVersion())

	secret, err := ipcsign.LoadOrCreateSecret(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_IPCSIGN_INIT", err)
	}

	backend, err := buildBackend(cfg, groupsDir, pol, secret, logger)
	if err != nil {
		fatalStartup(logger, "E_BACKEND_INIT", err)
	}
	if closer, ok := backend.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	runtime := sandbox.NewRuntime(
		backend,
		time.Duration(cfg.Worker.ContainerTimeoutMs)*time.Millisecond,
		time.Duration(cfg.Worker.IdleTimeoutMs)*time.Millisecond,
		logger,
	)

	monitor := resourcemonitor.New(cfg.ResourceMonitor.BaseMax)
	monitor.SetMetrics(metrics)

	queue := groupqueue.New(cfg.Queue.MaxQueueSize, monitor, eventBus, logger)
	queue.SetMetrics(metrics)

	d, err := dispatch.New(dispatch.Dispatcher{
		Store:         store,
		Queue:         queue,
		Monitor:       monitor,
		Policy:        pol,
		Worker:        cfg.Worker,
		WorkspacesDir: groupsDir,
		Logger:        logger,
	})
	if err != nil {
		fatalStartup(logger, "E_DISPATCHER_INIT", err)
	}

	telegramCommands := make([]channels.BotCommand, 0, len(d.Commands()))
	for _, c := range d.Commands() {
		telegramCommands = append(telegramCommands, channels.BotCommand{Name: c.Name, Description: c.Description})
	}

	var chs []channels.Channel
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			chs = append(chs, channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				true,
				telegramCommands,
				logger,
			))
		}
	}
	outbound := channels.NewOutboundRouter(chs...)
	d.Outbound = outbound

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		logger.Warn("invalid scheduler timezone, falling back to UTC", "timezone", cfg.Scheduler.Timezone, "error", err)
		loc = time.UTC
	}

	sched := scheduler.New(scheduler.Config{
		Store:         store,
		Queue:         queue,
		Runtime:       runtime,
		Outbound:      outbound,
		EventBus:      eventBus,
		Logger:        logger,
		PollInterval:  time.Duration(cfg.Scheduler.PollIntervalMs) * time.Millisecond,
		Timezone:      loc,
		WorkspacesDir: groupsDir,
	})
	sched.SetMetrics(metrics)
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	defer sched.Stop()

	hbSettings := heartbeat.NewLiveSettings(heartbeat.Settings{
		Enabled:               cfg.Heartbeat.Enabled,
		IntervalMs:            cfg.Heartbeat.IntervalMs,
		SilenceThresholdMs:    cfg.Heartbeat.SilenceThresholdMs,
		MainChatJID:           cfg.Heartbeat.MainChatJID,
		EscalateAfterErrors:   cfg.Heartbeat.EscalateAfterErrors,
		ShowOk:                cfg.Heartbeat.ShowOk,
		ShowAlerts:            cfg.Heartbeat.ShowAlerts,
		UseIndicator:          cfg.Heartbeat.UseIndicator,
		DeliveryMuted:         cfg.Heartbeat.DeliveryMuted,
		AlertRepeatCooldownMs: cfg.Heartbeat.AlertRepeatCooldownMs,
		HeartbeatPrompt:       cfg.Heartbeat.HeartbeatPrompt,
		AckMaxChars:           cfg.Heartbeat.AckMaxChars,
	})
	hbRunner := heartbeat.New(heartbeat.Config{
		Store:    store,
		Queue:    queue,
		Runtime:  runtime,
		Outbound: outbound,
		Settings: hbSettings,
		Logger:   logger,
		Metrics:  metrics,
	})
	hbRunner.Start(ctx)
	defer hbRunner.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go watchConfigFiles(ctx, watcher.Events(), cfg, hbSettings, monitor, queue, pol, policyPath, logger)
	}

	cp := controlplane.New(controlplane.Config{
		Addr:              cfg.BindAddr,
		Store:             store,
		Queue:             queue,
		Monitor:           monitor,
		HeartbeatRunner:   hbRunner,
		HeartbeatSettings: hbSettings,
		CORS:              cfg.CORS,
		Logger:            logger,
		Version:           Version,
	})
	cp.Start()
	logger.Info("startup phase", "phase", "control_plane_started", "addr", cfg.BindAddr)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cp.Shutdown(shutdownCtx)
	}()

	router := dispatch.NewQueryRouter()
	for _, ch := range chs {
		ch := ch
		go func() {
			onMessage := func(msgCtx context.Context, msg channels.NewMessage) {
				handleInboundMessage(msgCtx, inboundDeps{
					store:    store,
					queue:    queue,
					runtime:  runtime,
					outbound: outbound,
					dispatch: d,
					router:   router,
					hb:       hbRunner,
					logger:   logger,
				}, msg)
			}
			if err := ch.Start(ctx, onMessage); err != nil && ctx.Err() == nil {
				logger.Error("channel failed", "channel", ch.Name(), "error", err)
			}
		}()
	}

	logger.Info("startup phase", "phase", "daemon_ready")
	<-ctx.Done()
	logger.Info("shutdown signal received")
}

// watchConfigFiles consumes the Watcher's ReloadEvents and retargets them at
// the orchestrator's own live-mutable config sections: config.yaml changes
// re-patch the heartbeat settings and resource-monitor/queue limits,
// policy.yaml changes reload the policy, both without restarting the
// process.
func watchConfigFiles(ctx context.Context, events <-chan config.ReloadEvent, cfg config.Config, hbSettings *heartbeat.LiveSettings, monitor *resourcemonitor.Monitor, queue *groupqueue.Queue, pol *policy.LivePolicy, policyPath string, logger *slog.Logger) {
	configPath := config.ConfigPath(cfg.HomeDir)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Path {
			case configPath:
				reloaded, err := config.Load()
				if err != nil {
					logger.Warn("config.yaml reload failed", "error", err)
					continue
				}
				hbSettings.PatchSettings(map[string]any{
					"enabled":                  reloaded.Heartbeat.Enabled,
					"interval_ms":              reloaded.Heartbeat.IntervalMs,
					"silence_threshold_ms":     reloaded.Heartbeat.SilenceThresholdMs,
					"main_chat_jid":            reloaded.Heartbeat.MainChatJID,
					"escalate_after_errors":    reloaded.Heartbeat.EscalateAfterErrors,
					"show_ok":                  reloaded.Heartbeat.ShowOk,
					"show_alerts":              reloaded.Heartbeat.ShowAlerts,
					"use_indicator":            reloaded.Heartbeat.UseIndicator,
					"delivery_muted":           reloaded.Heartbeat.DeliveryMuted,
					"alert_repeat_cooldown_ms": reloaded.Heartbeat.AlertRepeatCooldownMs,
					"heartbeat_prompt":         reloaded.Heartbeat.HeartbeatPrompt,
					"ack_max_chars":            reloaded.Heartbeat.AckMaxChars,
				})
				monitor.SetBaseMax(reloaded.ResourceMonitor.BaseMax)
				queue.SetMaxQueueSize(reloaded.Queue.MaxQueueSize)
				logger.Info("config.yaml reloaded", "fingerprint", reloaded.Fingerprint())
			case policyPath:
				if err := policy.ReloadFromFile(pol, policyPath); err != nil {
					logger.Warn("policy.yaml reload failed", "error", err)
					continue
				}
				logger.Info("policy.yaml reloaded", "policy_version", pol.PolicyVersion())
			}
		}
	}
}

// buildBackend selects the exec or docker worker backend per
// cfg.Worker.Backend, matching §4.2's WorkerRuntime backend choice.
func buildBackend(cfg config.Config, groupsDir string, pol policy.Checker, secret ipcsign.Secret, logger *slog.Logger) (sandbox.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Worker.Backend)) {
	case "docker":
		return sandbox.NewDockerBackend(
			cfg.Worker.DockerImage,
			cfg.Worker.DockerMemoryMB,
			cfg.Worker.DockerNetworkMode,
			groupsDir,
			pol,
			secret,
			logger,
		)
	default:
		command := cfg.Worker.Command
		if len(command) == 0 {
			command = []string{"goclaw-worker"}
		}
		return &sandbox.ExecBackend{
			Command:       command,
			WorkspacesDir: groupsDir,
			Policy:        pol,
			Secret:        secret,
			Logger:        logger,
		}, nil
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// newLogHandler picks a human-readable text handler when stdout is an
// interactive terminal and a JSON handler otherwise (piped to a log
// collector, running as a daemon under systemd, ...). This is the same
// isatty.IsTerminal check the teacher used to decide TUI-vs-daemon mode,
// repurposed here for log formatting since this build has no TUI.
func newLogHandler(w *os.File, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(w.Fd()) {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
