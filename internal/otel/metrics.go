package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds this system's OpenTelemetry instruments: the group queue's
// admission/concurrency counters, the scheduler's claim/retry outcomes, and
// the heartbeat's alert/escalation counters, replacing the upstream
// request/LLM/tool-call instrument set this domain has no analog for.
type Metrics struct {
	QueueDepth         metric.Int64UpDownCounter
	ActiveContainers   metric.Int64UpDownCounter
	QueueRejects       metric.Int64Counter
	TaskClaims         metric.Int64Counter
	TaskRetries        metric.Int64Counter
	TaskFailures        metric.Int64Counter
	TaskDuration       metric.Float64Histogram
	HeartbeatAlerts    metric.Int64Counter
	HeartbeatOK        metric.Int64Counter
	ResourceCurrentMax metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.QueueDepth, err = meter.Int64UpDownCounter("goclaw.queue.depth",
		metric.WithDescription("Current number of queued (not yet running) entries across all group lanes"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveContainers, err = meter.Int64UpDownCounter("goclaw.queue.active",
		metric.WithDescription("Current number of running worker containers/processes"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRejects, err = meter.Int64Counter("goclaw.queue.rejects",
		metric.WithDescription("Enqueue attempts rejected because a per-key lane was at capacity"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskClaims, err = meter.Int64Counter("goclaw.scheduler.claims",
		metric.WithDescription("Scheduled tasks successfully claimed for execution"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("goclaw.scheduler.retries",
		metric.WithDescription("Scheduled task runs that ended in a scheduled retry"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("goclaw.scheduler.failures",
		metric.WithDescription("Scheduled task runs that exhausted their retry budget"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("goclaw.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatAlerts, err = meter.Int64Counter("goclaw.heartbeat.alerts",
		metric.WithDescription("Heartbeat alerts delivered (job failure or silence)"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatOK, err = meter.Int64Counter("goclaw.heartbeat.ok",
		metric.WithDescription("Heartbeat jobs that completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.ResourceCurrentMax, err = meter.Int64UpDownCounter("goclaw.resource.current_max",
		metric.WithDescription("Resource monitor's current derated concurrency ceiling"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
