// Package heartbeat implements §4.7's Heartbeat: a second, independently
// paced tick loop that runs active HeartbeatJobs, watches for chat
// silence, and escalates its own frequency on a consecutive-error streak.
package heartbeat

import "sync"

// Settings is the process-wide mutable heartbeat configuration (§4.7).
// Field names mirror config.HeartbeatConfig so a loaded config can be
// converted directly into the initial Settings.
type Settings struct {
	Enabled               bool
	IntervalMs            int
	SilenceThresholdMs    int
	MainChatJID           string
	EscalateAfterErrors   int
	ShowOk                bool
	ShowAlerts            bool
	UseIndicator          bool
	DeliveryMuted         bool
	AlertRepeatCooldownMs int
	HeartbeatPrompt       string
	AckMaxChars           int
}

func (s Settings) clamped() Settings {
	if s.IntervalMs < 60_000 {
		s.IntervalMs = 60_000
	}
	if s.SilenceThresholdMs < 60_000 {
		s.SilenceThresholdMs = 60_000
	}
	if s.EscalateAfterErrors < 1 {
		s.EscalateAfterErrors = 1
	}
	if s.AlertRepeatCooldownMs < 0 {
		s.AlertRepeatCooldownMs = 0
	}
	if s.AckMaxChars < 50 {
		s.AckMaxChars = 50
	}
	if s.AckMaxChars > 4000 {
		s.AckMaxChars = 4000
	}
	return s
}

// ChangeCallback is invoked after a successful PatchSettings call, with the
// settings as they were before and after the patch. Used to restart timers
// whose period depends on IntervalMs.
type ChangeCallback func(old, new Settings)

// LiveSettings is the mutable, concurrency-safe holder for Settings. All
// reads and writes go through it; the zero value is not usable, construct
// with NewLiveSettings.
type LiveSettings struct {
	mu        sync.RWMutex
	current   Settings
	callbacks []ChangeCallback
}

// NewLiveSettings constructs a LiveSettings, clamping initial to valid
// bounds exactly as PatchSettings would.
func NewLiveSettings(initial Settings) *LiveSettings {
	return &LiveSettings{current: initial.clamped()}
}

// Snapshot returns the current settings.
func (l *LiveSettings) Snapshot() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers cb to run after every successful PatchSettings call.
func (l *LiveSettings) OnChange(cb ChangeCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, cb)
}

// toInt accepts the handful of numeric types a caller (an HTTP JSON body,
// a /heartbeat command argument) might supply for a millisecond/count field.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// PatchSettings applies patch by field name (the same yaml-tag-derived
// names config.HeartbeatConfig uses: "enabled", "interval_ms", ...).
// Per §4.7, a value that fails its field's range or type check is dropped,
// leaving the previous value in place, rather than rejecting the whole
// patch. Returns the resulting settings and fires registered callbacks.
func (l *LiveSettings) PatchSettings(patch map[string]any) Settings {
	l.mu.Lock()
	old := l.current
	next := old

	for field, v := range patch {
		switch field {
		case "enabled":
			if b, ok := v.(bool); ok {
				next.Enabled = b
			}
		case "interval_ms":
			if n, ok := toInt(v); ok && n >= 60_000 {
				next.IntervalMs = n
			}
		case "silence_threshold_ms":
			if n, ok := toInt(v); ok && n >= 60_000 {
				next.SilenceThresholdMs = n
			}
		case "main_chat_jid":
			if s, ok := v.(string); ok {
				next.MainChatJID = s
			}
		case "escalate_after_errors":
			if n, ok := toInt(v); ok && n >= 1 {
				next.EscalateAfterErrors = n
			}
		case "show_ok":
			if b, ok := v.(bool); ok {
				next.ShowOk = b
			}
		case "show_alerts":
			if b, ok := v.(bool); ok {
				next.ShowAlerts = b
			}
		case "use_indicator":
			if b, ok := v.(bool); ok {
				next.UseIndicator = b
			}
		case "delivery_muted":
			if b, ok := v.(bool); ok {
				next.DeliveryMuted = b
			}
		case "alert_repeat_cooldown_ms":
			if n, ok := toInt(v); ok && n >= 0 {
				next.AlertRepeatCooldownMs = n
			}
		case "heartbeat_prompt":
			if s, ok := v.(string); ok {
				next.HeartbeatPrompt = s
			}
		case "ack_max_chars":
			if n, ok := toInt(v); ok && n >= 50 && n <= 4000 {
				next.AckMaxChars = n
			}
		}
	}

	l.current = next
	callbacks := append([]ChangeCallback(nil), l.callbacks...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, next)
	}
	return next
}
