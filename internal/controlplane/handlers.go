package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/basket/goclaw-orchestrator/internal/persistence"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    int(time.Since(s.startedAt).Seconds()),
		"version":   s.cfg.Version,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	groups, err := s.cfg.Store.GetAllGroups(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	folders := make([]string, len(groups))
	for i, g := range groups {
		folders[i] = g.Folder
	}

	stats := s.cfg.Monitor.Stats()

	var recent []string
	if s.cfg.HeartbeatRunner != nil {
		recent = s.cfg.HeartbeatRunner.RecentErrors()
		if len(recent) > 20 {
			recent = recent[len(recent)-20:]
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"activeContainers": s.cfg.Queue.ActiveCount(),
		"queueDepth":       s.cfg.Queue.QueueDepth(),
		"registeredGroups": folders,
		"resources": map[string]any{
			"currentMax":  stats.CurrentMax,
			"cpuUsage":    stats.CPUUsagePercent,
			"memoryFree":  stats.MemoryFreePercent,
		},
		"recentErrors": recent,
		"uptime":       int(time.Since(s.startedAt).Seconds()),
		"version":      s.cfg.Version,
		"timestamp":    time.Now().UTC(),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	group := r.URL.Query().Get("group")

	tasks, err := s.cfg.Store.GetAllTasks(r.Context(), status, group)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.cfg.Store.GetTaskByID(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logs, err := s.cfg.Store.GetTaskRunLogs(r.Context(), id, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "recentRuns": logs})
}

// handleTaskAction returns a handler for one of pause|resume|cancel|run,
// each requiring the precondition §6 specifies before mutating.
func (s *Server) handleTaskAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		ctx := r.Context()

		var err error
		var newStatus string
		switch action {
		case "pause":
			err = s.cfg.Store.PauseTask(ctx, id)
			newStatus = persistence.TaskStatusPaused
		case "resume":
			err = s.cfg.Store.ResumeTask(ctx, id)
			newStatus = persistence.TaskStatusActive
		case "run":
			err = s.cfg.Store.RunTaskNow(ctx, id)
			newStatus = persistence.TaskStatusActive
		case "cancel":
			err = s.cfg.Store.CancelTask(ctx, id)
			newStatus = persistence.TaskStatusCancelled
		}

		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, action+" requires a task in the right state, or no such task")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": newStatus})
	}
}

func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Store.TaskStats(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":       stats.Total,
		"byStatus":    stats.ByStatus,
		"dueSoon":     stats.DueSoon,
		"overdue":     stats.Overdue,
		"withRetries": stats.WithRetries,
		"timestamp":   time.Now().UTC(),
	})
}

func (s *Server) handleGetHeartbeatConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg.HeartbeatSettings == nil {
		writeError(w, http.StatusServiceUnavailable, "heartbeat not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.HeartbeatSettings.Snapshot())
}

func (s *Server) handlePatchHeartbeatConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg.HeartbeatSettings == nil {
		writeError(w, http.StatusServiceUnavailable, "heartbeat not configured")
		return
	}
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	// Out-of-range or unknown fields are silently clamped to their previous
	// value by PatchSettings itself (§4.7 ConfigError handling), not
	// rejected here.
	next := s.cfg.HeartbeatSettings.PatchSettings(patch)
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleHeartbeatPing(w http.ResponseWriter, r *http.Request) {
	if s.cfg.HeartbeatRunner == nil {
		writeError(w, http.StatusServiceUnavailable, "heartbeat not registered")
		return
	}
	s.cfg.HeartbeatRunner.Tick(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
