package controlplane

import "net/http"

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("GET /scheduler/tasks", s.handleListTasks)
	mux.HandleFunc("GET /scheduler/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /scheduler/tasks/{id}/pause", s.handleTaskAction("pause"))
	mux.HandleFunc("POST /scheduler/tasks/{id}/resume", s.handleTaskAction("resume"))
	mux.HandleFunc("POST /scheduler/tasks/{id}/cancel", s.handleTaskAction("cancel"))
	mux.HandleFunc("POST /scheduler/tasks/{id}/run", s.handleTaskAction("run"))
	mux.HandleFunc("GET /scheduler/stats", s.handleSchedulerStats)

	mux.HandleFunc("GET /heartbeat/config", s.handleGetHeartbeatConfig)
	mux.HandleFunc("POST /heartbeat/config", s.handlePatchHeartbeatConfig)
	mux.HandleFunc("PATCH /heartbeat/config", s.handlePatchHeartbeatConfig)
	mux.HandleFunc("POST /heartbeat/ping", s.handleHeartbeatPing)
}
