package shared

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/alerts"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/auth"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/messaging"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/types"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request bodies on the admin API are small JSON documents
const maxRequestBytes = 1 << 20

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	mux.HandleFunc("GET /api/rooms/{id}", s.handleGetRoom)
	mux.HandleFunc("POST /api/rooms/{id}/broadcast", s.handleRoomBroadcast)
	mux.HandleFunc("POST /api/broadcast", s.handleBroadcast)
	mux.HandleFunc("POST /api/subjects/{id}/messages", s.handleSubjectMessage)
	mux.HandleFunc("GET /api/connections/{id}", s.handleGetConnection)
	mux.HandleFunc("DELETE /api/connections/{id}", s.handleDeleteConnection)

	mux.HandleFunc("GET /api/alerts", s.handleListAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
	mux.HandleFunc("GET /api/alerts/thresholds", s.handleListThresholds)
	mux.HandleFunc("POST /api/alerts/thresholds", s.handleCreateThreshold)
	mux.HandleFunc("GET /api/alerts/thresholds/{id}", s.handleGetThreshold)
	mux.HandleFunc("PUT /api/alerts/thresholds/{id}", s.handleUpdateThreshold)
	mux.HandleFunc("DELETE /api/alerts/thresholds/{id}", s.handleDeleteThreshold)

	mux.HandleFunc("GET /api/metrics/current", s.handleMetricsCurrent)
	mux.HandleFunc("GET /api/metrics/history", s.handleMetricsHistory)
	mux.HandleFunc("GET /api/metrics/health", s.handleMetricsHealth)
}

// requireAdmin enforces "Authorization: Bearer <AdminToken>" when an admin
// token is configured.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	if s.config.AdminToken == "" {
		return next
	}
	want := []byte(s.config.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err != nil || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			s.logger.Warn().
				Str("client_ip", getClientIP(r)).
				Str("path", r.URL.Path).
				Msg("Admin request rejected: invalid token")
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth reports the coarse status. Load balancers read the status
// code, so unhealthy answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.manager.Stats()
	body := map[string]any{
		"status":      types.HealthHealthy,
		"connections": stats.ActiveConnections,
		"workers":     stats.Pool.WorkerCount,
		"utilization": stats.Pool.Utilization,
	}

	code := http.StatusOK
	if s.metrics != nil {
		report := s.metrics.Health()
		body["status"] = report.Status
		body["score"] = report.Score
		if report.Status == types.HealthUnhealthy {
			code = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, code, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"session": s.manager.Stats()}
	if s.connectionRateLimiter != nil {
		body["upgrades"] = s.connectionRateLimiter.Stats()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.manager.Rooms()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.manager.Room(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "room not found")
		return
	}
	s.writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	info, ok := s.manager.Connection(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "disconnected by administrator"
	}
	if !s.manager.DisconnectWithReason(id, messaging.CloseNormal, reason) {
		s.writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	s.logger.Info().
		Str("connection_id", id).
		Str("reason", reason).
		Msg("Connection closed by administrator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	if !s.alertsEnabled(w) {
		return
	}
	includeAck, _ := strconv.ParseBool(r.URL.Query().Get("include_acknowledged"))
	list := s.alerts.Alerts(includeAck)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if !s.alertsEnabled(w) {
		return
	}
	alert, err := s.alerts.Acknowledge(r.PathValue("id"))
	if err != nil {
		s.writeAlertError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleListThresholds(w http.ResponseWriter, r *http.Request) {
	if !s.alertsEnabled(w) {
		return
	}
	list := s.alerts.Thresholds()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"thresholds": list,
		"count":      len(list),
	})
}

func (s *Server) handleCreateThreshold(w http.ResponseWriter, r *http.Request) {
	if !s.alertsEnabled(w) {
		return
	}
	var t alerts.Threshold
	if err := s.decodeBody(w, r, &t); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.alerts.AddThreshold(t)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetThreshold(w http.ResponseWriter, r *http.Request) {
	if !s.alertsEnabled(w) {
		return
	}
	t, err := s.alerts.Threshold(r.PathValue("id"))
	if err != nil {
		s.writeAlertError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateThreshold(w http.ResponseWriter, r *http.Request) {
	if !s.alertsEnabled(w) {
		return
	}
	var t alerts.Threshold
	if err := s.decodeBody(w, r, &t); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.alerts.UpdateThreshold(r.PathValue("id"), t)
	if err != nil {
		s.writeAlertError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteThreshold(w http.ResponseWriter, r *http.Request) {
	if !s.alertsEnabled(w) {
		return
	}
	if err := s.alerts.DeleteThreshold(r.PathValue("id")); err != nil {
		s.writeAlertError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetricsCurrent(w http.ResponseWriter, r *http.Request) {
	if !s.metricsEnabled(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Current())
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	if !s.metricsEnabled(w) {
		return
	}
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	history, err := s.metrics.History(r.Context(), hours)
	if err != nil {
		s.logger.Error().Err(err).Int("hours", hours).Msg("Failed to load metrics history")
		s.writeError(w, http.StatusInternalServerError, "failed to load metrics history")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"hours":     hours,
		"snapshots": history,
		"count":     len(history),
	})
}

func (s *Server) handleMetricsHealth(w http.ResponseWriter, r *http.Request) {
	if !s.metricsEnabled(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Health())
}

func (s *Server) alertsEnabled(w http.ResponseWriter) bool {
	if s.alerts == nil {
		s.writeError(w, http.StatusNotFound, "alerting is not enabled")
		return false
	}
	return true
}

func (s *Server) metricsEnabled(w http.ResponseWriter) bool {
	if s.metrics == nil {
		s.writeError(w, http.StatusNotFound, "metrics collection is not enabled")
		return false
	}
	return true
}

func (s *Server) writeAlertError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alerts.ErrThresholdNotFound), errors.Is(err, alerts.ErrAlertNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		return errors.New("request body too large or unreadable")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.New("request body must be a JSON object")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

// writeError writes {"status": code, "error": msg}.
func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]any{
		"status": code,
		"error":  msg,
	})
}
