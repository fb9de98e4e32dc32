package shared

import (
	"io"
	"net/http"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/messaging"
)

// Message injection endpoints. The request body is the frame to deliver: any
// JSON object with a "type"; the server adds "timestamp" on encode.

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.readEvent(w, r)
	if !ok {
		return
	}
	delivered := s.manager.Broadcast(ev)

	s.logger.Info().
		Str("message_type", string(ev.Type)).
		Int("recipients", delivered).
		Msg("Admin broadcast")

	s.writeJSON(w, http.StatusOK, map[string]any{"recipients": delivered})
}

// handleRoomBroadcast answers 200 with delivered=0, failed=0 for a room
// nobody is in, the same result BroadcastToRoom reports.
func (s *Server) handleRoomBroadcast(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	ev, ok := s.readEvent(w, r)
	if !ok {
		return
	}
	delivered, failed := s.manager.BroadcastToRoom(r.Context(), roomID, ev)

	s.logger.Info().
		Str("room_id", roomID).
		Str("message_type", string(ev.Type)).
		Int("delivered", delivered).
		Int("failed", failed).
		Msg("Admin room broadcast")

	s.writeJSON(w, http.StatusOK, map[string]any{
		"room_id":   roomID,
		"delivered": delivered,
		"failed":    failed,
	})
}

func (s *Server) handleSubjectMessage(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("id")
	ev, ok := s.readEvent(w, r)
	if !ok {
		return
	}
	delivered := s.manager.SendToSubject(ev, subjectID)
	if delivered == 0 {
		s.writeError(w, http.StatusNotFound, "subject has no active connections")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"subject_id": subjectID,
		"recipients": delivered,
	})
}

func (s *Server) readEvent(w http.ResponseWriter, r *http.Request) (messaging.Event, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return messaging.Event{}, false
	}
	ev, err := messaging.EventFromJSON(data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return messaging.Event{}, false
	}
	return ev, true
}
