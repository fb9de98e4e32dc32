package session

import (
	"context"
	"errors"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/limits"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/messaging"
)

// HandleInbound runs one client frame through the pipeline: size check, JSON
// shape check, rate limit, then dispatch to the built-in handler and to any
// listeners registered for its type.
//
// On rejection an error frame is sent to the connection and the *Error is
// returned. When the returned error is Fatal the caller must stop reading;
// the connection has already been disconnected.
func (m *Manager) HandleInbound(ctx context.Context, connID string, raw []byte) error {
	m.mu.RLock()
	st, ok := m.conns[connID]
	var subjectID string
	if ok {
		subjectID = st.subjectID
	}
	m.mu.RUnlock()
	if !ok {
		return newError(messaging.CodeInternal, "unknown connection", nil)
	}

	if len(raw) > m.cfg.MaxMessageBytes {
		e := newError(messaging.CodeMessageTooLarge, "message exceeds maximum size", nil)
		if m.cfg.CloseOnOversize {
			e.CloseCode = messaging.CloseMessageTooBig
		}
		return m.reject(connID, e)
	}

	msg, err := messaging.DecodeInbound(raw)
	if err != nil {
		return m.reject(connID, newError(messaging.CodeInvalidMessage, err.Error(), err))
	}

	if err := m.limiter.Check(connID); err != nil {
		if errors.Is(err, limits.ErrRateLimitExceeded) {
			return m.reject(connID, newError(messaging.CodeRateLimitExceeded, "too many messages, slow down", err))
		}
		return m.reject(connID, asError(err))
	}

	m.observer.OnMessageReceived(connID, len(raw))

	if err := m.dispatch(ctx, connID, subjectID, msg); err != nil {
		return m.reject(connID, asError(err))
	}

	m.events.trigger(ctx, Event{
		Type:         string(msg.InboundType()),
		ConnectionID: connID,
		SubjectID:    subjectID,
		Data:         msg.Fields(),
		Timestamp:    m.now(),
	})
	return nil
}

func (m *Manager) dispatch(ctx context.Context, connID, subjectID string, msg messaging.Inbound) error {
	switch in := msg.(type) {
	case messaging.JoinRoom:
		if in.RoomID == "" {
			return newError(messaging.CodeInvalidMessage, "join_room requires room_id", nil)
		}
		m.JoinRoom(connID, in.RoomID)
		m.SendToConnection(connID, messaging.Ack{Type: messaging.TypeRoomJoined, RoomID: in.RoomID})

	case messaging.LeaveRoom:
		if in.RoomID == "" {
			return newError(messaging.CodeInvalidMessage, "leave_room requires room_id", nil)
		}
		m.LeaveRoom(connID, in.RoomID)
		m.SendToConnection(connID, messaging.Ack{Type: messaging.TypeRoomLeft, RoomID: in.RoomID})

	case messaging.ChatMessage:
		if in.RoomID == "" {
			return newError(messaging.CodeInvalidMessage, "chat_message requires room_id", nil)
		}
		m.BroadcastToRoom(ctx, in.RoomID, messaging.ChatBroadcast{
			RoomID:  in.RoomID,
			UserID:  subjectID,
			Content: in.Content,
		})

	case messaging.Heartbeat:
		m.SendToConnection(connID, messaging.Pong{})
	}
	return nil
}

// reject reports e to the client and disconnects it when e is fatal.
func (m *Manager) reject(connID string, e *Error) error {
	m.observer.OnError(e.Code)

	frame := messaging.ErrorFrame{Code: e.Code, Message: e.Message}
	if !e.Fatal() {
		m.SendToConnection(connID, frame)
		return e
	}

	// The frame must be written before the close frame, so wait for it.
	if data, err := messaging.Encode(frame, m.now()); err == nil {
		m.pool.SendToMany(context.Background(), []string{connID}, data)
	}

	m.logger.Warn().
		Str("connection_id", connID).
		Str("code", string(e.Code)).
		Int("close_code", e.CloseCode).
		Msg("Closing connection after protocol error")
	m.disconnect(connID, e.CloseCode, e.Message)
	return e
}
