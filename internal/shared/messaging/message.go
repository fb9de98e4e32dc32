// Package messaging defines the JSON wire protocol spoken over a realtime
// connection.
//
// Every frame is a JSON object with a "type" discriminator. Inbound frames are
// decoded into the closed Inbound union (JoinRoom, LeaveRoom, ChatMessage,
// Heartbeat, or Unknown carrying the raw object for listener dispatch).
// Outbound frames implement Outbound and are stamped with a server
// "timestamp" in RFC 3339 when encoded.
package messaging

import (
	"bytes"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Type is the "type" discriminator of a frame.
type Type string

const (
	TypeJoinRoom    Type = "join_room"
	TypeLeaveRoom   Type = "leave_room"
	TypeChatMessage Type = "chat_message"
	TypeHeartbeat   Type = "heartbeat"

	TypeRoomJoined Type = "room_joined"
	TypeRoomLeft   Type = "room_left"
	TypePong       Type = "pong"
	TypeError      Type = "error"
)

// ErrorCode is the machine-readable "code" of an error frame.
type ErrorCode string

const (
	CodeAuthentication    ErrorCode = "AUTHENTICATION_ERROR"
	CodeAdmissionRejected ErrorCode = "ADMISSION_REJECTED"
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeMessageTooLarge   ErrorCode = "MESSAGE_TOO_LARGE"
	CodeInvalidMessage    ErrorCode = "INVALID_MESSAGE"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// WebSocket close codes used by the server (RFC 6455 §7.4).
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
)

// Decoding failures. All of them surface to the client as INVALID_MESSAGE.
var (
	ErrNotJSON     = errors.New("message is not valid JSON")
	ErrNotObject   = errors.New("message must be a JSON object")
	ErrMissingType = errors.New("message has no type")
	ErrNotUTF8     = errors.New("message is not valid UTF-8")
)

// Inbound is a decoded client frame.
type Inbound interface {
	InboundType() Type
	// Fields returns the frame as a generic object for event listeners.
	Fields() map[string]any
}

// JoinRoom asks to subscribe the connection to a room.
type JoinRoom struct {
	RoomID string `json:"room_id"`
	raw    map[string]any
}

// LeaveRoom asks to unsubscribe the connection from a room.
type LeaveRoom struct {
	RoomID string `json:"room_id"`
	raw    map[string]any
}

// ChatMessage is broadcast to every member of RoomID.
type ChatMessage struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
	raw     map[string]any
}

// Heartbeat is an application-level keep-alive for clients that cannot
// send WebSocket pings; the server answers with a pong frame.
type Heartbeat struct {
	raw map[string]any
}

// Unknown is any well-formed frame whose type has no built-in handler.
// It is still offered to registered event listeners.
type Unknown struct {
	Type Type
	Raw  map[string]any
}

func (m JoinRoom) InboundType() Type    { return TypeJoinRoom }
func (m LeaveRoom) InboundType() Type   { return TypeLeaveRoom }
func (m ChatMessage) InboundType() Type { return TypeChatMessage }
func (m Heartbeat) InboundType() Type   { return TypeHeartbeat }
func (m Unknown) InboundType() Type     { return m.Type }

func (m JoinRoom) Fields() map[string]any    { return m.raw }
func (m LeaveRoom) Fields() map[string]any   { return m.raw }
func (m ChatMessage) Fields() map[string]any { return m.raw }
func (m Heartbeat) Fields() map[string]any   { return m.raw }
func (m Unknown) Fields() map[string]any     { return m.Raw }

// DecodeInbound parses a client frame. It checks JSON well-formedness, that
// the top level is an object and that "type" is a non-empty string; per-type
// field validation is left to the handler so the error can name the field.
func DecodeInbound(data []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(data)
	if !utf8.Valid(trimmed) {
		return nil, ErrNotUTF8
	}
	if !json.Valid(trimmed) {
		return nil, ErrNotJSON
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}

	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}

	typ, _ := raw["type"].(string)
	if typ == "" {
		return nil, ErrMissingType
	}

	switch Type(typ) {
	case TypeJoinRoom:
		return JoinRoom{RoomID: stringField(raw, "room_id"), raw: raw}, nil
	case TypeLeaveRoom:
		return LeaveRoom{RoomID: stringField(raw, "room_id"), raw: raw}, nil
	case TypeChatMessage:
		return ChatMessage{
			RoomID:  stringField(raw, "room_id"),
			Content: stringField(raw, "content"),
			raw:     raw,
		}, nil
	case TypeHeartbeat:
		return Heartbeat{raw: raw}, nil
	default:
		return Unknown{Type: Type(typ), Raw: raw}, nil
	}
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

// Outbound is a server frame. Implementations only provide their own fields;
// Encode adds "type" and "timestamp".
type Outbound interface {
	OutboundType() Type
	fields() map[string]any
}

// ChatBroadcast relays a chat message to room members.
type ChatBroadcast struct {
	RoomID  string
	UserID  string
	Content string
}

// Ack confirms a room membership change to the requesting connection.
type Ack struct {
	Type   Type // TypeRoomJoined or TypeRoomLeft
	RoomID string
}

// Pong answers a Heartbeat.
type Pong struct{}

// ErrorFrame reports a rejected inbound frame to its sender.
type ErrorFrame struct {
	Code    ErrorCode
	Message string
}

// Event is an application-defined frame (appointment updates, notifications,
// admin broadcasts). Data keys are copied to the top level of the frame;
// "type" and "timestamp" in Data are overwritten.
type Event struct {
	Type Type
	Data map[string]any
}

func (m ChatBroadcast) OutboundType() Type { return TypeChatMessage }
func (m Ack) OutboundType() Type           { return m.Type }
func (m Pong) OutboundType() Type          { return TypePong }
func (m ErrorFrame) OutboundType() Type    { return TypeError }
func (m Event) OutboundType() Type         { return m.Type }

func (m ChatBroadcast) fields() map[string]any {
	return map[string]any{"room_id": m.RoomID, "user_id": m.UserID, "content": m.Content}
}

func (m Ack) fields() map[string]any { return map[string]any{"room_id": m.RoomID} }

func (m Pong) fields() map[string]any { return map[string]any{} }

func (m ErrorFrame) fields() map[string]any {
	return map[string]any{"code": m.Code, "message": m.Message}
}

func (m Event) fields() map[string]any {
	out := make(map[string]any, len(m.Data)+2)
	for k, v := range m.Data {
		out[k] = v
	}
	return out
}

// Encode serializes o with its type and an RFC 3339 timestamp taken from now.
func Encode(o Outbound, now time.Time) ([]byte, error) {
	if o.OutboundType() == "" {
		return nil, errors.New("outbound message has no type")
	}
	f := o.fields()
	f["type"] = string(o.OutboundType())
	f["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", o.OutboundType(), err)
	}
	return data, nil
}

// EventFromJSON builds an Event from an arbitrary JSON object carrying a
// "type". Used by the admin API and the ingest bridge.
func EventFromJSON(data []byte) (Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	typ, _ := raw["type"].(string)
	if typ == "" {
		return Event{}, ErrMissingType
	}
	delete(raw, "type")
	return Event{Type: Type(typ), Data: raw}, nil
}
