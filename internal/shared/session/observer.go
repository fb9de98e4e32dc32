package session

import (
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/messaging"
)

// Observer receives lifecycle and delivery notifications from the Manager.
// Calls are synchronous and must not block; the metrics collector is the
// production implementation.
type Observer interface {
	OnConnect(connID, subjectID string)
	OnDisconnect(connID string, duration time.Duration)
	OnMessageReceived(connID string, size int)
	// OnMessageSent reports one send or broadcast operation. kind is one of
	// "connection", "subject", "room" or "broadcast".
	OnMessageSent(kind string, delivered, failed int, latency time.Duration)
	OnError(code messaging.ErrorCode)
}

// NopObserver discards every notification.
type NopObserver struct{}

func (NopObserver) OnConnect(string, string)                      {}
func (NopObserver) OnDisconnect(string, time.Duration)            {}
func (NopObserver) OnMessageReceived(string, int)                 {}
func (NopObserver) OnMessageSent(string, int, int, time.Duration) {}
func (NopObserver) OnError(messaging.ErrorCode)                   {}
