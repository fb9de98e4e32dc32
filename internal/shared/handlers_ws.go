package shared

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/auth"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/messaging"
	"github.com/gobwas/ws"
)

// handleWebSocket upgrades GET /ws. Everything that can be refused cheaply is
// refused before the upgrade; auth and admission failures after it are
// reported with a close code (1008, 1013).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := getClientIP(r)

	// Draining: the load balancer retries against another instance
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.connectionRateLimiter != nil {
		if d := s.connectionRateLimiter.Allow(clientIP); !d.Allowed {
			s.logger.Warn().
				Str("client_ip", clientIP).
				Str("scope", string(d.Scope)).
				Dur("retry_after", d.RetryAfter).
				Msg("Connection rejected: upgrade rate exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	// Read before the upgrade, the request is not usable afterwards.
	// A missing token is rejected by Authenticate like any invalid one.
	token, _ := auth.TokenFromRequest(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		// UpgradeHTTP has already answered with 400/426
		s.logger.Debug().
			Err(err).
			Str("client_ip", clientIP).
			Str("sec_websocket_version", r.Header.Get("Sec-WebSocket-Version")).
			Msg("WebSocket upgrade failed")
		return
	}

	client := newClient(conn, clientIP, s.config.WriteWait)

	subjectID, err := s.manager.Authenticate(token)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("client_ip", clientIP).
			Msg("Connection rejected: authentication failed")
		_ = client.Close(messaging.ClosePolicyViolation, "authentication failed")
		return
	}

	// Connect closes the client itself when admission is refused
	connID, err := s.manager.Connect(client, subjectID)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("client_ip", clientIP).
			Str("subject_id", subjectID).
			Msg("Connection not admitted")
		return
	}
	client.id = connID

	s.logger.Info().
		Str("client_ip", clientIP).
		Str("connection_id", connID).
		Str("subject_id", subjectID).
		Dur("setup", time.Since(startTime)).
		Msg("Client admitted")

	s.wg.Add(1)
	go s.readPump(client)
}

// getClientIP extracts the client IP from the request.
// Checks X-Forwarded-For header first (for load balancers/proxies),
// then falls back to RemoteAddr.
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (standard for load balancers)
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		// Use first IP in the chain (client IP)
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	// Fall back to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// If split fails, return as-is (might be just IP without port)
		return r.RemoteAddr
	}
	return ip
}
