package limits

import (
	"sync"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/monitoring"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Scope names the bucket that refused an upgrade.
type Scope string

const (
	ScopePerIP  Scope = "per_ip"
	ScopeGlobal Scope = "global"
)

// Decision is the outcome of one upgrade attempt.
type Decision struct {
	Allowed    bool
	Scope      Scope         // Bucket that refused, empty when allowed
	RetryAfter time.Duration // Earliest moment the refusing bucket has a token
}

// ConnectionRateLimiter throttles WebSocket upgrade attempts before any token
// is verified, so a reconnect storm from one practice (or a scripted client)
// cannot burn CPU on JWT verification and pool placement.
//
// The per-IP bucket is consulted before the global one; an address that is
// already over its own limit never spends a token of the shared budget.
type ConnectionRateLimiter struct {
	cfg    ConnectionRateLimiterConfig
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*clientBucket
	global  *rate.Limiter

	rejectedPerIP  int64
	rejectedGlobal int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnectionRateLimiterConfig holds configuration for connection rate limiting
type ConnectionRateLimiterConfig struct {
	IPBurst int           // Burst upgrades per address (default: 10)
	IPRate  float64       // Sustained upgrades/sec per address (default: 1.0)
	IPTTL   time.Duration // Idle addresses are forgotten after this (default: 5m)

	GlobalBurst int     // Burst upgrades process-wide (default: 300)
	GlobalRate  float64 // Sustained upgrades/sec process-wide (default: 50.0)

	Logger zerolog.Logger
}

// NewConnectionRateLimiter starts the limiter and its idle-address sweeper.
// Call Stop on shutdown.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst <= 0 {
		config.IPBurst = 10
	}
	if config.IPRate <= 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL <= 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst <= 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate <= 0 {
		config.GlobalRate = 50.0
	}

	crl := &ConnectionRateLimiter{
		cfg:     config,
		logger:  config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		clients: make(map[string]*clientBucket),
		global:  rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		done:    make(chan struct{}),
		now:     time.Now,
	}

	crl.wg.Add(1)
	go crl.sweepLoop(time.Minute)

	crl.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("Connection rate limiter started")

	return crl
}

// Allow spends one token from the address bucket and one from the global
// bucket. A refused attempt is counted in Prometheus by scope.
func (crl *ConnectionRateLimiter) Allow(ip string) Decision {
	now := crl.now()

	crl.mu.Lock()
	bucket, ok := crl.clients[ip]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(rate.Limit(crl.cfg.IPRate), crl.cfg.IPBurst)}
		crl.clients[ip] = bucket
	}
	bucket.lastSeen = now

	if !bucket.limiter.AllowN(now, 1) {
		crl.rejectedPerIP++
		retry := retryAfter(bucket.limiter, now)
		crl.mu.Unlock()
		monitoring.IncrementConnectionRateLimit(string(ScopePerIP))
		return Decision{Scope: ScopePerIP, RetryAfter: retry}
	}

	if !crl.global.AllowN(now, 1) {
		crl.rejectedGlobal++
		retry := retryAfter(crl.global, now)
		crl.mu.Unlock()
		monitoring.IncrementConnectionRateLimit(string(ScopeGlobal))
		return Decision{Scope: ScopeGlobal, RetryAfter: retry}
	}
	crl.mu.Unlock()

	return Decision{Allowed: true}
}

// retryAfter asks the bucket when its next token is due without keeping
// the reservation.
func retryAfter(l *rate.Limiter, now time.Time) time.Duration {
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return delay
}

func (crl *ConnectionRateLimiter) sweepLoop(every time.Duration) {
	defer monitoring.RecoverPanic(crl.logger, "connectionRateLimiterSweep", nil)
	defer crl.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			crl.sweep(crl.now())
		case <-crl.done:
			return
		}
	}
}

// sweep forgets addresses idle for longer than IPTTL.
func (crl *ConnectionRateLimiter) sweep(now time.Time) int {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	removed := 0
	for ip, b := range crl.clients {
		if now.Sub(b.lastSeen) > crl.cfg.IPTTL {
			delete(crl.clients, ip)
			removed++
		}
	}

	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.clients)).
			Msg("Forgot idle client addresses")
	}
	return removed
}

// Stop ends the sweeper. Safe to call more than once.
func (crl *ConnectionRateLimiter) Stop() {
	crl.stopOnce.Do(func() {
		close(crl.done)
		crl.wg.Wait()
		crl.logger.Info().Msg("Connection rate limiter stopped")
	})
}

// ConnectionRateLimiterStats is served on /api/stats.
type ConnectionRateLimiterStats struct {
	TrackedAddresses int     `json:"tracked_addresses"`
	RejectedPerIP    int64   `json:"rejected_per_ip"`
	RejectedGlobal   int64   `json:"rejected_global"`
	IPBurst          int     `json:"ip_burst"`
	IPRate           float64 `json:"ip_rate"`
	GlobalBurst      int     `json:"global_burst"`
	GlobalRate       float64 `json:"global_rate"`
}

func (crl *ConnectionRateLimiter) Stats() ConnectionRateLimiterStats {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	return ConnectionRateLimiterStats{
		TrackedAddresses: len(crl.clients),
		RejectedPerIP:    crl.rejectedPerIP,
		RejectedGlobal:   crl.rejectedGlobal,
		IPBurst:          crl.cfg.IPBurst,
		IPRate:           crl.cfg.IPRate,
		GlobalBurst:      crl.cfg.GlobalBurst,
		GlobalRate:       crl.cfg.GlobalRate,
	}
}
