// Command loadtest ramps up authenticated WebSocket clients against a realtime
// server, joins them to rooms and keeps chat traffic flowing while reporting
// connection, delivery and server health figures.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/auth"
	"github.com/gorilla/websocket"
)

// Configuration
type Config struct {
	WSURL              string
	HealthURL          string
	JWTSecret          string
	JWTIssuer          string
	TargetConnections  int
	RampRate           int // connections per second
	SustainDurationSec int
	ReportIntervalSec  int
	HealthCheckSec     int
	Rooms              []string
	RoomMode           string        // "all", "single", "random"
	RoomsPerClient     int           // for random mode
	ChatInterval       time.Duration // 0 disables chat traffic
	ConnectionTimeout  int           // milliseconds
}

// State tracks test metrics
type State struct {
	activeConnections int64
	totalCreated      int64
	failedConnections int64
	connectionErrors  sync.Map // map[string]*int64
	closeCodes        sync.Map // map[int]*int64

	chatSent       int64
	chatReceived   int64
	roomsJoined    int64
	pongs          int64
	errorFrames    sync.Map // map[string]*int64
	eventsReceived int64

	lastHealthCheck *HealthResponse

	startTime        time.Time
	sustainStartTime time.Time
	phase            atomic.Value // "ramping", "sustaining", "completed"

	mu sync.RWMutex
}

// HealthResponse from /health
type HealthResponse struct {
	Status      string  `json:"status"`
	Score       int     `json:"score"`
	Connections int     `json:"connections"`
	Workers     int     `json:"workers"`
	Utilization float64 `json:"utilization"`
}

// Connection is one simulated client.
type Connection struct {
	id        int
	subject   string
	ws        *websocket.Conn
	rooms     []string
	ctx       context.Context
	cancel    context.CancelFunc
	writeMu   sync.Mutex
	closeOnce sync.Once
}

var (
	state  *State
	config *Config
	tokens *auth.JWTVerifier
)

func main() {
	config = parseFlags()
	if config.JWTSecret == "" {
		log.Fatalf("JWT secret required (-jwt-secret or JWT_SECRET)")
	}
	tokens = auth.NewJWTVerifier(config.JWTSecret, config.JWTIssuer)

	state = &State{startTime: time.Now()}
	state.phase.Store("ramping")

	log.Printf("%s", "\n"+strings.Repeat("=", 80))
	log.Printf("🧪 REALTIME LOAD TEST")
	log.Printf("%s", strings.Repeat("=", 80))
	log.Printf("   Target:       %d connections", config.TargetConnections)
	log.Printf("   Ramp Rate:    %d conn/sec", config.RampRate)
	log.Printf("   Sustain:      %ds", config.SustainDurationSec)
	log.Printf("   Server:       %s", config.WSURL)
	log.Printf("   Rooms:        %v (mode %s)", config.Rooms, config.RoomMode)
	log.Printf("   Chat:         every %s per client", config.ChatInterval)
	log.Printf("%s", strings.Repeat("=", 80)+"\n")

	log.Printf("🏥 Performing initial health check...")
	if err := checkServerHealth(); err != nil {
		log.Fatalf("❌ Server health check failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("\n🛑 Received shutdown signal, gracefully shutting down...")
		cancel()
	}()

	go periodicHealthChecks(ctx)
	go periodicReports(ctx)

	if err := rampUpConnections(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("❌ Ramp-up failed: %v", err)
	}

	if state.phase.Load() == "sustaining" {
		select {
		case <-time.After(time.Duration(config.SustainDurationSec) * time.Second):
			state.phase.Store("completed")
		case <-ctx.Done():
			log.Printf("⚠️  Sustain phase interrupted")
		}
	}

	cancel()
	log.Printf("\n✅ Test completed!")
	printReport()
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.WSURL, "url", getEnv("WS_URL", "ws://localhost:3002/ws"), "WebSocket server URL")
	flag.StringVar(&cfg.HealthURL, "health", getEnv("HEALTH_URL", "http://localhost:3002/health"), "Health check URL")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", getEnv("JWT_SECRET", ""), "HS256 secret used to mint client tokens")
	flag.StringVar(&cfg.JWTIssuer, "jwt-issuer", getEnv("JWT_ISSUER", ""), "Token issuer")
	flag.IntVar(&cfg.TargetConnections, "connections", getEnvInt("TARGET_CONNECTIONS", 1000), "Target number of connections")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 100), "Connections per second during ramp-up")
	flag.IntVar(&cfg.SustainDurationSec, "duration", getEnvInt("DURATION", 300), "Sustain duration in seconds")
	flag.IntVar(&cfg.ReportIntervalSec, "report-interval", 10, "Report interval in seconds")
	flag.IntVar(&cfg.HealthCheckSec, "health-interval", 5, "Health check interval in seconds")
	flag.IntVar(&cfg.ConnectionTimeout, "connection-timeout", getEnvInt("CONNECTION_TIMEOUT", 10000), "Connection timeout in milliseconds")

	rooms := flag.String("rooms", getEnv("ROOMS", "lobby,operatory-1,operatory-2,lab,front-desk"), "Comma-separated list of rooms")
	flag.StringVar(&cfg.RoomMode, "room-mode", getEnv("ROOM_MODE", "single"), "Room mode: all, single, random")
	flag.IntVar(&cfg.RoomsPerClient, "rooms-per-client", getEnvInt("ROOMS_PER_CLIENT", 2), "Rooms per client (random mode)")
	flag.DurationVar(&cfg.ChatInterval, "chat-interval", 5*time.Second, "Chat message period per client (0 disables)")

	flag.Parse()

	for _, r := range strings.Split(*rooms, ",") {
		if r = strings.TrimSpace(r); r != "" {
			cfg.Rooms = append(cfg.Rooms, r)
		}
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func rampUpConnections(ctx context.Context) error {
	log.Printf("🚀 Starting ramp-up: %d connections at %d/sec", config.TargetConnections, config.RampRate)

	batchSize := max(config.RampRate/10, 1) // 10 batches per second
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	connectionID := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if atomic.LoadInt64(&state.totalCreated) >= int64(config.TargetConnections) {
				state.phase.Store("sustaining")
				state.sustainStartTime = time.Now()
				log.Printf("✅ Ramp-up complete! %d connections established", atomic.LoadInt64(&state.activeConnections))
				return nil
			}

			var wg sync.WaitGroup
			for i := 0; i < batchSize && atomic.LoadInt64(&state.totalCreated) < int64(config.TargetConnections); i++ {
				wg.Add(1)
				id := connectionID
				connectionID++
				atomic.AddInt64(&state.totalCreated, 1)

				go func(connID int) {
					defer wg.Done()
					conn := NewConnection(ctx, connID)
					if err := conn.Connect(); err != nil {
						atomic.AddInt64(&state.failedConnections, 1)
						incr(&state.connectionErrors, err.Error())
					}
				}(id)
			}
			wg.Wait()
		}
	}
}

func NewConnection(ctx context.Context, id int) *Connection {
	connCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		id:      id,
		subject: fmt.Sprintf("loadtest-%d", id),
		ctx:     connCtx,
		cancel:  cancel,
	}
}

func (c *Connection) Connect() error {
	timeout := time.Duration(config.ConnectionTimeout) * time.Millisecond
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
			return d.DialContext(ctx, network, addr)
		},
	}

	token, err := tokens.Issue(c.subject, time.Hour)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}

	u, err := url.Parse(config.WSURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, resp, err := dialer.DialContext(c.ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed: HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	c.ws = ws
	atomic.AddInt64(&state.activeConnections, 1)

	// Server pings on an interval; gorilla answers them and the handler
	// extends our read deadline.
	const readTimeout = 90 * time.Second
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPingHandler(func(appData string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	c.rooms = pickRooms(c.id)
	for _, room := range c.rooms {
		if err := c.write(map[string]any{"type": "join_room", "room_id": room}); err != nil {
			c.close()
			return fmt.Errorf("join failed: %w", err)
		}
	}

	go c.readPump()
	go c.writePump()
	return nil
}

func pickRooms(id int) []string {
	if len(config.Rooms) == 0 {
		return nil
	}
	switch config.RoomMode {
	case "all":
		return config.Rooms
	case "random":
		n := min(config.RoomsPerClient, len(config.Rooms))
		perm := rand.Perm(len(config.Rooms))
		out := make([]string, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, config.Rooms[perm[i]])
		}
		return out
	default:
		return []string{config.Rooms[id%len(config.Rooms)]}
	}
}

func (c *Connection) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *Connection) readPump() {
	defer c.close()

	for {
		var msg map[string]any
		if err := c.ws.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				incr(&state.closeCodes, strconv.Itoa(closeErr.Code))
			}
			return
		}

		msgType, _ := msg["type"].(string)
		switch msgType {
		case "room_joined":
			atomic.AddInt64(&state.roomsJoined, 1)
		case "chat_message":
			atomic.AddInt64(&state.chatReceived, 1)
		case "pong":
			atomic.AddInt64(&state.pongs, 1)
		case "error":
			code, _ := msg["code"].(string)
			incr(&state.errorFrames, code)
		default:
			atomic.AddInt64(&state.eventsReceived, 1)
		}
	}
}

// writePump sends a heartbeat every 30s and, when enabled, a chat message
// to one of the client's rooms every ChatInterval.
func (c *Connection) writePump() {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	var chat <-chan time.Time
	if config.ChatInterval > 0 && len(c.rooms) > 0 {
		// Spread clients over the interval
		time.Sleep(time.Duration(rand.Int63n(int64(config.ChatInterval))))
		t := time.NewTicker(config.ChatInterval)
		defer t.Stop()
		chat = t.C
	}

	seq := 0
	for {
		var err error
		select {
		case <-c.ctx.Done():
			c.close()
			return
		case <-heartbeat.C:
			err = c.write(map[string]any{"type": "heartbeat"})
		case <-chat:
			seq++
			room := c.rooms[seq%len(c.rooms)]
			err = c.write(map[string]any{
				"type":    "chat_message",
				"room_id": room,
				"content": fmt.Sprintf("%s #%d", c.subject, seq),
			})
			if err == nil {
				atomic.AddInt64(&state.chatSent, 1)
			}
		}
		if err != nil {
			log.Printf("⚠️  Connection %d dead (write failed): %v", c.id, err)
			c.close()
			return
		}
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		atomic.AddInt64(&state.activeConnections, -1)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()
		c.cancel()
	})
}

func incr(m *sync.Map, key string) {
	val, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(val.(*int64), 1)
}

func checkServerHealth() error {
	resp, err := http.Get(config.HealthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return err
	}

	state.mu.Lock()
	state.lastHealthCheck = &health
	state.mu.Unlock()

	if health.Status == "unhealthy" {
		log.Printf("⚠️  Server reports unhealthy status but continuing...")
	}
	return nil
}

func periodicHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.HealthCheckSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := checkServerHealth(); err != nil {
				log.Printf("❌ Health check failed: %v", err)
			}
		}
	}
}

func periodicReports(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.ReportIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printReport()
		}
	}
}

func printReport() {
	elapsed := int(time.Since(state.startTime).Seconds())

	state.mu.RLock()
	health := state.lastHealthCheck
	state.mu.RUnlock()

	active := atomic.LoadInt64(&state.activeConnections)
	created := atomic.LoadInt64(&state.totalCreated)
	failed := atomic.LoadInt64(&state.failedConnections)
	sent := atomic.LoadInt64(&state.chatSent)
	received := atomic.LoadInt64(&state.chatReceived)

	successRate := 100.0
	if created > 0 {
		successRate = float64(created-failed) / float64(created) * 100
	}

	log.Printf("%s", "\n"+strings.Repeat("=", 80))
	log.Printf("📊 LOAD TEST - Elapsed: %ds - Phase: %s", elapsed, strings.ToUpper(fmt.Sprint(state.phase.Load())))
	log.Printf("%s", strings.Repeat("=", 80))
	log.Printf("\n🔌 Connections:")
	log.Printf("   Active:       %d / %d target", active, config.TargetConnections)
	log.Printf("   Created:      %d", created)
	log.Printf("   Failed:       %d", failed)
	log.Printf("   Success Rate: %.1f%%", successRate)
	printCounts("   Dial errors:", &state.connectionErrors)
	printCounts("   Close codes:", &state.closeCodes)

	log.Printf("\n📨 Messages:")
	log.Printf("   Rooms joined: %d", atomic.LoadInt64(&state.roomsJoined))
	log.Printf("   Chat sent:    %d", sent)
	log.Printf("   Chat recv:    %d (%.2f msg/sec)", received, float64(received)/float64(max(elapsed, 1)))
	log.Printf("   Events recv:  %d", atomic.LoadInt64(&state.eventsReceived))
	log.Printf("   Pongs:        %d", atomic.LoadInt64(&state.pongs))
	printCounts("   Error frames:", &state.errorFrames)

	log.Printf("\n💻 Server Health:")
	if health != nil {
		log.Printf("   Status:       %s (score %d)", health.Status, health.Score)
		log.Printf("   Connections:  %d on %d workers", health.Connections, health.Workers)
		log.Printf("   Utilization:  %.1f%%", health.Utilization*100)
	} else {
		log.Printf("   (no health data)")
	}
	log.Printf("%s", strings.Repeat("=", 80)+"\n")
}

func printCounts(label string, m *sync.Map) {
	var parts []string
	m.Range(func(k, v any) bool {
		parts = append(parts, fmt.Sprintf("%v=%d", k, atomic.LoadInt64(v.(*int64))))
		return true
	})
	if len(parts) > 0 {
		log.Printf("%s %s", label, strings.Join(parts, ", "))
	}
}
