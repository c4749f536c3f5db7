package wsadapter

import (
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lanrelay/internal/config"
	"lanrelay/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 15 * time.Second
	pingPeriod     = 10 * time.Second
	maxMessageSize = 65536
)

// Handler upgrades incoming HTTP connections to WebSocket and registers them
// with a Hub, enforcing the origin allowlist and pre-auth connection budget
// from ServerConfig.WebSocket (spec §6 "server.websocket").
type Handler struct {
	hub      *Hub
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	budget   *preAuthBudget
}

// NewHandler builds a Handler serving hub's room under cfg's origin and
// connection-budget policy.
func NewHandler(hub *Hub, cfg config.WebSocketConfig) *Handler {
	h := &Handler{
		hub:    hub,
		cfg:    cfg,
		budget: newPreAuthBudget(cfg.MaxUnauthenticatedPerIP, cfg.MaxUnauthenticatedGlobal),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin enforces cfg.AllowedOrigins: an exact match, a single
// trailing-wildcard prefix match, or the literal "null" (file:// callers,
// useful for a LAN kiosk page opened straight off disk).
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if originMatchesAllowed(origin, allowed) {
			return true
		}
	}
	return false
}

func originMatchesAllowed(origin, allowed string) bool {
	if allowed == origin {
		return true
	}
	if allowed == "null" {
		return origin == "null"
	}
	if strings.HasSuffix(allowed, "*") {
		prefix := strings.TrimSuffix(allowed, "*")
		return strings.HasPrefix(origin, prefix)
	}
	return false
}

// preAuthBudget caps how many not-yet-joined WebSocket connections may be
// held open at once, per remote IP and globally, so an unauthenticated
// flood can't exhaust file descriptors before a peer ever joins a room.
type preAuthBudget struct {
	mu     sync.Mutex
	perIP  int
	global int
	counts map[string]int
	total  int
}

func newPreAuthBudget(perIP, global int) *preAuthBudget {
	return &preAuthBudget{perIP: perIP, global: global, counts: make(map[string]int)}
}

func (b *preAuthBudget) reserve(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.global > 0 && b.total >= b.global {
		return false
	}
	if b.perIP > 0 && b.counts[ip] >= b.perIP {
		return false
	}
	b.counts[ip]++
	b.total++
	return true
}

func (b *preAuthBudget) releaseReservation(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counts[ip] > 0 {
		b.counts[ip]--
		if b.counts[ip] == 0 {
			delete(b.counts, ip)
		}
	}
	if b.total > 0 {
		b.total--
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ServeHTTP upgrades the connection, reserves a pre-auth budget slot, reads
// the joining peer's id off the query string, and hands the socket to a new
// hubClient whose pumps run for the life of the connection (spec §4.1).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.budget.reserve(ip) {
		http.Error(w, "too many unauthenticated connections", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.budget.releaseReservation(ip)
		log.Printf("[wsadapter] upgrade failed: %v", err)
		return
	}

	peerID := r.URL.Query().Get("peerId")
	if peerID == "" {
		peerID = uuid.NewString()
	}

	released := false
	releaseOnce := func() {
		if !released {
			released = true
			h.budget.releaseReservation(ip)
		}
	}

	c := &hubClient{peerID: peerID, send: make(chan []byte, 64)}
	c.closeFn = func() { conn.Close() }

	h.hub.register <- c

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.writePump(conn, c)
	}()
	go func() {
		defer wg.Done()
		h.readPump(conn, c)
		releaseOnce()
	}()
}

func (h *Handler) readPump(conn *websocket.Conn, c *hubClient) {
	defer func() {
		h.hub.unregister <- c
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := signaling.Decode(raw)
		if err != nil {
			log.Printf("[wsadapter] dropping malformed message from %s: %v", c.peerID, err)
			continue
		}
		msg.PeerID = c.peerID
		if err := validateInbound(msg); err != nil {
			log.Printf("[wsadapter] dropping message from %s: %s", c.peerID, formatValidationError(err))
			continue
		}
		h.hub.deliverInbound(msg)
	}
}

func (h *Handler) writePump(conn *websocket.Conn, c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
