// Ai-casino Turing-test chat relay
//
// During the Turing-test round, each player chats with a partner that is either
// the human host or an AI stand-in, and has to guess which. This relay carries
// that chat: a single host connection exchanges messages with any number of
// player connections, while the casino UI decides what to show around it.
//
// Features:
// - WebSockets per session: /relay/:session and /relay/:session/ws
// - At most one host per session; later register-host attempts are rejected
// - Players join with a username and appear on the host's roster
// - Host messages broadcast to every player (plus a local echo), or go
//   privately to a single player
// - Player messages always go to the host, and nowhere when no host exists
// - Departed players stay on the roster flagged disconnected, then are pruned
//   after a configurable timeout
// - Random 8-char session IDs via crypto/rand, with server-side collision check
// - Sessions auto-reaped after a configurable idle timeout
// - In-browser QR button to share the current session, backed by go-qrcode
// - JSON status endpoint per session for the casino UI

package main

import (
	"crypto/rand"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

type Client struct {
	conn *websocket.Conn
	send chan Envelope
	id   string
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Envelope, 8),
	}
}

// registry maps open connection ids to clients. A lookup miss is a valid
// "not found" result, not an error, and forgetting twice is a no-op.
type registry struct {
	conns map[string]*Client
}

func newRegistry() registry {
	return registry{conns: make(map[string]*Client)}
}

func (r registry) accept(c *Client) string {
	r.conns[c.id] = c
	return c.id
}

func (r registry) lookup(id string) *Client {
	return r.conns[id]
}

func (r registry) forget(id string) {
	delete(r.conns, id)
}

func (r registry) size() int {
	return len(r.conns)
}

type inboundEvent struct {
	client *Client
	env    Envelope
}

type Hub struct {
	session string

	conns  registry
	roster roster

	register chan *Client
	unreg    chan *Client
	inbound  chan inboundEvent
	done     chan struct{}

	mu        sync.RWMutex
	closeOnce sync.Once

	createdAt  time.Time
	lastActive time.Time
}

func newHub(session string) *Hub {
	now := time.Now()
	return &Hub{
		session:    session,
		conns:      newRegistry(),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		inbound:    make(chan inboundEvent),
		done:       make(chan struct{}),
		createdAt:  now,
		lastActive: now,
	}
}

// run serializes every connection event for this session, so roster and role
// state never see two events racing. It exits once the hub is closed.
func (h *Hub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.handleRegister(cfg, c)
		case c := <-h.unreg:
			h.handleUnregister(cfg, c)
		case in := <-h.inbound:
			h.handleEnvelope(cfg, in.client, in.env)
		case <-h.done:
			return
		}
	}
}

func (h *Hub) handleRegister(cfg *Config, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()
	h.conns.accept(c)

	logf(cfg, "RELAY: Connection %s opened in %s", c.id, h.session)

	confirm := notification(kindConnected)
	confirm.ClientID = c.id
	confirm.Message = "Connected to relay"
	c.send <- confirm
}

func (h *Hub) handleUnregister(cfg *Config, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conns.lookup(c.id) == nil {
		return
	}
	h.conns.forget(c.id)
	close(c.send)
	h.lastActive = time.Now()

	switch {
	case h.roster.host() == c.id:
		h.roster.setHost("")
		logf(cfg, "RELAY: Host %s disconnected from %s", c.id, h.session)

		gone := notification(kindHostDisconnected)
		gone.Message = "Host has left the chat"
		h.broadcastToPlayersLocked(gone)

	case h.roster.isPlayer(c.id):
		username, _ := h.roster.markDisconnected(c.id)
		logf(cfg, "RELAY: Player %q (%s) disconnected from %s", username, c.id, h.session)

		left := notification(kindPlayerLeft)
		left.ClientID = c.id
		left.Username = username
		left.Message = "Player left the chat"
		h.sendToHostLocked(left)

		go h.scheduleRemoval(cfg, c.id, cfg.playerTimeout)

	default:
		logf(cfg, "RELAY: Connection %s closed before registering in %s", c.id, h.session)
	}
}

func (h *Hub) handleEnvelope(cfg *Config, c *Client, env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conns.lookup(c.id) == nil {
		return
	}
	h.lastActive = time.Now()

	switch env.Kind {
	case kindRegisterHost:
		h.registerHostLocked(cfg, c)
	case kindPlayerJoin:
		h.joinPlayerLocked(cfg, c, env.Username)
	case kindChat, kindPrivate, kindPlayerPrivate:
		h.routeChatLocked(c, env)
	case kindDisconnect:
		// Polite close; the read loop observes it and unregisters as usual.
		_ = c.conn.Close()
	}
}

// registerHostLocked enforces the single-host invariant. Re-registration by
// the current host is idempotent and does not re-broadcast availability.
func (h *Hub) registerHostLocked(cfg *Config, c *Client) {
	if host := h.roster.host(); host != "" && host != c.id {
		rejection := notification(kindError)
		rejection.Message = "Host already registered"
		h.trySendLocked(c, rejection)
		logf(cfg, "RELAY: Rejected host registration from %s in %s", c.id, h.session)
		return
	}

	if h.roster.host() == "" {
		// Claiming the vacancy forfeits any player entry this connection had;
		// a host cannot double as a player.
		h.roster.remove(c.id)
		h.roster.setHost(c.id)
		logf(cfg, "RELAY: Host registered: %s in %s", c.id, h.session)

		available := notification(kindHostAvailable)
		available.Message = "Host is now available for chat"
		h.broadcastToPlayersLocked(available)
	}

	registered := notification(kindHostRegistered)
	registered.Message = "You are now the host"
	h.trySendLocked(c, registered)

	h.sendPlayerListLocked()
}

func (h *Hub) joinPlayerLocked(cfg *Config, c *Client, username string) {
	if h.roster.host() == c.id {
		return
	}
	if h.roster.isPlayer(c.id) {
		return
	}

	if username == "" {
		username = defaultUsername(c.id)
	}

	h.roster.upsert(c.id, username)
	logf(cfg, "RELAY: Player %q joined %s as %s", username, h.session, c.id)

	joined := notification(kindPlayerJoined)
	joined.ClientID = c.id
	joined.Username = username
	h.sendToHostLocked(joined)
	h.sendPlayerListLocked()

	if h.roster.host() != "" {
		available := notification(kindHostAvailable)
		available.Message = "Host is now available for chat"
		h.trySendLocked(c, available)
	}
}

// routeChatLocked applies the dispatch table: host broadcasts reach every
// connected player plus the host's own transcript, host private messages reach
// one player, and player messages reach the host or nothing at all.
func (h *Hub) routeChatLocked(c *Client, env Envelope) {
	if h.roster.host() == c.id {
		out := Envelope{
			Kind:       kindChat,
			Content:    env.Content,
			SenderID:   "host",
			SenderName: "Host",
			Timestamp:  env.Timestamp,
		}

		if env.IsPrivate || env.Kind == kindPrivate {
			// A private envelope must resolve to exactly one recipient;
			// with no target there is nowhere to deliver, so drop it
			// rather than leak it to the room.
			if env.TargetPlayerID == "" {
				return
			}
			out.IsPrivate = true
			h.sendToPlayerLocked(env.TargetPlayerID, out)
			return
		}

		h.broadcastToPlayersLocked(out)
		h.trySendLocked(c, out)
		return
	}

	sender := h.roster.find(c.id)
	if sender == nil || h.roster.host() == "" {
		// Unregistered sender, or nowhere to deliver. Not an error.
		return
	}

	out := Envelope{
		Kind:       kindChat,
		Content:    env.Content,
		SenderID:   c.id,
		SenderName: sender.Username,
		Timestamp:  env.Timestamp,
	}
	if env.IsPrivate || env.Kind == kindPlayerPrivate {
		out.IsPrivate = true
		out.TargetPlayerID = "host"
	}
	h.sendToHostLocked(out)
}

// scheduleRemoval waits for d, then prunes the roster entry unless the player
// reconnected in the meantime.
func (h *Hub) scheduleRemoval(cfg *Config, id string, d time.Duration) {
	time.Sleep(d)

	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.roster.find(id)
	if p == nil || p.Connected {
		return
	}

	h.roster.remove(id)
	h.lastActive = time.Now()
	logf(cfg, "RELAY: Pruned departed player %s from %s", id, h.session)

	h.sendPlayerListLocked()
}

// trySendLocked is a best-effort send; a slow or closed consumer drops the
// message rather than blocking the hub.
func (h *Hub) trySendLocked(c *Client, env Envelope) {
	select {
	case c.send <- env:
	default:
	}
}

func (h *Hub) sendToHostLocked(env Envelope) {
	host := h.conns.lookup(h.roster.host())
	if host == nil {
		return
	}
	h.trySendLocked(host, env)
}

func (h *Hub) sendToPlayerLocked(id string, env Envelope) {
	p := h.roster.find(id)
	if p == nil || !p.Connected {
		return
	}
	if c := h.conns.lookup(id); c != nil {
		h.trySendLocked(c, env)
	}
}

func (h *Hub) broadcastToPlayersLocked(env Envelope) {
	for _, p := range h.roster.snapshot() {
		if !p.Connected {
			continue
		}
		if c := h.conns.lookup(p.ID); c != nil {
			h.trySendLocked(c, env)
		}
	}
}

func (h *Hub) sendPlayerListLocked() {
	list := notification(kindPlayerList)
	list.Players = h.roster.snapshot()
	h.sendToHostLocked(list)
}

// closeAll disconnects all clients of this hub and releases its event loop
// (used by reaper).
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.conns.conns {
		close(c.send)
		_ = c.conn.Close()
		h.conns.forget(id)
	}

	h.closeOnce.Do(func() {
		close(h.done)
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (c *Client) readPump(cfg *Config, h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			logf(cfg, "RELAY: Ignoring malformed payload from %s: %v", c.id, err)
			continue
		}

		select {
		case h.inbound <- inboundEvent{client: c, env: env}:
		case <-h.done:
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for env := range c.send {
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}
}

// relayManager holds a set of hubs keyed by session ID, so each
// /relay/:session is its own isolated chat.
type relayManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	idleTimeout time.Duration
}

func newRelayManager(idleTimeout time.Duration) *relayManager {
	rm := &relayManager{
		hubs:        make(map[string]*Hub),
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go rm.reaperLoop()
	}
	return rm
}

func (rm *relayManager) getHub(cfg *Config, session string) *Hub {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if hub, ok := rm.hubs[session]; ok {
		return hub
	}

	hub := newHub(session)
	rm.hubs[session] = hub
	go hub.run(cfg)
	return hub
}

func (rm *relayManager) peek(session string) *Hub {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	return rm.hubs[session]
}

// newSessionID generates a crypto-random session ID and ensures it doesn't
// collide with existing sessions.
func (rm *relayManager) newSessionID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		rm.mu.Lock()
		_, exists := rm.hubs[id]
		rm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically removes hubs that have been idle longer than idleTimeout.
func (rm *relayManager) reaperLoop() {
	ticker := time.NewTicker(rm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-rm.idleTimeout)

		rm.mu.Lock()
		for id, hub := range rm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(rm.hubs, id)
				go hub.closeAll()
			}
		}
		rm.mu.Unlock()
	}
}

func serveRelayWS(cfg *Config, rm *relayManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		session := ps.ByName("session")
		if session == "" {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}

		hub := rm.getHub(cfg, session)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := newClient(conn)

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(cfg, hub)
	}
}

type sessionStatus struct {
	ConnectedPlayers int   `json:"connectedPlayers"`
	IsHostConnected  bool  `json:"isHostConnected"`
	TotalConnections int   `json:"totalConnections"`
	CreatedAt        int64 `json:"createdAt"`
}

func serveSessionStatus(cfg *Config, rm *relayManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		hub := rm.peek(ps.ByName("session"))
		if hub == nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		hub.mu.RLock()
		status := sessionStatus{
			ConnectedPlayers: hub.roster.connectedCount(),
			IsHostConnected:  hub.roster.host() != "",
			TotalConnections: hub.conns.size(),
			CreatedAt:        hub.createdAt.UnixMilli(),
		}
		hub.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)

		_ = json.NewEncoder(w).Encode(status)
	}
}

func serveSessionPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		session := ps.ByName("session")

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		page := newLinkPage("ai-casino "+session, r.URL.Path+"/qr", "Session "+session+": tap for a QR code to share")
		_, _ = w.Write([]byte(page))
	}
}

// QR handler: generates a PNG QR code for the current session URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	session := ps.ByName("session")
	if session == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:session/qr; strip trailing "/qr" to get the session URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// redirectNewSession handles GET /relay by generating a new random session ID
// (with server-side collision detection) and redirecting to /relay/:session.
func redirectNewSession(cfg *Config, path string, rm *relayManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		session := rm.newSessionID()
		logf(cfg, "RELAY: Created session %s%s/%s", cfg.prefix, path, session)
		http.Redirect(w, r, cfg.prefix+path+"/"+session, http.StatusTemporaryRedirect)
	}
}

// registerRelay sets up routes so that:
//   - $path                      → redirects to a new random session (8-char ID)
//   - $path/:session             → HTML landing page
//   - $path/:session/ws          → WebSocket for that session
//   - $path/:session/qr          → PNG QR code for that session URL
//   - $path/:session/status      → JSON session status
func registerRelay(cfg *Config, path string, mux *httprouter.Router) {
	rm := newRelayManager(cfg.sessionTimeout)

	mux.GET(cfg.prefix+path, redirectNewSession(cfg, path, rm))

	mux.GET(cfg.prefix+path+"/:session", serveSessionPage(cfg))

	mux.GET(cfg.prefix+path+"/:session/ws", serveRelayWS(cfg, rm))

	mux.GET(cfg.prefix+path+"/:session/qr", qrHandler)

	mux.GET(cfg.prefix+path+"/:session/status", serveSessionStatus(cfg, rm))
}
