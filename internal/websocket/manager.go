// Package websocket serves the reload channel: a hub of connected extension
// runtimes that receives rebuild notifications and fans them out.
package websocket

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/exthmr/internal/logging"
	"github.com/conneroisu/exthmr/internal/protocol"
)

// Hub handles reload channel connections and broadcasting.
//
// Architecture:
//   - Hub pattern: one goroutine owns registration, unregistration and
//     fan-out, so a client's send queue is only closed by that goroutine
//   - Each client has a read pump (inbound pings) and a write pump
//   - Connect notifications are debounced on the trailing edge so a burst
//     of reconnecting runtimes produces one round of messages
type Hub struct {
	opts   HubOptions
	logger logging.Logger

	clients   map[*websocket.Conn]*Client
	clientsMu sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	connectMu    sync.Mutex
	connectTimer *time.Timer
	onConnect    ConnectHandler

	totalConnections atomic.Uint64
	rejected         atomic.Uint64
	broadcasts       atomic.Uint64
	dropped          atomic.Uint64
	received         atomic.Uint64
	malformed        atomic.Uint64

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	isShutdown   atomic.Bool
}

// NewHub creates a hub and starts its management goroutine. Zero durations
// in opts fall back to DefaultHubOptions.
func NewHub(opts HubOptions) *Hub {
	defaults := DefaultHubOptions()
	if len(opts.OriginPatterns) == 0 {
		opts.OriginPatterns = defaults.OriginPatterns
	}
	if opts.ConnectDebounce <= 0 {
		opts.ConnectDebounce = defaults.ConnectDebounce
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:       opts,
		logger:     logger.WithComponent("websocket"),
		clients:    make(map[*websocket.Conn]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client, 32),
		unregister: make(chan *Client, 32),
		ctx:        ctx,
		cancel:     cancel,
	}

	go h.runHub()

	return h
}

// OnConnect sets the handler whose messages are broadcast after clients
// connect.
func (h *Hub) OnConnect(fn ConnectHandler) {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	h.onConnect = fn
}

// HandleWebSocket upgrades a reload channel request.
//
// Responses before the upgrade:
//   - 503 Service Unavailable: hub shut down
//   - 401 Unauthorized: token missing or wrong
//   - 400 Bad Request: the reload subprotocol was not offered
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.isShutdown.Load() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	clientIP := getClientIP(r)
	if !h.validToken(r) {
		h.rejected.Add(1)
		h.logger.Warn(r.Context(), nil, "Reload channel rejected: bad token", "client", clientIP)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !offersSubprotocol(r) {
		h.rejected.Add(1)
		h.logger.Warn(r.Context(), nil, "Reload channel rejected: missing subprotocol", "client", clientIP)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:    []string{protocol.Subprotocol},
		OriginPatterns:  h.opts.OriginPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "client", clientIP)
		return
	}

	client := newClient(conn, clientIP)

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		_ = conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	default:
		h.logger.Warn(r.Context(), nil, "Registration queue full, rejecting client")
		_ = conn.Close(websocket.StatusTryAgainLater, "Server busy")
		return
	}

	go h.handleClient(client)
}

func (h *Hub) validToken(r *http.Request) bool {
	if h.opts.Token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.Token)) == 1
}

func offersSubprotocol(r *http.Request) bool {
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(header, ",") {
			if strings.TrimSpace(p) == protocol.Subprotocol {
				return true
			}
		}
	}
	return false
}

// getClientIP extracts client IP from request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// runHub manages client connections and broadcasting
func (h *Hub) runHub() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastToClients(message)

		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.conn] = client
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.totalConnections.Add(1)
	h.logger.Info(h.ctx, "Extension connected", "client", client.remoteAddr, "clients", count)

	h.scheduleConnectNotification()
}

func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	_, exists := h.clients[client.conn]
	if exists {
		delete(h.clients, client.conn)
		client.closeSend()
	}
	count := len(h.clients)
	h.clientsMu.Unlock()

	if exists {
		_ = client.conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Info(h.ctx, "Extension disconnected", "client", client.remoteAddr, "clients", count)
	}
}

// broadcastToClients queues message on every client. A client whose queue is
// full is dropped.
func (h *Hub) broadcastToClients(message []byte) {
	h.clientsMu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.clientsMu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			h.dropped.Add(1)
			h.unregisterClient(client)
		}
	}
}

// scheduleConnectNotification restarts the trailing-edge debounce timer.
func (h *Hub) scheduleConnectNotification() {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	if h.connectTimer != nil {
		h.connectTimer.Stop()
	}
	h.connectTimer = time.AfterFunc(h.opts.ConnectDebounce, h.fireConnectNotification)
}

func (h *Hub) fireConnectNotification() {
	if h.isShutdown.Load() {
		return
	}
	h.connectMu.Lock()
	handler := h.onConnect
	h.connectMu.Unlock()

	if handler == nil {
		return
	}
	for _, msg := range handler() {
		h.Broadcast(msg)
	}
}

// handleClient manages the lifecycle of a client
func (h *Hub) handleClient(client *Client) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.ctx.Done():
		}
	}()

	go h.writeToClient(client)

	h.readFromClient(client)
}

// readFromClient consumes inbound frames. Only pings are expected; anything
// else is logged and discarded.
func (h *Hub) readFromClient(client *Client) {
	for {
		ctx, cancel := context.WithTimeout(h.ctx, h.opts.ReadTimeout)
		_, data, err := client.conn.Read(ctx)
		cancel()

		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				h.logger.Debug(h.ctx, "Client closed the reload channel", "client", client.remoteAddr)
			} else if h.ctx.Err() == nil {
				h.logger.Debug(h.ctx, "Reload channel read ended", "client", client.remoteAddr, "error", err.Error())
			}
			return
		}

		client.touch()
		h.received.Add(1)

		msg, err := protocol.Decode(data)
		if err != nil {
			h.malformed.Add(1)
			h.logger.Debug(h.ctx, "Discarding inbound message", "client", client.remoteAddr, "error", err.Error())
			continue
		}
		if msg.Type != protocol.TypePing {
			h.logger.Debug(h.ctx, "Ignoring inbound message", "type", string(msg.Type))
		}
	}
}

// writeToClient drains the client's send queue and keeps the connection
// alive with control pings.
func (h *Hub) writeToClient(client *Client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				return
			}

			ctx, cancel := context.WithTimeout(h.ctx, h.opts.WriteTimeout)
			err := client.conn.Write(ctx, websocket.MessageText, message)
			cancel()

			if err != nil {
				h.logger.Debug(h.ctx, "Reload channel write failed", "client", client.remoteAddr, "error", err.Error())
				_ = client.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(h.ctx, h.opts.WriteTimeout)
			err := client.conn.Ping(ctx)
			cancel()

			if err != nil {
				h.logger.Debug(h.ctx, "Reload channel ping failed", "client", client.remoteAddr, "error", err.Error())
				_ = client.conn.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}

		case <-h.ctx.Done():
			return
		}
	}
}

// Broadcast sends msg to every connected client.
func (h *Hub) Broadcast(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error(h.ctx, err, "Failed to encode broadcast message")
		return
	}

	select {
	case h.broadcast <- data:
		h.broadcasts.Add(1)
	case <-h.ctx.Done():
		h.logger.Debug(h.ctx, "Hub shut down, dropping broadcast", "type", string(msg.Type))
	default:
		h.dropped.Add(1)
		h.logger.Warn(h.ctx, nil, "Broadcast queue full, dropping message", "type", string(msg.Type))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	return len(h.clients)
}

// Clients returns a snapshot of the connected clients.
func (h *Hub) Clients() []ClientInfo {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	infos := make([]ClientInfo, 0, len(h.clients))
	for _, client := range h.clients {
		infos = append(infos, client.Info())
	}
	return infos
}

// Stats returns the hub counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Connected:        h.ClientCount(),
		TotalConnections: h.totalConnections.Load(),
		Rejected:         h.rejected.Load(),
		Broadcasts:       h.broadcasts.Load(),
		Dropped:          h.dropped.Load(),
		Received:         h.received.Load(),
		Malformed:        h.malformed.Load(),
	}
}

// Shutdown tells every connected runtime to reload, which makes it drop the
// channel and reconnect to the next session, then closes all connections.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.isShutdown.Store(true)

		h.connectMu.Lock()
		if h.connectTimer != nil {
			h.connectTimer.Stop()
		}
		h.connectMu.Unlock()

		h.clientsMu.Lock()
		clients := make([]*Client, 0, len(h.clients))
		for _, client := range h.clients {
			clients = append(clients, client)
		}
		h.clients = make(map[*websocket.Conn]*Client)
		h.clientsMu.Unlock()

		if data, err := protocol.Encode(protocol.ExtensionReload()); err == nil {
			for _, client := range clients {
				writeCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
				if err := client.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
					h.logger.Debug(ctx, "Could not send shutdown reload", "client", client.remoteAddr, "error", err.Error())
				}
				cancel()
			}
		}

		h.cancel()

		for _, client := range clients {
			_ = client.conn.Close(websocket.StatusGoingAway, "Server shutdown")
		}

		h.logger.Info(ctx, "Reload hub shut down", "clients", len(clients))
	})

	return nil
}

// IsShutdown reports whether Shutdown was called.
func (h *Hub) IsShutdown() bool {
	return h.isShutdown.Load()
}
