package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/exthmr/internal/logging"
	"github.com/conneroisu/exthmr/internal/protocol"
)

// Client is one connected extension runtime.
type Client struct {
	conn        *websocket.Conn
	send        chan []byte
	remoteAddr  string
	connectedAt time.Time
	// lastActivity is the unix nano time of the last inbound frame
	lastActivity atomic.Int64
	closeOnce    sync.Once
}

func newClient(conn *websocket.Conn, remoteAddr string) *Client {
	c := &Client{
		conn:        conn,
		send:        make(chan []byte, 256),
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
	}
	c.touch()
	return c
}

func (c *Client) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// closeSend closes the send queue once; the write pump exits after draining.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Info returns a snapshot for status reporting.
func (c *Client) Info() ClientInfo {
	return ClientInfo{
		RemoteAddr:   c.remoteAddr,
		ConnectedAt:  c.connectedAt,
		LastActivity: time.Unix(0, c.lastActivity.Load()),
	}
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// ConnectHandler returns the messages broadcast after clients connect. It
// runs once per debounced burst of connections.
type ConnectHandler func() []protocol.Message

// HubOptions configures a Hub.
type HubOptions struct {
	// Token, when set, must be presented as the "token" query parameter
	Token string
	// OriginPatterns are passed to the upgrader; extension pages connect
	// from chrome-extension:// and moz-extension:// origins
	OriginPatterns []string
	// ConnectDebounce delays connect notifications until connections settle
	ConnectDebounce time.Duration
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Logger          logging.Logger
}

// DefaultHubOptions returns the options used by the dev server.
func DefaultHubOptions() HubOptions {
	return HubOptions{
		OriginPatterns:  []string{"*"},
		ConnectDebounce: 200 * time.Millisecond,
		PingInterval:    54 * time.Second,
		ReadTimeout:     90 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

// HubStats counts hub activity.
type HubStats struct {
	Connected        int    `json:"connected"`
	TotalConnections uint64 `json:"total_connections"`
	Rejected         uint64 `json:"rejected"`
	Broadcasts       uint64 `json:"broadcasts"`
	Dropped          uint64 `json:"dropped"`
	Received         uint64 `json:"received"`
	Malformed        uint64 `json:"malformed"`
}
