package extclient

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/logging"
	"github.com/conneroisu/exthmr/internal/matchpattern"
	"github.com/conneroisu/exthmr/internal/protocol"
)

// Options configures a Client.
type Options struct {
	// URL is the reload channel endpoint, e.g. "ws://localhost:3000/__exthmr"
	URL   string
	Token string

	PingInterval      time.Duration
	ReconnectDelay    time.Duration
	KeepAliveInterval time.Duration

	// Overlay shows build errors; when nil they are logged
	Overlay Overlay
	Logger  logging.Logger
}

// DefaultOptions returns the intervals the synthesized background script uses.
func DefaultOptions() Options {
	return Options{
		PingInterval:      30 * time.Second,
		ReconnectDelay:    5 * time.Second,
		KeepAliveInterval: 5 * time.Second,
	}
}

// Stats counts what the client did.
type Stats struct {
	Connects  uint64
	Received  uint64
	Applied   uint64
	Discarded uint64
}

// Client connects to the reload channel and applies its messages.
type Client struct {
	api    ExtensionAPI
	opts   Options
	logger logging.Logger

	connects  atomic.Uint64
	received  atomic.Uint64
	applied   atomic.Uint64
	discarded atomic.Uint64
}

// New creates a client driving api. Zero intervals fall back to
// DefaultOptions.
func New(api ExtensionAPI, opts Options) *Client {
	defaults := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaults.ReconnectDelay
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = defaults.KeepAliveInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{
		api:    api,
		opts:   opts,
		logger: logger.WithComponent("extclient"),
	}
}

// Stats returns the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Connects:  c.connects.Load(),
		Received:  c.received.Load(),
		Applied:   c.applied.Load(),
		Discarded: c.discarded.Load(),
	}
}

// Run keeps the client connected until ctx is done, reconnecting after
// ReconnectDelay whenever the connection fails or closes.
func (c *Client) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepAlive(ctx)
	}()
	defer wg.Wait()

	for {
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Warn(ctx, err, "Reload channel unavailable, retrying", "delay", c.opts.ReconnectDelay.String())
		} else {
			c.logger.Info(ctx, "Disconnected from dev server, reconnecting", "delay", c.opts.ReconnectDelay.String())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

// Endpoint returns the dial URL with the token query parameter.
func (c *Client) Endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", hmrerrors.WrapConfig(err, hmrerrors.ErrCodeConfigInvalid, "invalid reload channel URL")
	}
	if c.opts.Token != "" {
		q := u.Query()
		q.Set("token", c.opts.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// connect serves one connection until it closes.
func (c *Client) connect(ctx context.Context) error {
	endpoint, err := c.Endpoint()
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		return hmrerrors.NewProtocolError(hmrerrors.ErrCodeInternalError, "dial reload channel", err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(1 << 20)

	c.connects.Add(1)
	c.logger.Info(ctx, "Connected to dev server", "url", logging.RedactToken(endpoint, c.opts.Token))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := c.Handle(connCtx, data); err != nil {
			c.logger.Warn(connCtx, err, "Message processing failed")
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ping, err := protocol.Encode(protocol.Ping())
	if err != nil {
		return
	}
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
				c.logger.Debug(ctx, "Heartbeat failed", "error", err.Error())
				return
			}
		}
	}
}

// keepAlive pokes the runtime so an idle service worker is not suspended.
func (c *Client) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.api.GetPlatformInfo(ctx); err != nil {
				c.logger.Debug(ctx, "Keep-alive probe failed", "error", err.Error())
			}
		}
	}
}

// Handle parses one inbound frame and applies it. Frames that fail to parse
// are logged and discarded.
func (c *Client) Handle(ctx context.Context, data []byte) error {
	c.received.Add(1)

	msg, err := protocol.Decode(data)
	if err != nil {
		c.discarded.Add(1)
		c.logger.Debug(ctx, "Discarding message", "error", err.Error())
		return nil
	}
	return c.Apply(ctx, msg)
}

// Apply performs the platform calls for msg.
func (c *Client) Apply(ctx context.Context, msg protocol.Message) error {
	var err error
	switch msg.Type {
	case protocol.TypeCustom:
		switch msg.Event {
		case protocol.EventContentScriptsRegister:
			err = c.applyRegister(ctx, msg.Data)
		case protocol.EventContentScriptsReload:
			err = c.applyReload(ctx, msg.Data)
		case protocol.EventExtensionReload:
			err = c.api.ReloadExtension(ctx)
		}
	case protocol.TypeError:
		if c.opts.Overlay != nil {
			c.opts.Overlay.Show(ctx, msg.Err)
		} else if msg.Err != nil {
			c.logger.Warn(ctx, nil, "Internal server error", "message", msg.Err.Message, "stack", msg.Err.Stack)
		}
	case protocol.TypeOverlayClear:
		if c.opts.Overlay != nil {
			c.opts.Overlay.Clear(ctx)
		}
	case protocol.TypePing:
	}
	if err == nil {
		c.applied.Add(1)
	}
	return err
}

func scriptFor(group protocol.ContentScriptGroup) Script {
	return Script{ID: protocol.ScriptID(group), ContentScriptGroup: group}
}

// applyRegister brings the runtime's registrations in line with groups:
// when every group is already registered they are updated in place,
// otherwise all of them are unregistered and registered fresh.
func (c *Client) applyRegister(ctx context.Context, groups []protocol.ContentScriptGroup) error {
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, protocol.ScriptID(g))
	}

	registered, err := c.api.GetRegisteredContentScripts(ctx, ids)
	if err != nil {
		c.logger.Debug(ctx, "Registered scripts unavailable", "error", err.Error())
		registered = nil
	}

	if len(registered) == len(groups) {
		for _, id := range ids {
			if err := c.api.UpdateContentScripts(ctx, []Script{{ID: id, AllFrames: true}}); err != nil {
				return err
			}
		}
		return nil
	}

	if err := c.api.UnregisterContentScripts(ctx, ids); err != nil {
		c.logger.Debug(ctx, "Unregister failed", "error", err.Error())
	}
	for _, g := range groups {
		if err := c.api.RegisterContentScripts(ctx, []Script{scriptFor(g)}); err != nil {
			return err
		}
	}
	return nil
}

// applyReload re-registers each group and reloads the tabs its match
// patterns cover. Tab reload failures are logged per tab.
func (c *Client) applyReload(ctx context.Context, groups []protocol.ContentScriptGroup) error {
	registered, err := c.api.GetRegisteredContentScripts(ctx, nil)
	if err != nil {
		registered = nil
	}
	known := make(map[string]struct{}, len(registered))
	for _, s := range registered {
		known[s.ID] = struct{}{}
	}

	var matches []string
	for _, g := range groups {
		id := protocol.ScriptID(g)
		if _, ok := known[id]; ok {
			err = c.api.UpdateContentScripts(ctx, []Script{{ID: id, AllFrames: true}})
		} else {
			err = c.api.RegisterContentScripts(ctx, []Script{scriptFor(g)})
		}
		if err != nil {
			return err
		}
		matches = append(matches, g.Matches...)
	}

	tabs, err := c.api.QueryTabs(ctx)
	if err != nil {
		c.logger.Warn(ctx, err, "Failed to retrieve tabs")
		return nil
	}
	if len(tabs) == 0 {
		return nil
	}

	patterns, perr := matchpattern.ParseAll(matches)
	if perr != nil {
		c.logger.Debug(ctx, "Ignoring invalid match patterns", "error", perr.Error())
	}

	var wg sync.WaitGroup
	for _, tab := range tabs {
		if tab.URL == "" || !patterns.Matches(tab.URL) {
			continue
		}
		wg.Add(1)
		go func(tab Tab) {
			defer wg.Done()
			if err := c.api.ReloadTab(ctx, tab.ID); err != nil {
				c.logger.Warn(ctx, err, "Failed to reload tab", "tab", tab.ID)
			}
		}(tab)
	}
	wg.Wait()
	return nil
}
