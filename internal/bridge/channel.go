package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned by Send when the channel is not in the
	// Connected state. The dispatcher's single-retry path keys off it.
	ErrNotConnected = errors.New("channel not connected")
	// ErrChannelClosed is returned once Stop has been called; a closed
	// channel is never resurrected.
	ErrChannelClosed = errors.New("channel closed")
)

// State is the connection lifecycle state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel owns the one live websocket to the runtime gateway: connect,
// send, the inbound reader loop, and the lifecycle transitions around
// transport failure.
//
// It does not reconnect on its own; an unsolicited close only moves the
// state to Disconnected and emits an event. Retry policy lives in the
// Dispatcher so it stays bounded and testable apart from the transport.
//
// All state transitions are serialized by one mutex. Caller calls (Connect,
// Send, Stop) are expected to arrive from a single loop; the mutex makes
// the reader goroutine's transitions safe against them, not concurrent
// senders against each other.
type Channel struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	log    *slog.Logger

	events chan Event

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	// gen invalidates reader goroutines from prior connections so a stale
	// reader can never drive transitions for the current one.
	gen uint64
}

func NewChannel(gatewayURL string, authToken string, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	header := http.Header{}
	if tok := strings.TrimSpace(authToken); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	return &Channel{
		url:    strings.TrimSpace(gatewayURL),
		header: header,
		dialer: websocket.DefaultDialer,
		log:    log.With("component", "bridge.channel"),
		events: make(chan Event, 128),
	}
}

// Events is the stream of demultiplexed inbound frames and transport
// transitions. Never closed; consumers select against their own done
// signal. Nothing is delivered after Stop.
func (c *Channel) Events() <-chan Event {
	return c.events
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the gateway and transitions Disconnected -> Connecting ->
// Connected, emitting EventConnected on success. A dial failure returns to
// Disconnected and is propagated, not retried here.
//
// A Stop racing a dial is tolerated: a handshake that completes after Stop
// is discarded and Connect reports ErrChannelClosed.
func (c *Channel) Connect(ctx context.Context) error {
	if c == nil {
		return errors.New("nil channel")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if c.url == "" {
		return errors.New("missing gateway url")
	}

	c.mu.Lock()
	switch c.state {
	case StateClosed, StateClosing:
		c.mu.Unlock()
		return ErrChannelClosed
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return errors.New("connect already in progress")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Stop landed mid-handshake; discard the late success.
		c.mu.Unlock()
		_ = conn.Close()
		return ErrChannelClosed
	}
	c.state = StateConnected
	c.conn = conn
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	c.log.Info("channel connected", "url", c.url)
	c.emit(Event{Kind: EventConnected})
	return nil
}

// Send transmits exactly one frame, in caller order. Valid only while
// Connected; otherwise ErrNotConnected. A write failure tears the
// connection down to Disconnected and surfaces the transport error.
func (c *Channel) Send(f OutboundFrame) error {
	if c == nil {
		return errors.New("nil channel")
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	// The write happens under the lock: one in-order stream, no
	// interleaved frames even if a host embeds this in multiple goroutines.
	werr := conn.WriteMessage(websocket.TextMessage, payload)
	if werr == nil {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnected
	c.conn = nil
	c.gen++ // orphan the reader; it must not emit a second disconnect
	c.mu.Unlock()
	_ = conn.Close()

	c.log.Warn("send failed, channel disconnected", "error", werr)
	c.emit(Event{Kind: EventDisconnected})
	return fmt.Errorf("send %s frame: %w", f.Type, werr)
}

// Stop transitions Closing -> Closed, closes the transport, and is
// idempotent once Closed. No events are emitted afterwards.
func (c *Channel) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	conn := c.conn
	c.conn = nil
	c.gen++
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.log.Info("channel closed")
}

func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.transportClosed(gen, err)
			return
		}
		ev := parseInbound(payload)
		if ev.Kind == EventParseError {
			c.log.Warn("malformed inbound frame", "error", ev.Err)
		}
		if ev.Kind == EventUnknownFrame {
			c.log.Debug("unknown inbound frame type", "type", ev.Info)
		}
		c.emit(ev)
	}
}

// transportClosed handles an unsolicited close while Connected. Closes
// initiated by Stop (or already-superseded connections) are ignored.
func (c *Channel) transportClosed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.log.Warn("transport closed", "error", err)
	c.emit(Event{Kind: EventDisconnected})
}

func (c *Channel) emit(ev Event) {
	c.mu.Lock()
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event dropped, consumer not keeping up", "kind", ev.Kind)
	}
}
