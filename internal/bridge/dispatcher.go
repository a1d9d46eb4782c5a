package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Transport is the slice of Channel the dispatcher drives. Narrowed to an
// interface so the retry policy is testable without a live websocket.
type Transport interface {
	Connect(ctx context.Context) error
	Send(f OutboundFrame) error
}

// Dispatcher maps caller intents onto protocol frames and owns the bounded
// reconnect policy: when a send fails because the channel is down, it makes
// exactly one Connect attempt and replays that single intent once. No
// queue, no backoff schedule; a second failure is the caller's to handle.
type Dispatcher struct {
	ch  Transport
	log *slog.Logger

	mu        sync.Mutex
	sessionID string
}

func NewDispatcher(ch Transport, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		ch:        ch,
		log:       log.With("component", "bridge.dispatcher"),
		sessionID: uuid.NewString(),
	}
}

// SessionID returns the identifier tagged onto outbound user turns. Stable
// for the life of the dispatcher until NewSession rotates it.
func (d *Dispatcher) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// NewSession rotates the locally held session identifier and returns the
// new one. It never touches the channel, so it is safe whether or not a
// connection is currently up.
func (d *Dispatcher) NewSession() string {
	id := uuid.NewString()
	d.mu.Lock()
	d.sessionID = id
	d.mu.Unlock()
	d.log.Info("session rotated", "session_id", id)
	return id
}

// SendUserMessage transmits one user turn tagged with the current session
// id. If the channel is down it reconnects once and replays this one
// intent; if the reconnect fails, the original send failure is surfaced
// and nothing further is attempted.
func (d *Dispatcher) SendUserMessage(ctx context.Context, text string) error {
	if d == nil || d.ch == nil {
		return errors.New("dispatcher not initialized")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("empty message")
	}

	frame, err := userMessageFrame(d.SessionID(), text)
	if err != nil {
		return err
	}

	sendErr := d.ch.Send(frame)
	if sendErr == nil {
		return nil
	}
	if !errors.Is(sendErr, ErrNotConnected) {
		return sendErr
	}

	d.log.Info("channel down, attempting one reconnect")
	if cerr := d.ch.Connect(ctx); cerr != nil {
		d.log.Warn("reconnect failed", "error", cerr)
		return sendErr
	}
	return d.ch.Send(frame)
}

// Interrupt is fire-and-forget: sent when connected, dropped with a log
// line when not. A running turn cannot have survived a dead channel, so a
// reconnect for its sake buys nothing.
func (d *Dispatcher) Interrupt() {
	if d == nil || d.ch == nil {
		return
	}
	if err := d.ch.Send(interruptFrame()); err != nil {
		d.log.Debug("interrupt dropped", "error", err)
	}
}
