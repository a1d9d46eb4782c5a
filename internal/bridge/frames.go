package bridge

import (
	"encoding/json"
	"errors"
	"strings"
)

// Frame type tags exchanged with the runtime gateway. One JSON frame per
// websocket text message.
const (
	frameUserMessage = "user_message"
	frameInterrupt   = "interrupt"

	frameConnected  = "connected"
	frameSDKMessage = "sdk_message"
	frameError      = "error"
	frameInfo       = "info"
)

// OutboundFrame is a client -> server protocol frame.
type OutboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UserTurn is the payload of a user_message frame. SessionID tags the turn
// with the client-owned session identity so the runtime can restore
// whatever context it keeps for it.
type UserTurn struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

func userMessageFrame(sessionID string, text string) (OutboundFrame, error) {
	data, err := json.Marshal(UserTurn{SessionID: strings.TrimSpace(sessionID), Text: text})
	if err != nil {
		return OutboundFrame{}, err
	}
	return OutboundFrame{Type: frameUserMessage, Data: data}, nil
}

func interruptFrame() OutboundFrame {
	return OutboundFrame{Type: frameInterrupt}
}

// EventKind discriminates the events a Channel delivers to its consumer.
type EventKind string

const (
	// EventConnected fires when the transport opens, and again for the
	// server's own connected frame.
	EventConnected EventKind = "connected"
	// EventDisconnected fires on an unsolicited transport close.
	EventDisconnected EventKind = "disconnected"
	// EventSDKMessage carries one opaque runtime event.
	EventSDKMessage EventKind = "sdk_message"
	// EventInfo carries a human-readable server notice.
	EventInfo EventKind = "info"
	// EventRuntimeError carries an error reported by the remote runtime.
	EventRuntimeError EventKind = "runtime_error"
	// EventParseError reports one malformed inbound frame. The channel
	// stays open; one bad frame must not end the session.
	EventParseError EventKind = "parse_error"
	// EventUnknownFrame reports a frame with an unrecognized type tag.
	// Distinct from a parse failure so protocol growth stays non-fatal.
	EventUnknownFrame EventKind = "unknown_frame"
)

// Event is the typed result of demultiplexing one inbound frame (or one
// transport-level transition).
type Event struct {
	Kind EventKind

	// Data is set for EventSDKMessage.
	Data json.RawMessage
	// Info is set for EventInfo and EventUnknownFrame (the unknown tag).
	Info string
	// Err is set for EventRuntimeError and EventParseError.
	Err error
}

type inboundFrame struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func parseInbound(payload []byte) Event {
	var f inboundFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Event{Kind: EventParseError, Err: err}
	}
	switch strings.TrimSpace(f.Type) {
	case frameConnected:
		return Event{Kind: EventConnected}
	case frameSDKMessage:
		return Event{Kind: EventSDKMessage, Data: f.Data}
	case frameInfo:
		var s string
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &s); err != nil {
				return Event{Kind: EventParseError, Err: err}
			}
		}
		return Event{Kind: EventInfo, Info: s}
	case frameError:
		msg := strings.TrimSpace(f.Error)
		if msg == "" {
			msg = "unspecified runtime error"
		}
		return Event{Kind: EventRuntimeError, Err: errors.New(msg)}
	case "":
		return Event{Kind: EventParseError, Err: errors.New("frame missing type tag")}
	default:
		return Event{Kind: EventUnknownFrame, Info: f.Type}
	}
}
