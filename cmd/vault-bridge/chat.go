package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/vaultbridge/vault-bridge/internal/bridge"
	"github.com/vaultbridge/vault-bridge/internal/config"
	"github.com/vaultbridge/vault-bridge/internal/prompt"
	"github.com/vaultbridge/vault-bridge/internal/sessionstore"
)

type chatDeps struct {
	cfg    *config.Config
	store  *sessionstore.Store
	ch     *bridge.Channel
	disp   *bridge.Dispatcher
	prompt *prompt.Prompt
	log    *slog.Logger
}

// runChat drives an interactive session on the terminal. Lines are sent
// as user turns; slash commands control the session lifecycle.
func runChat(ctx context.Context, d chatDeps) {
	if err := ensureSession(ctx, d); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create session: %v\n", err)
		return
	}

	fmt.Printf("vault-bridge chat (session %s)\n", shortID(d.disp.SessionID()))
	fmt.Println("Commands: /new  /interrupt  /quit")

	go printEvents(ctx, d)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	firstTurn := true
	for {
		fmt.Print("> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/interrupt":
			d.disp.Interrupt()
			continue
		case line == "/new":
			id := d.disp.NewSession()
			if err := ensureSession(ctx, d); err != nil {
				fmt.Fprintf(os.Stderr, "failed to create session: %v\n", err)
				return
			}
			firstTurn = true
			fmt.Printf("new session %s\n", shortID(id))
			continue
		case strings.HasPrefix(line, "/"):
			fmt.Printf("unknown command %q\n", line)
			continue
		}

		text := line
		if firstTurn && d.prompt != nil && d.prompt.Body != "" {
			text = d.prompt.Body + "\n\n" + line
		}

		raw, _ := json.Marshal(map[string]string{"type": "user_message", "text": line})
		if _, err := d.store.AppendMessage(ctx, d.cfg.ProjectID, d.disp.SessionID(), sessionstore.Message{
			MessageID:       sessionstore.NewSessionID(),
			Role:            "user",
			Status:          "complete",
			CreatedAtUnixMs: time.Now().UnixMilli(),
			TextContent:     line,
			MessageJSON:     string(raw),
		}); err != nil {
			d.log.Warn("failed to record user message", "error", err)
		}

		if err := d.disp.SendUserMessage(ctx, text); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			continue
		}
		firstTurn = false
	}
}

func ensureSession(ctx context.Context, d chatDeps) error {
	return d.store.CreateSession(ctx, sessionstore.Session{
		SessionID:       d.disp.SessionID(),
		ProjectID:       d.cfg.ProjectID,
		CreatedAtUnixMs: time.Now().UnixMilli(),
	})
}

func printEvents(ctx context.Context, d chatDeps) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.ch.Events():
			if !ok {
				return
			}
			handleEvent(ctx, d, ev)
		}
	}
}

func handleEvent(ctx context.Context, d chatDeps, ev bridge.Event) {
	switch ev.Kind {
	case bridge.EventConnected:
		fmt.Println("[connected]")
	case bridge.EventDisconnected:
		fmt.Println("[disconnected]")
	case bridge.EventInfo:
		fmt.Printf("[info] %s\n", ev.Info)
	case bridge.EventRuntimeError:
		fmt.Fprintf(os.Stderr, "[runtime error] %v\n", ev.Err)
	case bridge.EventParseError:
		d.log.Warn("unparseable frame", "error", ev.Err)
	case bridge.EventUnknownFrame:
		d.log.Debug("unknown frame", "type", ev.Info)
	case bridge.EventSDKMessage:
		text := sdkMessageText(ev.Data)
		if text != "" {
			fmt.Println(text)
		}
		if len(ev.Data) == 0 {
			return
		}
		if _, err := d.store.AppendMessage(ctx, d.cfg.ProjectID, d.disp.SessionID(), sessionstore.Message{
			MessageID:       sessionstore.NewSessionID(),
			Role:            "assistant",
			Status:          "complete",
			CreatedAtUnixMs: time.Now().UnixMilli(),
			TextContent:     text,
			MessageJSON:     string(ev.Data),
		}); err != nil {
			d.log.Warn("failed to record runtime message", "error", err)
		}
	}
}

// sdkMessageText pulls displayable text out of a runtime message. The
// payload shape is owned by the runtime; anything unrecognized renders
// as nothing rather than raw JSON noise.
func sdkMessageText(data json.RawMessage) string {
	var m struct {
		Text    string `json:"text"`
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	if m.Text != "" {
		return m.Text
	}
	var parts []string
	for _, c := range m.Message.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
