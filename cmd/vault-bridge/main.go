package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/vaultbridge/vault-bridge/internal/api"
	"github.com/vaultbridge/vault-bridge/internal/bridge"
	"github.com/vaultbridge/vault-bridge/internal/config"
	"github.com/vaultbridge/vault-bridge/internal/docs"
	"github.com/vaultbridge/vault-bridge/internal/lockfile"
	"github.com/vaultbridge/vault-bridge/internal/prompt"
	"github.com/vaultbridge/vault-bridge/internal/sessionstore"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("vault-bridge %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `vault-bridge

Usage:
  vault-bridge init [flags]
  vault-bridge run [flags]
  vault-bridge version

Commands:
  init      Write a config file for a gateway endpoint and project.
  run       Run the bridge: session API, file channel, and (on a TTY) an interactive chat.
  version   Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	gateway := fs.String("gateway", "", "Runtime gateway websocket URL (ws:// or wss://)")
	authToken := fs.String("auth-token", "", "Bearer token for the gateway handshake")
	projectID := fs.String("project", "", "Project ID that scopes sessions")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")

	vaultRoot := fs.String("vault-root", "", "Document vault directory (default: current directory)")
	apiAddr := fs.String("api-addr", "127.0.0.1:8787", "HTTP listen address for the session API")
	promptPath := fs.String("system-prompt", "", "Optional system prompt override file")

	logFormat := fs.String("log-format", "text", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	if *gateway == "" || *projectID == "" {
		fs.Usage()
		os.Exit(2)
	}

	root := *vaultRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot resolve working directory: %v\n", err)
			os.Exit(1)
		}
		root = wd
	}

	cfg := &config.Config{
		GatewayWSURL:     *gateway,
		AuthToken:        *authToken,
		ProjectID:        *projectID,
		VaultRoot:        root,
		APIListenAddr:    *apiAddr,
		SystemPromptPath: *promptPath,
		LogFormat:        *logFormat,
		LogLevel:         *logLevel,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogFormat, cfg.LogLevel)

	lock, err := lockfile.Acquire(cfg.StorePath + ".lock")
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			fmt.Fprintln(os.Stderr, "another vault-bridge is already running against this store")
		} else {
			fmt.Fprintf(os.Stderr, "failed to acquire store lock: %v\n", err)
		}
		os.Exit(1)
	}
	defer lock.Release()

	store, err := sessionstore.Open(cfg.StorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open session store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var sysPrompt *prompt.Prompt
	if cfg.SystemPromptPath != "" {
		sysPrompt, err = prompt.Load(cfg.SystemPromptPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load system prompt: %v\n", err)
			os.Exit(1)
		}
		log.Info("system prompt loaded", "path", cfg.SystemPromptPath, "name", sysPrompt.Name)
	}

	vault := docs.NewService(cfg.VaultRoot, log)
	files := docs.NewFileHandler(vault, log)

	ch := bridge.NewChannel(cfg.GatewayWSURL, cfg.AuthToken, log)
	defer ch.Stop()
	disp := bridge.NewDispatcher(ch, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	httpSrv := newHTTPServer(cfg.APIListenAddr, store, files, log)
	go func() {
		log.Info("session api listening", "addr", cfg.APIListenAddr)
		if serveErr := httpSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Error("http server stopped", "error", serveErr)
			cancel()
		}
	}()
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	if err := ch.Connect(ctx); err != nil {
		// The dispatcher reconnects on demand, so a cold gateway is not fatal.
		log.Warn("initial gateway connect failed", "error", err)
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		runChat(ctx, chatDeps{
			cfg:    cfg,
			store:  store,
			ch:     ch,
			disp:   disp,
			prompt: sysPrompt,
			log:    log,
		})
		return
	}

	// Headless: keep serving the API and file channel until signalled.
	go drainEvents(ctx, ch, log)
	<-ctx.Done()
}

// newHTTPServer mounts the session listing API and the websocket file
// channel on one listener.
func newHTTPServer(addr string, store *sessionstore.Store, files *docs.FileHandler, log *slog.Logger) *http.Server {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/files", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("file channel upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		_ = files.ServeConn(r.Context(), conn)
	})
	mux.Handle("/", api.NewServer(store, log).Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// drainEvents logs inbound runtime traffic when no chat UI is attached.
func drainEvents(ctx context.Context, ch *bridge.Channel, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case bridge.EventRuntimeError:
				log.Warn("runtime error", "error", ev.Err)
			case bridge.EventParseError:
				log.Warn("unparseable frame", "error", ev.Err)
			default:
				log.Debug("gateway event", "kind", string(ev.Kind))
			}
		}
	}
}

func newLogger(format string, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}
