package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	intrnl "livechat/internal"
	"livechat/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	chat   *intrnl.Server
	store  *storage.Store
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// LiveUsers reports the number of open sockets.
func (h *ServerHandle) LiveUsers() int {
	return h.chat.LiveUsers()
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the media index, wires handlers and starts serving in the
// background. Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	cfg.SocketPath = NormalizeSocketPath(cfg.SocketPath)
	if cfg.UploadDir == "" {
		cfg.UploadDir = DefaultUploadDir()
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if !strings.HasPrefix(cfg.DBPath, "sqlite://") && !strings.HasPrefix(cfg.DBPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	chat := intrnl.NewServer(store, intrnl.Options{
		UploadDir:        cfg.UploadDir,
		PublicBaseURL:    cfg.PublicBaseURL,
		MaxImageSize:     cfg.MaxImageSize,
		MaxVideoSize:     cfg.MaxVideoSize,
		UploadRateLimit:  cfg.UploadRateLimit,
		UploadRateWindow: cfg.UploadRateWindow,
		TrustProxy:       cfg.TrustProxy,
		CheckOrigin:      originChecker(cfg.AllowedOrigins),
	})

	router := mux.NewRouter()
	registerHandlers(router, cfg.SocketPath, chat)

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           withCORS(router, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		chat:   chat,
		store:  store,
		done:   make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	// hijacked websocket connections are not tracked by http.Server
	h.chat.Close()
	if err := h.store.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}
	h.err = err
}

func registerHandlers(router *mux.Router, socketPath string, server *intrnl.Server) {
	router.HandleFunc(socketPath, server.ServeWS).Methods(http.MethodGet)
	router.HandleFunc("/api/upload-image", server.HandleUploadImage).Methods(http.MethodPost)
	router.HandleFunc("/api/upload-video", server.HandleUploadVideo).Methods(http.MethodPost)
	router.HandleFunc("/media/{id}", server.HandleMedia).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/health", server.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/stats", server.HandleStats).Methods(http.MethodGet)
	router.Handle("/metrics", server.MetricsHandler()).Methods(http.MethodGet)
}

// originChecker allows every origin when none are configured.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return originAllowed(origin, allowed)
	}
}

func originAllowed(origin string, allowed []string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, candidate := range allowed {
		if candidate == "*" || strings.EqualFold(strings.TrimRight(candidate, "/"), parsed.Scheme+"://"+parsed.Host) {
			return true
		}
	}
	return false
}

// withCORS lets the browser client, served from another origin, call the upload endpoints.
func withCORS(next http.Handler, allowed []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (len(allowed) == 0 || originAllowed(origin, allowed)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
