package internal

import (
	"net/http"
	"time"

	"livechat/internal/storage"
)

const (
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 5
)

// Options configures a Server. Zero values fall back to defaults.
type Options struct {
	UploadDir        string
	PublicBaseURL    string
	MaxImageSize     int64
	MaxVideoSize     int64
	MessageBurst     int
	MessageWindow    time.Duration
	UploadRateLimit  int
	UploadRateWindow time.Duration
	TrustProxy       bool
	CheckOrigin      func(r *http.Request) bool
}

// Server bundles the connection registry, the broadcaster and the upload
// endpoint behind a set of http handlers.
type Server struct {
	registry       *Registry
	broadcaster    *Broadcaster
	uploads        *UploadHandler
	media          *DiskStore
	metrics        *Metrics
	messageLimiter *RateLimiter
	checkOrigin    func(r *http.Request) bool
}

// NewServer wires a Server whose media index lives in store.
func NewServer(store *storage.Store, opts Options) *Server {
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = 10 << 20
	}
	if opts.MaxVideoSize <= 0 {
		opts.MaxVideoSize = 100 << 20
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = rateLimitBurst
	}
	if opts.MessageWindow <= 0 {
		opts.MessageWindow = rateLimitWindow
	}
	if opts.UploadRateWindow <= 0 {
		opts.UploadRateWindow = time.Minute
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(r *http.Request) bool { return true }
	}

	metrics := NewMetrics()
	registry := NewRegistry(NewPresenceTracker(), metrics)
	messageLimiter := NewRateLimiter(opts.MessageBurst, opts.MessageWindow)
	registry.limiter = messageLimiter

	media := NewDiskStore(opts.UploadDir, store)
	uploads := NewUploadHandler(media, opts.MaxImageSize, opts.MaxVideoSize, opts.PublicBaseURL)
	uploads.metrics = metrics
	uploads.limiter = NewRateLimiter(opts.UploadRateLimit, opts.UploadRateWindow)
	uploads.trustProxy = opts.TrustProxy

	return &Server{
		registry:       registry,
		broadcaster:    NewBroadcaster(registry, metrics),
		uploads:        uploads,
		media:          media,
		metrics:        metrics,
		messageLimiter: messageLimiter,
		checkOrigin:    opts.CheckOrigin,
	}
}

func (s *Server) HandleUploadImage(w http.ResponseWriter, r *http.Request) {
	s.uploads.HandleImage(w, r)
}

func (s *Server) HandleUploadVideo(w http.ResponseWriter, r *http.Request) {
	s.uploads.HandleVideo(w, r)
}

func (s *Server) HandleMedia(w http.ResponseWriter, r *http.Request) {
	s.media.HandleMedia(w, r)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

// LiveUsers returns the current connection count.
func (s *Server) LiveUsers() int {
	return s.registry.Count()
}

// Close disconnects every socket. The http listener is shut down by the caller.
func (s *Server) Close() {
	s.registry.CloseAll()
}
