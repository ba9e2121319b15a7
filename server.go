package reloadproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// EventsPath is the notification route browsers subscribe to.
	EventsPath = "/__live_reload_events"
	// TriggerPath is the route tooling POSTs to in order to reload browsers.
	TriggerPath = "/__trigger_reload"
)

// Server is the primary interface to a live reload proxy.
//
// It serves the notification and trigger routes itself, and forwards every
// other request to the backend. Server implements the http.Handler
// interface.
type Server struct {
	hub       *hub
	forwarder *forwarder
	engine    *gin.Engine
	metrics   *Metrics
	log       *zap.Logger

	conf serverConfig
}

// serverConfig defines configurable options that can be customized for a Server.
type serverConfig struct {
	CORSAllowOrigin   string // Access-Control-Allow-Origin on the event stream (dont send header if blank)
	ConnBufSize       uint   // message buffer count for new subscribers
	KeepaliveInterval time.Duration
	Environment       string // prefix of the node name in status reports
}

// NewServer creates a new Server forwarding to the backend at backendURL,
// with optional ServerOptions for configuration.
func NewServer(backendURL string, opts ...ServerOption) (*Server, error) {
	backend, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if backend.Scheme != "http" && backend.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme must be http or https", backendURL)
	}
	if backend.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q: missing host", backendURL)
	}

	s := &Server{
		log:     zap.NewNop(),
		metrics: NewMetrics(),
		conf: serverConfig{
			CORSAllowOrigin:   "*",
			ConnBufSize:       DefaultConnMsgBufferSize,
			KeepaliveInterval: DefaultKeepaliveInterval,
			Environment:       "development",
		},
	}

	// set configuration from provided options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.hub = newHub(s.log.Named("hub"), s.metrics)
	s.forwarder = newForwarder(backend, s.log.Named("proxy"), s.metrics)
	s.engine = s.newEngine()

	// start up our actual internal connection hub
	s.hub.Start()

	return s, nil
}

func (s *Server) newEngine() *gin.Engine {
	engine := gin.New()
	// every unmatched path belongs to the backend, gin must not answer
	// with redirects of its own
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false
	engine.HandleMethodNotAllowed = false

	engine.Use(gin.CustomRecoveryWithWriter(nil, s.handlePanic))
	engine.Use(requestMetrics(s.metrics))

	engine.GET(EventsPath, s.handleEvents)
	engine.POST(TriggerPath, s.handleTrigger)
	engine.NoRoute(s.handleProxy)
	return engine
}

// handlePanic logs a panicking handler. http.ErrAbortHandler is how the reverse
// proxy abandons a response whose client disappeared, and is re-raised so
// net/http can drop the connection quietly.
func (s *Server) handlePanic(c *gin.Context, err any) {
	if e, ok := err.(error); ok && errors.Is(e, http.ErrAbortHandler) {
		panic(err)
	}
	s.log.Error("handler panic", zap.Any("panic", err), zap.String("path", c.Request.URL.Path))
	c.AbortWithStatus(http.StatusInternalServerError)
}

// ServerOption defines a set of high-level user options that can be customized
type ServerOption func(s *Server) error

// WithLogger sets the logger used by the server and its components.
func WithLogger(log *zap.Logger) ServerOption {
	return func(s *Server) error {
		if log == nil {
			return errors.New("nil logger")
		}
		s.log = log
		return nil
	}
}

// WithCORSAllowOrigin sets the Access-Control-Allow-Origin header value sent
// on the event stream. If set to the zero value (""), the header will not be
// sent. Defaults to "*".
func WithCORSAllowOrigin(origin string) ServerOption {
	return func(s *Server) error {
		s.conf.CORSAllowOrigin = origin
		return nil
	}
}

// WithConnBufferSize sets how many events may be queued for a single
// subscriber before it is considered stalled and dropped.
func WithConnBufferSize(n uint) ServerOption {
	return func(s *Server) error {
		if n == 0 {
			return errors.New("connection buffer size must be positive")
		}
		s.conf.ConnBufSize = n
		return nil
	}
}

// WithKeepaliveInterval sets the interval between keepalive comments on idle
// event streams. Zero disables keepalives.
func WithKeepaliveInterval(d time.Duration) ServerOption {
	return func(s *Server) error {
		if d < 0 {
			return errors.New("keepalive interval must not be negative")
		}
		s.conf.KeepaliveInterval = d
		return nil
	}
}

// WithEnvironment sets the environment label reported as part of the node
// name in Status.
func WithEnvironment(env string) ServerOption {
	return func(s *Server) error {
		if env == "" {
			return errors.New("empty environment")
		}
		s.conf.Environment = env
		return nil
	}
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithValue(r.Context(), rawWriterKey{}, w)
	s.engine.ServeHTTP(w, r.WithContext(ctx))
}

// Broadcast sends e to every currently connected subscriber.
func (s *Server) Broadcast(e Event) {
	s.hub.Broadcast(e)
}

// TriggerReload tells every connected browser to reload.
func (s *Server) TriggerReload() {
	s.hub.Broadcast(reloadEvent)
}

func (s *Server) handleTrigger(c *gin.Context) {
	s.log.Info("triggering browser reload")
	s.TriggerReload()
	c.String(http.StatusOK, "OK")
}

// Metrics returns the server's metrics collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Shutdown a server gracefully, closing active subscriber connections.
//
// Shutdown returns once every subscriber has been told to close; it does not
// wait for their handlers to return. It is safe to call more than once.
// Proxied requests in flight are unaffected, stop those with
// http.Server.Shutdown.
func (s *Server) Shutdown() {
	s.hub.Shutdown()
}
