package reloadproxy

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultConnMsgBufferSize is the number of undelivered events a
	// subscriber may have queued before the hub considers it stalled.
	DefaultConnMsgBufferSize = 256

	// DefaultKeepaliveInterval is how often an idle subscriber stream gets a
	// comment line to keep intermediaries from timing it out.
	DefaultKeepaliveInterval = 15 * time.Second
)

type connection struct {
	id        uuid.UUID           // Identity used in logs and status reports
	r         *http.Request       // The HTTP request
	w         http.ResponseWriter // The HTTP response
	created   time.Time           // Timestamp for when connection was opened
	send      chan []byte         // Buffered channel of outbound messages
	keepalive time.Duration       // Keepalive comment interval, 0 disables
	msgsSent  atomic.Uint64       // Msgs the connection has sent (all time)
	closed    bool                // Set by the hub when send is closed
}

func newConnection(w http.ResponseWriter, r *http.Request, bufSize uint, keepalive time.Duration) *connection {
	return &connection{
		id:        uuid.New(),
		r:         r,
		w:         w,
		created:   time.Now(),
		send:      make(chan []byte, bufSize),
		keepalive: keepalive,
	}
}

type connectionStatus struct {
	ID        string `json:"id"`
	Path      string `json:"request_path"`
	Created   int64  `json:"created_at"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent"`
	MsgsSent  uint64 `json:"msgs_sent"`
}

func (c *connection) Status() connectionStatus {
	s := connectionStatus{
		ID:       c.id.String(),
		Created:  c.created.Unix(),
		MsgsSent: c.msgsSent.Load(),
	}
	if c.r != nil {
		s.Path = c.r.URL.Path
		s.ClientIP = clientIP(c.r)
		s.UserAgent = c.r.UserAgent()
	}
	return s
}

// clientIP trusts proxy IP headers if they exist, pattern taken from
// http://git.io/xDD3Mw
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		first, _, _ := strings.Cut(ip, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

// writer is the event loop that attempts to send all messages on the active
// http connection. It will detect if the http connection is closed and
// autoexit. It will also exit if the connection's send channel is closed
// (indicating the hub dropped us or is shutting down).
func (c *connection) writer() {
	// any SSE line beginning with a colon is ignored by the client, so use
	// that for the keepalive tickle.
	// https://html.spec.whatwg.org/multipage/server-sent-events.html#event-stream-interpretation
	var tick <-chan time.Time
	if c.keepalive > 0 {
		keepaliveTicker := time.NewTicker(c.keepalive)
		defer keepaliveTicker.Stop()
		tick = keepaliveTicker.C
	}
	keepaliveMsg := []byte(":keepalive\n\n")

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if !c.write(msg) {
				return
			}
			c.msgsSent.Add(1)

		case <-tick:
			if !c.write(keepaliveMsg) {
				return
			}

		case <-c.r.Context().Done():
			return
		}
	}
}

func (c *connection) write(b []byte) bool {
	if _, err := c.w.Write(b); err != nil {
		return false
	}
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
	return true
}

// handleEvents serves the notification route: it turns the request into a
// long-lived event stream registered with the hub, and keeps it open until
// the client goes away or the server shuts down.
func (s *Server) handleEvents(c *gin.Context) {
	w, r := c.Writer, c.Request

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	if s.conf.CORSAllowOrigin != "" {
		headers.Set("Access-Control-Allow-Origin", s.conf.CORSAllowOrigin)
	}
	w.WriteHeader(http.StatusOK)
	w.Flush()

	conn := newConnection(w, r, s.conf.ConnBufSize, s.conf.KeepaliveInterval)
	if !s.hub.Register(conn) {
		return
	}

	fields := []zap.Field{
		zap.Stringer("id", conn.id),
		zap.String("client_ip", clientIP(r)),
	}
	s.log.Info("subscriber connected", fields...)
	defer func() {
		s.hub.Unregister(conn)
		s.log.Info("subscriber disconnected", fields...)
	}()

	conn.writer()
}
