package reloadproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	backendNotReadyMsg = "Backend dev server not ready yet. Retrying..."
	proxyErrorMsg      = "Proxy error"
)

// forwardedHeaders are removed from the outbound request by
// httputil.ReverseProxy before Rewrite runs. They are restored so the
// backend sees exactly what the browser sent.
var forwardedHeaders = []string{
	"Forwarded",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
}

// forwarder relays requests to the backend and rewrites HTML responses on
// the way back.
type forwarder struct {
	backend *url.URL
	proxy   *httputil.ReverseProxy
	log     *zap.Logger
	metrics *Metrics
}

func newForwarder(backend *url.URL, log *zap.Logger, metrics *Metrics) *forwarder {
	f := &forwarder{
		backend: backend,
		log:     log,
		metrics: metrics,
	}
	f.proxy = &httputil.ReverseProxy{
		Rewrite: f.rewriteRequest,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			// never ask for (and transparently undo) compression on our own;
			// HTML bodies have to arrive readable.
			DisableCompression:    true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		ModifyResponse: f.modifyResponse,
		ErrorHandler:   f.errorHandler,
		ErrorLog:       zap.NewStdLog(log.Named("reverseproxy")),
	}
	return f
}

func (f *forwarder) rewriteRequest(pr *httputil.ProxyRequest) {
	// path, raw query and Host header are left exactly as received
	pr.Out.URL.Scheme = f.backend.Scheme
	pr.Out.URL.Host = f.backend.Host

	for _, key := range forwardedHeaders {
		if v, ok := pr.In.Header[key]; ok {
			pr.Out.Header[key] = v
		}
	}
	pr.Out.Header.Del("Accept-Encoding")
}

// isHTML reports whether a Content-Type value indicates an HTML document.
func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

// bodyAllowed reports whether res may carry a body at all.
func bodyAllowed(res *http.Response) bool {
	if res.Request != nil && res.Request.Method == http.MethodHead {
		return false
	}
	switch {
	case res.StatusCode >= 100 && res.StatusCode < 200,
		res.StatusCode == http.StatusNoContent,
		res.StatusCode == http.StatusNotModified:
		return false
	}
	return true
}

func (f *forwarder) modifyResponse(res *http.Response) error {
	encoding := res.Header.Get("Content-Encoding")
	if !isHTML(res.Header.Get("Content-Type")) || !bodyAllowed(res) || !canDecode(encoding) {
		f.metrics.RecordProxyResponse("passthrough")
		return nil
	}

	body, err := readBody(res.Body, encoding)
	if err != nil {
		return fmt.Errorf("read html response: %w", err)
	}

	rewritten := Rewrite(body, true)
	res.Body = io.NopCloser(bytes.NewReader(rewritten))
	res.ContentLength = int64(len(rewritten))
	res.TransferEncoding = nil
	res.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
	res.Header.Del("Content-Encoding")

	f.metrics.RecordProxyResponse("html")
	f.log.Debug("injected live reload snippet",
		zap.String("path", res.Request.URL.Path),
		zap.Int("size", len(rewritten)),
	)
	return nil
}

func readBody(rc io.ReadCloser, encoding string) ([]byte, error) {
	defer rc.Close()

	decoded, err := decodeBody(rc, encoding)
	if err != nil {
		return nil, err
	}
	defer decoded.Close()

	return io.ReadAll(decoded)
}

func (f *forwarder) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	}

	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// the browser went away; the backend request has been abandoned
		f.metrics.RecordBackendError("canceled")
		f.log.Debug("client canceled proxied request", fields...)
		w.WriteHeader(http.StatusBadGateway)
	case errors.Is(err, syscall.ECONNREFUSED):
		f.metrics.RecordBackendError("refused")
		f.log.Warn("backend not listening", append(fields, zap.String("backend", f.backend.Host))...)
		writePlain(w, http.StatusBadGateway, backendNotReadyMsg)
	default:
		f.metrics.RecordBackendError("transport")
		f.log.Error("proxy error", fields...)
		writePlain(w, http.StatusBadGateway, proxyErrorMsg)
	}
}

func writePlain(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	io.WriteString(w, msg)
}

// rawWriterKey carries the net/http ResponseWriter underneath gin's.
type rawWriterKey struct{}

// informationalWriter sends 1xx responses (103 Early Hints and the like)
// straight to the connection. gin's writer only records a status code until
// the body is written, so an interim response would never leave it.
type informationalWriter struct {
	gin.ResponseWriter
	raw http.ResponseWriter
}

func (w informationalWriter) WriteHeader(code int) {
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		w.raw.WriteHeader(code)
		return
	}
	w.ResponseWriter.WriteHeader(code)
}

// handleProxy serves every request that is not a control route.
func (s *Server) handleProxy(c *gin.Context) {
	var w http.ResponseWriter = c.Writer
	if raw, ok := c.Request.Context().Value(rawWriterKey{}).(http.ResponseWriter); ok {
		w = informationalWriter{ResponseWriter: c.Writer, raw: raw}
	}
	s.forwarder.proxy.ServeHTTP(w, c.Request)
	// gin answers unmatched routes with its own 404 body unless something was
	// written; an empty backend response must stay empty.
	c.Writer.WriteHeaderNow()
}
