// Package admin provides the JSON status and Prometheus monitoring endpoints
// for a reloadproxy.Server.
//
// The handler is meant for a listener of its own: every path on the proxy
// listener belongs to the backend.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mroth/reloadproxy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handles serving the JSON status data, effectively the admin API endpoint
func statusHandler(s *reloadproxy.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.IndentedJSON(http.StatusOK, s.Status())
	}
}

// Handler returns the admin router for s.
func Handler(s *reloadproxy.Server) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/status.json", statusHandler(s))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		s.Metrics().Registry(),
		promhttp.HandlerOpts{Registry: s.Metrics().Registry()},
	)))
	return router
}
