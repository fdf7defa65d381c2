package api

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// handleWebSocket upgrades the connection and hands it to the broadcast
// manager. Authentication is optional: anonymous connections are
// accepted and restricted to the configured read-only topics. A token
// that is present but wrong is rejected outright.
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.connManager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "websocket not available"})
		return
	}

	authenticated, ok := s.authenticate(c.Request)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// TODO: replace with an OriginPatterns allowlist from config once
		// the dashboard origin is pinned down.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	// Blocks until the client disconnects.
	s.connManager.HandleConnection(c.Request.Context(), conn, authenticated)
}

// authenticate classifies the connection. Returns (authenticated,
// acceptable): a missing token is acceptable but anonymous; a wrong
// token is not acceptable at all.
func (s *Server) authenticate(r *http.Request) (bool, bool) {
	if s.cfg.BearerTokenEnv == "" {
		// Token auth disabled: everyone is a full subscriber.
		return true, true
	}
	expected := os.Getenv(s.cfg.BearerTokenEnv)
	if expected == "" {
		return true, true
	}

	presented := bearerToken(r)
	if presented == "" {
		return false, true
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1 {
		return true, true
	}
	return false, false
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter for browser WebSocket clients that
// cannot set headers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
