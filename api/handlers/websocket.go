package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// TerminalHandler exposes the terminal websocket on a gin route.
type TerminalHandler struct {
	ws http.Handler
}

// NewTerminalHandler creates a new TerminalHandler around a websocket
// handler such as *ws.Handler.
func NewTerminalHandler(ws http.Handler) *TerminalHandler {
	return &TerminalHandler{ws: ws}
}

// Attach handles GET <path> - upgrades the connection and runs a terminal
// session until either side closes it.
func (h *TerminalHandler) Attach(c *gin.Context) {
	h.ws.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the terminal route at path.
func (h *TerminalHandler) RegisterRoutes(r gin.IRoutes, path string) {
	r.GET(path, h.Attach)
}
