package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/termbridge/internal/runner"
)

// CommandRunner runs a fixed command to completion.
type CommandRunner interface {
	Run(ctx context.Context, cmd runner.Command) (*runner.Result, error)
}

// ScriptHandler triggers the discovery and upload helper commands.
type ScriptHandler struct {
	runner    CommandRunner
	discovery runner.Command
	upload    runner.Command
}

// NewScriptHandler creates a new ScriptHandler.
func NewScriptHandler(r CommandRunner, discovery, upload runner.Command) *ScriptHandler {
	return &ScriptHandler{runner: r, discovery: discovery, upload: upload}
}

// Discovery handles GET /run/discovery.
func (h *ScriptHandler) Discovery(c *gin.Context) {
	h.run(c, h.discovery)
}

// Upload handles GET /run/upload.
func (h *ScriptHandler) Upload(c *gin.Context) {
	h.run(c, h.upload)
}

// run answers with the command's stdout, or 500 and the error text.
func (h *ScriptHandler) run(c *gin.Context, cmd runner.Command) {
	res, err := h.runner.Run(c.Request.Context(), cmd)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.String(http.StatusOK, res.Stdout)
}

// RegisterRoutes registers the script trigger routes.
func (h *ScriptHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/run/discovery", h.Discovery)
	r.GET("/run/upload", h.Upload)
}
