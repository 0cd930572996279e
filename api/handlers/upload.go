package handlers

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UploadHandler stores a single uploaded file at a fixed path. Every upload
// replaces the previous one.
type UploadHandler struct {
	dir      string
	fileName string
	maxBytes int64
	logger   *zap.Logger
}

// NewUploadHandler creates a new UploadHandler. A non-positive maxBytes
// disables the size limit.
func NewUploadHandler(dir, fileName string, maxBytes int64, logger *zap.Logger) *UploadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadHandler{dir: dir, fileName: fileName, maxBytes: maxBytes, logger: logger}
}

// Path returns where uploads are stored.
func (h *UploadHandler) Path() string {
	return filepath.Join(h.dir, h.fileName)
}

// Upload handles POST /upload - stores the multipart field "file".
func (h *UploadHandler) Upload(c *gin.Context) {
	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	}

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.String(http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		c.String(http.StatusBadRequest, "No file uploaded")
		return
	}

	if err := os.MkdirAll(h.dir, 0755); err != nil {
		h.logger.Error("failed to create upload directory", zap.String("dir", h.dir), zap.Error(err))
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	if err := c.SaveUploadedFile(file, h.Path()); err != nil {
		h.logger.Error("failed to save upload", zap.String("path", h.Path()), zap.Error(err))
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("file uploaded",
		zap.String("name", file.Filename),
		zap.Int64("size", file.Size),
		zap.String("path", h.Path()),
	)
	c.String(http.StatusOK, "File uploaded successfully")
}

// RegisterRoutes registers the upload route.
func (h *UploadHandler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/upload", h.Upload)
}
