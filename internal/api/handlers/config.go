package handlers

import (
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/hydrarelay/internal/api/models"
	"github.com/jroosing/hydrarelay/internal/config"
)

// maxConfigBytes bounds an uploaded configuration file.
const maxConfigBytes = 1 << 20

// GetConfig returns the raw configuration file.
func (h *Handler) GetConfig(c *gin.Context) {
	data, err := os.ReadFile(h.configPath)
	if err != nil {
		h.logger.Error("failed to read config file", "path", h.configPath, "err", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to read config file"})
		return
	}
	c.JSON(http.StatusOK, models.ConfigResponse{Path: h.configPath, Content: string(data)})
}

// PutConfig validates the submitted YAML, writes it to the config file, and
// applies it. An invalid document is rejected without touching the file, so a
// bad save can never degrade the running process.
func (h *Handler) PutConfig(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxConfigBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "failed to read request body"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "empty configuration"})
		return
	}

	// Validate against a scratch copy before the real file is replaced.
	tmpFile, err := os.CreateTemp("", "hydrarelay-config-*.yaml")
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to stage config"})
		return
	}
	tmp := tmpFile.Name()
	defer os.Remove(tmp)
	if _, err := tmpFile.Write(body); err != nil {
		_ = tmpFile.Close()
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to stage config"})
		return
	}
	_ = tmpFile.Close()

	if _, err := config.Load(tmp); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	if err := os.WriteFile(h.configPath, body, 0o644); err != nil {
		h.logger.Error("failed to write config file", "path", h.configPath, "err", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to write config file"})
		return
	}

	if err := h.manager.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError,
			models.ErrorResponse{Error: "config saved but reload failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.StatusResponse{Status: "success", Message: "configuration updated and reloaded"})
}

// ReloadConfig applies the on-disk configuration immediately.
func (h *Handler) ReloadConfig(c *gin.Context) {
	if err := h.manager.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.StatusResponse{Status: "success", Message: "configuration reloaded"})
}
