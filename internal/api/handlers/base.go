// Package handlers implements the REST endpoint handlers for the hydrarelay
// management API.
package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/jroosing/hydrarelay/internal/database"
	"github.com/jroosing/hydrarelay/internal/manager"
)

// RelayManager is the slice of the service manager the API consumes.
type RelayManager interface {
	Status() manager.Status
	Reload() error
}

// EventStore is the slice of the event database the API consumes.
type EventStore interface {
	ListEvents(ctx context.Context, service string, limit int) ([]database.StoredEvent, error)
}

// Handler contains dependencies for API handlers.
type Handler struct {
	manager    RelayManager
	store      EventStore // may be nil
	configPath string
	logger     *slog.Logger
	startTime  time.Time
}

// New creates a new Handler.
func New(mgr RelayManager, store EventStore, configPath string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager:    mgr,
		store:      store,
		configPath: configPath,
		logger:     logger,
		startTime:  time.Now(),
	}
}
