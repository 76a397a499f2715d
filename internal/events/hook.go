package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Hook executes a configured command when subscribed events fire.
//
// Execution is fire-and-forget from the caller's point of view: Trigger
// returns immediately and the command runs in a background goroutine with a
// per-invocation timeout. Failures are logged, never propagated.
type Hook struct {
	serviceName string
	command     string
	args        []string
	subscribed  map[Type]bool
	timeout     time.Duration
	logger      *slog.Logger

	wg sync.WaitGroup
}

// NewHook builds a hook for one service.
func NewHook(serviceName, command string, args []string, eventNames []string, timeout time.Duration, logger *slog.Logger) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	subscribed := make(map[Type]bool, len(eventNames))
	for _, name := range eventNames {
		subscribed[Type(name)] = true
	}
	logger.Info("event hook initialized",
		"service", serviceName, "command", command, "events", eventNames, "timeout", timeout)
	return &Hook{
		serviceName: serviceName,
		command:     command,
		args:        args,
		subscribed:  subscribed,
		timeout:     timeout,
		logger:      logger,
	}
}

// IsSubscribed reports whether the hook listens for the given event type.
func (h *Hook) IsSubscribed(t Type) bool {
	return h.subscribed[t]
}

// Trigger schedules hook execution for an event. Events the hook is not
// subscribed to are dropped.
func (h *Hook) Trigger(ev Event) {
	if !h.IsSubscribed(ev.Type) {
		return
	}
	h.logger.Info("triggering event hook", "service", h.serviceName, "event", ev.Type)
	h.wg.Go(func() {
		h.execute(ev)
	})
}

func (h *Hook) execute(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.command, h.args...)
	cmd.Env = append(os.Environ(), ev.Env()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	switch {
	case err == nil:
		h.logger.Info("event hook completed", "service", h.serviceName, "event", ev.Type)
		if stdout.Len() > 0 {
			h.logger.Debug("hook stdout", "service", h.serviceName, "output", stdout.String())
		}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		h.logger.Error("event hook timeout",
			"service", h.serviceName, "event", ev.Type, "timeout", h.timeout)
	default:
		h.logger.Warn("event hook failed",
			"service", h.serviceName, "event", ev.Type, "err", err, "stderr", stderr.String())
	}
}

// Shutdown waits for in-flight hook executions to finish.
func (h *Hook) Shutdown() {
	h.wg.Wait()
}
