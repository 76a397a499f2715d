// Package events defines backend state-change events and the subprocess hook
// that delivers them to operator-configured commands.
package events

import (
	"encoding/json"
	"strconv"
	"time"
)

// Type identifies a backend state transition.
type Type string

const (
	// BackendFailed fires when a backend enters cooldown after its second
	// consecutive connection failure.
	BackendFailed Type = "backend_failed"
	// AllBackendsUnavailable fires once when selection transitions from
	// "some eligible" to "none eligible".
	AllBackendsUnavailable Type = "all_backends_unavailable"
	// BackendRecovered fires when a backend in cooldown connects successfully.
	BackendRecovered Type = "backend_recovered"
)

// BackendInfo identifies the backend an event concerns.
type BackendInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	IP   string `json:"ip,omitempty"`
}

// Event is a one-shot value record emitted by a backend pool.
type Event struct {
	Type           Type         `json:"event"`
	ServiceName    string       `json:"service"`
	Backend        *BackendInfo `json:"backend,omitempty"`
	FailureCount   int          `json:"failure_count"`
	AvailableCount int          `json:"available_count"`
	TotalCount     int          `json:"total_count"`
	Timestamp      time.Time    `json:"timestamp"`
}

// New builds an event stamped with the current UTC time.
func New(t Type, service string, backend *BackendInfo, failures, available, total int) Event {
	return Event{
		Type:           t,
		ServiceName:    service,
		Backend:        backend,
		FailureCount:   failures,
		AvailableCount: available,
		TotalCount:     total,
		Timestamp:      time.Now().UTC(),
	}
}

// Env returns the environment variables a hook command receives.
func (e Event) Env() []string {
	ts := e.Timestamp.Format(time.RFC3339Nano)
	env := []string{
		"RELAY_EVENT_TYPE=" + string(e.Type),
		"RELAY_SERVICE_NAME=" + e.ServiceName,
		"RELAY_FAILURE_COUNT=" + strconv.Itoa(e.FailureCount),
		"RELAY_AVAILABLE_COUNT=" + strconv.Itoa(e.AvailableCount),
		"RELAY_TOTAL_COUNT=" + strconv.Itoa(e.TotalCount),
		"RELAY_TIMESTAMP=" + ts,
	}
	if e.Backend != nil {
		env = append(env,
			"RELAY_BACKEND_HOST="+e.Backend.Host,
			"RELAY_BACKEND_PORT="+strconv.Itoa(e.Backend.Port),
		)
		if e.Backend.IP != "" {
			env = append(env, "RELAY_BACKEND_IP="+e.Backend.IP)
		}
	}
	env = append(env, "RELAY_EVENT_JSON="+string(e.JSON()))
	return env
}

// JSON returns the event serialized as a single JSON object. The timestamp is
// rendered in ISO-8601 UTC.
func (e Event) JSON() []byte {
	b, err := json.Marshal(struct {
		Event          Type         `json:"event"`
		Service        string       `json:"service"`
		Backend        *BackendInfo `json:"backend,omitempty"`
		FailureCount   int          `json:"failure_count"`
		AvailableCount int          `json:"available_count"`
		TotalCount     int          `json:"total_count"`
		Timestamp      string       `json:"timestamp"`
	}{
		Event:          e.Type,
		Service:        e.ServiceName,
		Backend:        e.Backend,
		FailureCount:   e.FailureCount,
		AvailableCount: e.AvailableCount,
		TotalCount:     e.TotalCount,
		Timestamp:      e.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		return []byte("{}")
	}
	return b
}
