// pkg/status/events.go
package status

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/model"
)

// EventType names a state change of the run
type EventType string

const (
	EventRunStarted        EventType = "run_started"
	EventPhaseStarted      EventType = "phase_started"
	EventPhaseCompleted    EventType = "phase_completed"
	EventPhaseFailed       EventType = "phase_failed"
	EventPhaseRestarted    EventType = "phase_restarted"
	EventProgressUpdated   EventType = "progress_updated"
	EventCheckpointAdded   EventType = "checkpoint_added"
	EventWarningAdded      EventType = "warning_added"
	EventStatisticsUpdated EventType = "statistics_updated"
	EventRunCompleted      EventType = "run_completed"
	EventRunFailed         EventType = "run_failed"
	EventRunRolledBack     EventType = "run_rolled_back"
	EventEmergencyStopped  EventType = "emergency_stopped"

	// EventPersistenceFailed reports a run document write that did not succeed.
	// The in-memory run is unaffected.
	EventPersistenceFailed EventType = "persistence_failed"
)

// Event describes one mutation of the run
type Event struct {
	Type    EventType   `json:"type"`
	RunID   string      `json:"runId"`
	Phase   model.Phase `json:"phase,omitempty"`
	Status  string      `json:"status,omitempty"`
	Message string      `json:"message,omitempty"`
	Time    time.Time   `json:"time"`
}

// Observer receives run events. Notify is called with the tracker lock
// released and must not block for long.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(Event)

// Notify calls f(e)
func (f ObserverFunc) Notify(e Event) {
	f(e)
}

// LogObserver writes every event to a logger
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver creates an observer logging at info level, and at warn
// level for failures
func NewLogObserver(logger *zap.Logger) *LogObserver {
	return &LogObserver{logger: logger.Named("events")}
}

// Notify logs the event
func (o *LogObserver) Notify(e Event) {
	fields := []zap.Field{
		zap.String("event", string(e.Type)),
		zap.String("runId", e.RunID),
	}
	if e.Phase != "" {
		fields = append(fields, zap.String("phase", string(e.Phase)))
	}
	if e.Status != "" {
		fields = append(fields, zap.String("status", e.Status))
	}
	if e.Message != "" {
		fields = append(fields, zap.String("message", e.Message))
	}

	switch e.Type {
	case EventPhaseFailed, EventRunFailed, EventPersistenceFailed, EventEmergencyStopped:
		o.logger.Warn("Migration event", fields...)
	default:
		o.logger.Info("Migration event", fields...)
	}
}

// Recorder collects events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify appends the event
func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order
func (r *Recorder) Types() []EventType {
	events := r.Events()
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
