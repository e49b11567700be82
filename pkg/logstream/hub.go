// Package logstream fans lifecycle log lines of one flow execution out to the clients watching it.
package logstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/orkestra/pkg/eventbus"
	"github.com/dukex/orkestra/pkg/events"
)

// DefaultBuffer is how many undelivered lines a slow session may hold before lines are dropped.
const DefaultBuffer = 64

// Line is one log entry of an execution.
type Line struct {
	Time            time.Time `json:"time"`
	FlowExecutionID string    `json:"flow_execution_id"`
	Event           string    `json:"event"`
	Message         string    `json:"message"`
	// Final is set on the line that ends the execution.
	Final bool `json:"final"`
}

// Session is one client's subscription.
type Session struct {
	id              uint64
	flowExecutionID string
	lines           chan Line
}

// Lines delivers the execution's log lines. It is closed when the session is removed.
func (s *Session) Lines() <-chan Line {
	return s.lines
}

// Hub is the registry of open sessions keyed by flow execution id.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu       sync.RWMutex
	nextID   uint64
	sessions map[string]map[uint64]*Session
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger.With("module", "logstream"),
		buffer:   DefaultBuffer,
		sessions: make(map[string]map[uint64]*Session),
	}
}

// Open registers a session for flowExecutionID. Close must be called when the client disconnects.
func (h *Hub) Open(flowExecutionID string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	session := &Session{id: h.nextID, flowExecutionID: flowExecutionID, lines: make(chan Line, h.buffer)}

	if h.sessions[flowExecutionID] == nil {
		h.sessions[flowExecutionID] = make(map[uint64]*Session)
	}

	h.sessions[flowExecutionID][session.id] = session

	return session
}

// Close removes the session and closes its channel. Closing twice is a no-op.
func (h *Hub) Close(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions := h.sessions[session.flowExecutionID]
	if _, ok := sessions[session.id]; !ok {
		return
	}

	delete(sessions, session.id)
	close(session.lines)

	if len(sessions) == 0 {
		delete(h.sessions, session.flowExecutionID)
	}
}

// Sessions returns the number of open sessions for flowExecutionID.
func (h *Hub) Sessions(flowExecutionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.sessions[flowExecutionID])
}

// Publish delivers line to every session of its execution without blocking.
func (h *Hub) Publish(line Line) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, session := range h.sessions[line.FlowExecutionID] {
		select {
		case session.lines <- line:
		default:
			h.logger.Warn("Dropping log line for slow session", "flow_execution_id", line.FlowExecutionID)
		}
	}
}

// Register subscribes the hub to every lifecycle event on bus.
func (h *Hub) Register(bus eventbus.EventSubscriber) error {
	eventTypes := []events.EventType{
		events.FlowExecutionStartedEvent,
		events.FlowExecutionPausedEvent,
		events.FlowExecutionResumedEvent,
		events.FlowExecutionFinishedEvent,
		events.StepStartedEvent,
		events.StepFinishedEvent,
	}

	for _, eventType := range eventTypes {
		if err := bus.Handle(eventType, h.handle); err != nil {
			return fmt.Errorf("failed to register log stream for %s: %w", eventType, err)
		}
	}

	return nil
}

func (h *Hub) handle(_ context.Context, event eventbus.Event) error {
	line, ok := Format(event)
	if !ok {
		return nil
	}

	h.Publish(line)

	return nil
}

// Format renders a lifecycle event as a log line.
func Format(event any) (Line, bool) {
	var (
		base    events.BaseEvent
		message string
		final   bool
	)

	switch e := event.(type) {
	case *events.FlowExecutionStarted:
		base = e.BaseEvent
		message = fmt.Sprintf("Flow %d started with %d steps", e.FlowID, e.Steps)

		if e.IsReplay {
			message = fmt.Sprintf("Replay of flow %d started with %d steps", e.FlowID, e.Steps)
		}
	case *events.FlowExecutionPaused:
		base = e.BaseEvent
		message = fmt.Sprintf("Step %d scheduled to resume at %s", e.FlowStepID, e.ResumeTime.Format(time.RFC3339))
	case *events.FlowExecutionResumed:
		base = e.BaseEvent
		message = fmt.Sprintf("Step %d resumed", e.FlowStepID)
	case *events.FlowExecutionFinished:
		base = e.BaseEvent
		message = fmt.Sprintf("Flow %d finished with status %s after %s", e.FlowID, e.Status, e.Duration.Round(time.Second))
		final = true

		if e.Error != "" {
			message += ": " + e.Error
		}
	case *events.StepStarted:
		base = e.BaseEvent
		message = fmt.Sprintf("Step %d triggered pipeline %d %s", e.FlowStepID, e.PipelineID, e.PipelineURL)
	case *events.StepFinished:
		base = e.BaseEvent
		message = fmt.Sprintf("Step %d finished with status %s", e.FlowStepID, e.Status)

		if e.Error != "" {
			message += ": " + e.Error
		}
	default:
		return Line{}, false
	}

	return Line{
		Time:            base.Timestamp,
		FlowExecutionID: base.FlowExecutionID,
		Event:           string(base.Type),
		Message:         message,
		Final:           final,
	}, true
}
