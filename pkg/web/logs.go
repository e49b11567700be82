package web

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/orkestra/pkg/events"
	"github.com/dukex/orkestra/pkg/logstream"
	"github.com/gofiber/fiber/v3"
)

const defaultKeepAlive = 15 * time.Second

// StreamLogs streams the lifecycle log lines of one execution as server-sent events until the
// execution finishes or the client goes away.
func (h *APIHandlers) StreamLogs(c fiber.Ctx) error {
	id := c.Params("id")

	details, err := h.orchestrator.GetExecution(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	if details.Status.IsTerminal() {
		line := logstream.Line{
			Time:            time.Now().UTC(),
			FlowExecutionID: id,
			Event:           string(events.FlowExecutionFinishedEvent),
			Message:         fmt.Sprintf("Flow %d already finished with status %s", details.FlowID, details.Status),
			Final:           true,
		}

		return c.SendStreamWriter(func(w *bufio.Writer) {
			_ = writeEvent(w, line)
		})
	}

	session := h.hub.Open(id)
	logger := h.logger.With("flow_execution_id", id)
	keepAlive := h.keepAlive

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer h.hub.Close(session)

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case line, ok := <-session.Lines():
				if !ok {
					return
				}

				if err := writeEvent(w, line); err != nil {
					logger.Debug("Log stream client went away", "error", err)

					return
				}

				if line.Final {
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
					return
				}

				if err := w.Flush(); err != nil {
					logger.Debug("Log stream client went away", "error", err)

					return
				}
			}
		}
	})
}

func writeEvent(w *bufio.Writer, line logstream.Line) error {
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", line.Event, data); err != nil {
		return err
	}

	return w.Flush()
}
