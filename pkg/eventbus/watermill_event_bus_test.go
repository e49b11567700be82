package eventbus

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/orkestra/pkg/channels/gochannel"
	"github.com/dukex/orkestra/pkg/events"
	"github.com/dukex/orkestra/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *WatermillEventBus {
	t.Helper()

	pub, sub := gochannel.CreateTestChannel(watermill.NopLogger{})
	bus := NewWatermillEventBus(pub, sub, slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))

	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_DeliversToEveryHandler(t *testing.T) {
	bus := newTestBus(t)

	first := make(chan any, 1)
	second := make(chan any, 1)

	require.NoError(t, bus.Handle(events.StepFinishedEvent, func(_ context.Context, event Event) error {
		first <- event

		return nil
	}))
	require.NoError(t, bus.Handle(events.StepFinishedEvent, func(_ context.Context, event Event) error {
		second <- event

		return nil
	}))
	require.NoError(t, bus.Subscribe(t.Context()))

	published := events.StepFinished{
		BaseEvent:  events.NewBaseEvent(events.StepFinishedEvent, "exec-1", 7),
		FlowStepID: 3,
		Status:     models.StatusPassed,
	}
	require.NoError(t, bus.Publish(t.Context(), "exec-1", published))

	for _, received := range []chan any{first, second} {
		select {
		case event := <-received:
			finished, ok := event.(*events.StepFinished)
			require.True(t, ok)
			assert.Equal(t, "exec-1", finished.FlowExecutionID)
			assert.Equal(t, int64(3), finished.FlowStepID)
			assert.Equal(t, models.StatusPassed, finished.Status)
		case <-time.After(5 * time.Second):
			t.Fatal("event was not delivered")
		}
	}
}

func TestWatermillEventBus_IgnoresUnhandledTypes(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan any, 1)
	require.NoError(t, bus.Handle(events.FlowExecutionFinishedEvent, func(_ context.Context, event Event) error {
		received <- event

		return nil
	}))
	require.NoError(t, bus.Subscribe(t.Context()))

	require.NoError(t, bus.Publish(t.Context(), "exec-2", events.StepStarted{
		BaseEvent: events.NewBaseEvent(events.StepStartedEvent, "exec-2", 1),
	}))
	require.NoError(t, bus.Publish(t.Context(), "exec-2", events.FlowExecutionFinished{
		BaseEvent: events.NewBaseEvent(events.FlowExecutionFinishedEvent, "exec-2", 1),
		Status:    models.StatusFailed,
	}))

	select {
	case event := <-received:
		finished, ok := event.(*events.FlowExecutionFinished)
		require.True(t, ok)
		assert.Equal(t, models.StatusFailed, finished.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode("workflow.triggered", []byte(`{}`))
	assert.Error(t, err)
}
