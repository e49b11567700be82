package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/orkestra/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestRecordError(t *testing.T) {
	t.Parallel()

	t.Run("unwraps to the sentinel", func(t *testing.T) {
		err := persistence.NewRecordError("GetByID", "flow", int64(12), persistence.ErrFlowNotFound)

		assert.True(t, errors.Is(err, persistence.ErrFlowNotFound))
		assert.True(t, persistence.IsFlowNotFound(err))
		assert.False(t, persistence.IsFlowExecutionNotFound(err))
	})

	t.Run("carries context", func(t *testing.T) {
		err := persistence.NewRecordError("Save", "flow_execution", "abc", errors.New("disk full"))

		assert.Equal(t, "Save operation failed for flow_execution abc: disk full", err.Error())
	})
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	assert.True(t, persistence.IsNotFound(fmt.Errorf("wrapped: %w", persistence.ErrFlowGroupNotFound)))
	assert.True(t, persistence.IsNotFound(persistence.NewRecordError("GetByID", "application", 1, persistence.ErrApplicationNotFound)))
	assert.False(t, persistence.IsNotFound(errors.New("connection refused")))
	assert.False(t, persistence.IsNotFound(nil))
}
