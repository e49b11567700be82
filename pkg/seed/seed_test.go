package seed

import (
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/dukex/orkestra/pkg/credentials"
	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/persistence"
	"github.com/dukex/orkestra/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
applications:
  - id: 1
    name: checkout
    gitlab_project_id: "42"
    token: glpat-secret
test_data:
  - id: 10
    application_id: 1
    category: smoke
    variables:
      USER: alice
steps:
  - id: 100
    application_id: 1
    branch: main
    test_tag: login
    test_stage: test
    test_data_ids: [10]
  - id: 101
    application_id: 1
    branch: main
    test_stage: test
    invoke_scheduler:
      type: delayed
      timer:
        minutes: "+30"
flows:
  - id: 1000
    name: checkout happy path
    flow_step_ids: [100, 101]
flow_groups:
  - id: 5
    name: nightly
    flow_ids: [1000]
`

func newSeeder(t *testing.T) (*Seeder, *file.Persistence, *credentials.Cipher) {
	t.Helper()

	cipher, err := credentials.NewCipher("test-key")
	require.NoError(t, err)

	store := file.NewPersistence(t.TempDir())
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	return NewSeeder(store, cipher, logger), store, cipher
}

func TestLoad(t *testing.T) {
	catalog, err := Load(strings.NewReader(catalogYAML))
	require.NoError(t, err)

	assert.Len(t, catalog.Applications, 1)
	assert.Len(t, catalog.Steps, 2)
	assert.Equal(t, "+30", catalog.Steps[1].InvokeScheduler.Timer.Minutes)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "empty", yaml: ""},
		{name: "no records", yaml: "applications: []\n"},
		{name: "unknown key", yaml: "applications:\n  - id: 1\n    name: a\n    gitlab_project_id: \"1\"\n    token: t\n    owner: me\n"},
		{name: "missing token", yaml: "applications:\n  - id: 1\n    name: a\n    gitlab_project_id: \"1\"\n"},
		{name: "flow without steps", yaml: "flows:\n  - id: 1\n    name: empty\n"},
		{name: "bad scheduler", yaml: "steps:\n  - id: 1\n    application_id: 1\n    branch: main\n    invoke_scheduler:\n      type: scheduled\n      timer:\n        hours: \"25\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestSeeder_Apply(t *testing.T) {
	seeder, store, cipher := newSeeder(t)

	catalog, err := Load(strings.NewReader(catalogYAML))
	require.NoError(t, err)

	result, err := seeder.Apply(t.Context(), catalog)
	require.NoError(t, err)
	assert.Equal(t, Result{Applications: 1, TestData: 1, FlowSteps: 2, Flows: 1, FlowGroups: 1}, result)

	application, err := store.Applications().GetByID(t.Context(), 1)
	require.NoError(t, err)
	assert.NotEqual(t, "glpat-secret", application.PersonalAccessToken)

	token, err := cipher.Decrypt(application.PersonalAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "glpat-secret", token)

	step, err := store.FlowSteps().GetByID(t.Context(), 101)
	require.NoError(t, err)
	assert.Equal(t, models.Delayed{Minutes: "+30"}, step.InvokeScheduler)

	flow, err := store.Flows().GetByID(t.Context(), 1000)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 101}, flow.FlowStepIDs)
}

func TestSeeder_ApplyKeepsGroupIteration(t *testing.T) {
	seeder, store, _ := newSeeder(t)

	catalog, err := Load(strings.NewReader(catalogYAML))
	require.NoError(t, err)

	_, err = seeder.Apply(t.Context(), catalog)
	require.NoError(t, err)

	_, err = store.FlowGroups().Advance(t.Context(), 5)
	require.NoError(t, err)

	_, err = seeder.Apply(t.Context(), catalog)
	require.NoError(t, err)

	group, err := store.FlowGroups().GetByID(t.Context(), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, group.CurrentIteration)
}

func TestSeeder_ApplyRejectsDanglingReferences(t *testing.T) {
	seeder, _, _ := newSeeder(t)

	catalog, err := Load(strings.NewReader("flows:\n  - id: 1\n    name: orphan\n    flow_step_ids: [99]\n"))
	require.NoError(t, err)

	_, err = seeder.Apply(t.Context(), catalog)
	require.Error(t, err)
	assert.True(t, persistence.IsNotFound(err))
}
