package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/orkestra/pkg/persistence/file"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v3"
)

func baseArgs(dir string) []string {
	return []string{"orkestra", "--database-url", "file://" + dir, "--encryption-key", "test-key", "--gitlab-mock-mode"}
}

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	var app *App

	command := &cli.Command{
		Name:  "orkestra",
		Flags: globalFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			var err error

			app, err = NewApp(ctx, command, "test")

			return err
		},
	}

	require.NoError(t, command.Run(t.Context(), baseArgs(t.TempDir())))
	t.Cleanup(func() { app.Close(context.Background()) })

	return NewAPI(app)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Orkestra API", readBody(t, resp))
}

func TestAPI_HealthCheck(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", readBody(t, resp))
}

func TestAPI_Metrics(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := readBody(t, resp)
	assert.Contains(t, body, `pool_workers{pool="flows"} 10`)
	assert.Contains(t, body, `pool_workers{pool="polls"} 20`)
}

func TestAPI_ExecutorStatus(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/executor/status", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]int
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &status))
	assert.Equal(t, 10, status["max_threads"])
	assert.Equal(t, 60, status["available_capacity"])
}

func TestAPI_ExecuteUnknownFlow(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/flows/404/execute", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSeedCommand(t *testing.T) {
	dir := t.TempDir()
	catalog := filepath.Join(t.TempDir(), "catalog.yaml")

	require.NoError(t, os.WriteFile(catalog, []byte(`
applications:
  - id: 1
    name: checkout
    gitlab_project_id: "42"
    token: glpat-secret
steps:
  - id: 100
    application_id: 1
    branch: main
    test_stage: test
flows:
  - id: 1000
    name: checkout happy path
    flow_step_ids: [100]
`), 0600))

	command := &cli.Command{
		Name:     "orkestra",
		Flags:    globalFlags(),
		Commands: []*cli.Command{NewSeedCommand()},
	}

	require.NoError(t, command.Run(t.Context(), append(baseArgs(dir), "seed", "--file", catalog)))

	store := file.NewPersistence(dir)

	flow, err := store.Flows().GetByID(t.Context(), 1000)
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, flow.FlowStepIDs)

	application, err := store.Applications().GetByID(t.Context(), 1)
	require.NoError(t, err)
	assert.NotEqual(t, "glpat-secret", application.PersonalAccessToken)
}
