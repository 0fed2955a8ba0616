package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/internal/controlplane"
	"github.com/taskhub/taskhub/internal/registry"
	"github.com/taskhub/taskhub/internal/store/sqlite"
)

const demoYAML = `
task_id: demo
name: demo
params_schema:
  type: object
  properties:
    count: {type: integer}
  required: [count]
command: ["echo", "{{.count}}"]
`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "taskhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	defDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(defDir, "demo.yaml"), []byte(demoYAML), 0o644))
	reg := registry.New(defDir)
	require.NoError(t, reg.Discover())
	require.NoError(t, reg.SyncToStore(context.Background(), s))

	cp := controlplane.New(s, reg, t.TempDir())
	return httptest.NewServer(NewMux(cp))
}

func TestSubmitAndGetRun(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/tasks/demo/runs", "application/json",
		jsonBody(t, map[string]any{"params": map[string]any{"count": 2}}))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	runID := created["RunID"].(string)

	getResp, err := http.Get(srv.URL + "/runs/" + runID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestSubmitRun_InvalidParamsReturns400(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/tasks/demo/runs", "application/json", jsonBody(t, map[string]any{}))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCronCRUD(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/cron", "application/json", jsonBody(t, map[string]any{
		"task_id": "demo", "name": "every-min", "cron_expression": "* * * * *", "params": map[string]any{"count": 1},
	}))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	listResp, err := http.Get(srv.URL + "/cron")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var jobs []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}
