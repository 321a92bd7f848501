package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/guido-cesarano/opgeeweb/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeServer(t *testing.T, final tasks.Status) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(tasks.SubmitResponse{Status: "success", Data: tasks.SubmitData{TaskID: "abc123"}})
	})
	mux.HandleFunc("GET /tasks/{taskID}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tasks.StatusResponse{Status: "success", Data: tasks.StatusData{TaskID: "abc123", TaskStatus: final}})
	})
	mux.HandleFunc("GET /download", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="opgee_output.xlsx"`)
		w.Write([]byte("workbook"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitDownloadsResult(t *testing.T) {
	srv := fakeServer(t, tasks.StatusFinished)
	dir := t.TempDir()

	out, err := execute(t, "submit", "--server", srv.URL, "--interval", "1ms", "--out", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Task submitted: abc123")
	assert.Contains(t, out, "Task abc123 finished")

	body, err := os.ReadFile(filepath.Join(dir, "abc123_opgee_output.xlsx"))
	require.NoError(t, err)
	assert.Equal(t, "workbook", string(body))
}

func TestSubmitFailedTask(t *testing.T) {
	srv := fakeServer(t, tasks.StatusFailed)

	_, err := execute(t, "submit", "--server", srv.URL, "--interval", "1ms", "--out", t.TempDir())
	assert.ErrorContains(t, err, "failed")
}

func TestStatus(t *testing.T) {
	srv := fakeServer(t, tasks.StatusStarted)

	out, err := execute(t, "status", "abc123", "--server", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "abc123\tstarted\n", out)
}
