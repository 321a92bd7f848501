package poller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guido-cesarano/opgeeweb/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer serves POST /tasks, GET /tasks/{id} and GET /download. Status
// responses are taken from statuses in order; the last one repeats.
type fakeServer struct {
	t        *testing.T
	taskID   string
	statuses []tasks.Status

	mu         sync.Mutex
	submitted  []string
	polls      int
	downloads  atomic.Int32
	failStatus bool
	failSubmit bool
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", func(w http.ResponseWriter, r *http.Request) {
		if f.failSubmit {
			http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
			return
		}
		var req tasks.SubmitRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.submitted = append(f.submitted, req.Type)
		f.mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(tasks.SubmitResponse{Status: "success", Data: tasks.SubmitData{TaskID: f.taskID}})
	})
	mux.HandleFunc("GET /tasks/{taskID}", func(w http.ResponseWriter, r *http.Request) {
		if f.failStatus {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		f.mu.Lock()
		i := f.polls
		if i >= len(f.statuses) {
			i = len(f.statuses) - 1
		}
		f.polls++
		f.mu.Unlock()

		json.NewEncoder(w).Encode(tasks.StatusResponse{
			Status: "success",
			Data:   tasks.StatusData{TaskID: r.PathValue("taskID"), TaskStatus: f.statuses[i]},
		})
	})
	mux.HandleFunc("GET /download", func(w http.ResponseWriter, r *http.Request) {
		f.downloads.Add(1)
		w.Header().Set("Content-Disposition", `attachment; filename="opgee_output.xlsx"`)
		w.Write([]byte("workbook"))
	})
	return mux
}

func newFake(t *testing.T, taskID string, statuses ...tasks.Status) (*fakeServer, *httptest.Server) {
	f := &fakeServer{t: t, taskID: taskID, statuses: statuses}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, srv
}

func TestRunFinishedScenario(t *testing.T) {
	f, srv := newFake(t, "abc123",
		tasks.StatusStarted, tasks.StatusStarted, tasks.StatusStarted, tasks.StatusFinished)

	var downloads []string
	c := New(srv.URL,
		WithInterval(time.Millisecond),
		WithDownloader(DownloaderFunc(func(ctx context.Context, taskID string) error {
			downloads = append(downloads, taskID)
			return nil
		})),
	)

	taskID, status, err := c.Run(context.Background(), "simulation")
	require.NoError(t, err)
	assert.Equal(t, "abc123", taskID)
	assert.Equal(t, tasks.StatusFinished, status)
	assert.Equal(t, []string{"simulation"}, f.submitted)

	assert.Equal(t, []Row{
		{TaskID: "abc123", Status: tasks.StatusFinished},
		{TaskID: "abc123", Status: tasks.StatusStarted},
		{TaskID: "abc123", Status: tasks.StatusStarted},
		{TaskID: "abc123", Status: tasks.StatusStarted},
	}, c.Rows())
	assert.Equal(t, []string{"abc123"}, downloads)
	assert.Equal(t, 4, f.polls)
}

func TestPollFailedStopsWithoutDownload(t *testing.T) {
	f, srv := newFake(t, "abc123", tasks.StatusFailed)

	downloads := 0
	c := New(srv.URL,
		WithInterval(time.Millisecond),
		WithDownloader(DownloaderFunc(func(context.Context, string) error {
			downloads++
			return nil
		})),
	)

	status, err := c.Poll(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, status)
	assert.Equal(t, 0, downloads)
	assert.Equal(t, 1, f.polls)
	assert.Len(t, c.Rows(), 1)
}

func TestSubmitPassesTypeUnmodified(t *testing.T) {
	for _, typ := range []string{"simulation", " Spaced Type ", "ünïcode/τ"} {
		f, srv := newFake(t, "id-1", tasks.StatusQueued)
		c := New(srv.URL)

		id, err := c.Submit(context.Background(), typ)
		require.NoError(t, err)
		assert.Equal(t, "id-1", id)
		assert.Equal(t, []string{typ}, f.submitted)
	}
}

func TestSubmitFailure(t *testing.T) {
	f, srv := newFake(t, "id-1", tasks.StatusQueued)
	f.failSubmit = true

	c := New(srv.URL)
	_, _, err := c.Run(context.Background(), "simulation")
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Equal(t, 0, f.polls, "no polling after failed submission")
}

func TestPollTransportFailureStops(t *testing.T) {
	f, srv := newFake(t, "abc123", tasks.StatusStarted)
	f.failStatus = true

	c := New(srv.URL, WithInterval(time.Millisecond))
	_, err := c.Poll(context.Background(), "abc123")
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Empty(t, c.Rows())
}

func TestPollUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, WithInterval(time.Millisecond))
	_, err := c.Poll(context.Background(), "abc123")
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestPollNonTerminalRunsUntilCancelled(t *testing.T) {
	f, srv := newFake(t, "abc123", tasks.StatusQueued)

	c := New(srv.URL, WithInterval(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	status, err := c.Poll(ctx, "abc123")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, tasks.StatusQueued, status)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Greater(t, f.polls, 2)
}

func TestPollCancelledDuringRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Poll(ctx, "abc123")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.False(t, errors.Is(err, ErrTransport))
	assert.Empty(t, c.Rows())
}

func TestFileDownloaderCalledOnce(t *testing.T) {
	f, srv := newFake(t, "abc123", tasks.StatusStarted, tasks.StatusFinished)

	dir := t.TempDir()
	c := New(srv.URL, WithInterval(time.Millisecond), WithDownloadDir(dir))

	_, status, err := c.Run(context.Background(), "simulation")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFinished, status)
	assert.Equal(t, int32(1), f.downloads.Load())

	body, err := os.ReadFile(filepath.Join(dir, "abc123_opgee_output.xlsx"))
	require.NoError(t, err)
	assert.Equal(t, "workbook", string(body))
}

func TestAPIKeyHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-API-Key")
		json.NewEncoder(w).Encode(tasks.StatusResponse{Data: tasks.StatusData{TaskStatus: tasks.StatusQueued}})
	}))
	defer srv.Close()

	_, err := New(srv.URL, WithAPIKey("secret")).Status(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "secret", got)
}
