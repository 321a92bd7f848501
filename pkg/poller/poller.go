// Package poller is the client side of the task protocol: it submits a task,
// polls its status at a fixed interval until the task reaches a terminal
// status, and downloads the result once when the task finished.
//
// Polling is sequential per task: the next request is scheduled only after the
// previous response was handled. A task that never leaves queued or started is
// polled until ctx is cancelled. Transport failures end the chain without retry.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/guido-cesarano/opgeeweb/pkg/logger"
	"github.com/guido-cesarano/opgeeweb/pkg/tasks"
	"github.com/rs/zerolog"
)

// DefaultInterval is the delay between two status requests.
const DefaultInterval = time.Second

// ErrTransport wraps network failures and non-2xx responses. Both end a chain.
var ErrTransport = errors.New("transport failure")

// Row is one entry of the status display list.
type Row struct {
	TaskID string
	Status tasks.Status
}

// Downloader fetches the result of a finished task.
type Downloader interface {
	Download(ctx context.Context, taskID string) error
}

// DownloaderFunc adapts a function to Downloader.
type DownloaderFunc func(ctx context.Context, taskID string) error

func (f DownloaderFunc) Download(ctx context.Context, taskID string) error {
	return f(ctx, taskID)
}

// Client talks to the task API.
type Client struct {
	baseURL    string
	http       *http.Client
	interval   time.Duration
	apiKey     string
	downloader Downloader
	log        zerolog.Logger

	mu   sync.Mutex
	rows []Row
}

// Option customizes a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithInterval sets the delay between status requests.
func WithInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithAPIKey sends the key in the X-API-Key header on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithDownloader replaces the download action. The default does nothing.
func WithDownloader(d Downloader) Option {
	return func(c *Client) { c.downloader = d }
}

// WithDownloadDir saves finished results into dir with a FileDownloader.
func WithDownloadDir(dir string) Option {
	return func(c *Client) { c.downloader = NewFileDownloader(c, dir) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a client for the server at baseURL, e.g. "http://localhost:8081".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		interval: DefaultInterval,
		downloader: DownloaderFunc(func(context.Context, string) error {
			return nil
		}),
		log: logger.Component("poller"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rows returns a copy of the display list, most recent first.
func (c *Client) Rows() []Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Row, len(c.rows))
	copy(out, c.rows)
	return out
}

func (c *Client) prepend(r Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append([]Row{r}, c.rows...)
}

// Submit posts a task of the given type and returns its id. The type is sent
// unmodified. Failures are logged and returned; nothing is retried.
func (c *Client) Submit(ctx context.Context, taskType string) (string, error) {
	body, err := json.Marshal(tasks.SubmitRequest{Type: taskType})
	if err != nil {
		return "", err
	}

	var resp tasks.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/tasks", bytes.NewReader(body), &resp); err != nil {
		c.log.Error().Err(err).Str("type", taskType).Msg("Task submission failed")
		return "", err
	}
	if resp.Data.TaskID == "" {
		err := fmt.Errorf("%w: response carried no task_id", ErrTransport)
		c.log.Error().Err(err).Str("type", taskType).Msg("Task submission failed")
		return "", err
	}
	return resp.Data.TaskID, nil
}

// Status fetches the current status of a task once.
func (c *Client) Status(ctx context.Context, taskID string) (tasks.Status, error) {
	var resp tasks.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &resp); err != nil {
		return "", err
	}
	return resp.Data.TaskStatus, nil
}

// Poll requests the task status immediately and then once per interval,
// prepending a row per response, until the status is terminal. On finished
// the downloader is invoked exactly once. It returns the last status seen.
func (c *Client) Poll(ctx context.Context, taskID string) (tasks.Status, error) {
	log := c.log.With().Str("task_id", taskID).Logger()

	timer := time.NewTimer(0)
	defer timer.Stop()

	var status tasks.Status
	for {
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-timer.C:
		}

		var err error
		status, err = c.Status(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return status, ctx.Err()
			}
			log.Error().Err(err).Msg("Status poll failed")
			return status, err
		}
		c.prepend(Row{TaskID: taskID, Status: status})

		if !status.Terminal() {
			timer.Reset(c.interval)
			continue
		}

		switch status {
		case tasks.StatusFinished:
			log.Info().Msg("Task finished, downloading result")
			if err := c.downloader.Download(ctx, taskID); err != nil {
				log.Error().Err(err).Msg("Result download failed")
				return status, err
			}
			return status, nil
		case tasks.StatusFailed:
			log.Warn().Msg("Task failed")
		}
		return status, nil
	}
}

// Run submits a task and polls it to completion.
func (c *Client) Run(ctx context.Context, taskType string) (string, tasks.Status, error) {
	taskID, err := c.Submit(ctx, taskType)
	if err != nil {
		return "", "", err
	}
	status, err := c.Poll(ctx, taskID)
	return taskID, status, err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: %s %s", ErrTransport, method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: decode %s response: %w", ErrTransport, path, err)
	}
	return nil
}
