package poller

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// FileDownloader saves GET /download?task_id=<id> into a directory. It is the
// single download mechanism used when a task finishes.
type FileDownloader struct {
	client *Client
	dir    string
}

// NewFileDownloader writes results for client's server into dir.
func NewFileDownloader(client *Client, dir string) *FileDownloader {
	return &FileDownloader{client: client, dir: dir}
}

// Download fetches the result and writes it as <dir>/<task id>_<filename>.
func (d *FileDownloader) Download(ctx context.Context, taskID string) error {
	req, err := d.client.newRequest(ctx, http.MethodGet, "/download?task_id="+url.QueryEscape(taskID), nil)
	if err != nil {
		return err
	}
	req.Header.Del("Accept")

	resp, err := d.client.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: download %s: %s", ErrTransport, taskID, resp.Status)
	}

	name := "opgee_output.xlsx"
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = filepath.Base(params["filename"])
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(d.dir, filepath.Base(taskID+"_"+name))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	d.client.log.Info().Str("task_id", taskID).Str("path", path).Msg("Result saved")
	return nil
}
