// Package results stores the output workbooks produced by the worker so the
// server can hand them to the download endpoint.
package results

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/guido-cesarano/opgeeweb/pkg/config"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("result not found")

// XLSXContentType is the media type of the workbooks written by the simulation runner.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Store defines the storage operations the worker and server need.
// This allows switching between S3 and local storage implementations.
type Store interface {
	// Put writes the object and returns once it is durable.
	Put(ctx context.Context, key string, r io.Reader, contentType string) error

	// Open returns the object body and its content type.
	Open(ctx context.Context, key string) (io.ReadCloser, string, error)

	// Prune deletes objects last modified before cutoff and reports how many went.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// Key builds the storage key for a task's output file.
func Key(taskID, filename string) string {
	return path.Join(taskID, path.Base(filename))
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	k := path.Clean("/" + key)[1:]
	if k == "" || k == "." || strings.HasPrefix(k, "..") {
		return "", errors.New("invalid result key")
	}
	return k, nil
}

// New builds the store selected by cfg.Results.Backend.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Results.Backend {
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	case "local", "":
		return NewLocalStore(cfg.Results.Dir)
	default:
		return nil, fmt.Errorf("unknown result backend %q", cfg.Results.Backend)
	}
}
