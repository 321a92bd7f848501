package results

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorePutOpen(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := Key("abc123", "/tmp/run/opgee_output.xlsx")
	assert.Equal(t, "abc123/opgee_output.xlsx", key)

	require.NoError(t, store.Put(ctx, key, strings.NewReader("workbook"), XLSXContentType))

	rc, contentType, err := store.Open(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "workbook", string(body))
	assert.Equal(t, XLSXContentType, contentType)
}

func TestLocalStoreMissing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = store.Open(context.Background(), "nope/out.xlsx")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(filepath.Join(root, "results"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("x"), 0o644))

	_, _, err = store.Open(context.Background(), "../secret.txt")
	assert.Error(t, err)
	_, _, err = store.Open(context.Background(), "")
	assert.Error(t, err)
}

func TestLocalStorePrune(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "old/out.xlsx", strings.NewReader("a"), XLSXContentType))
	require.NoError(t, store.Put(ctx, "new/out.xlsx", strings.NewReader("b"), XLSXContentType))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "old", "out.xlsx"), past, past))

	removed, err := store.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(filepath.Join(root, "old"))
	assert.True(t, os.IsNotExist(err), "empty directory should be removed")
	_, err = os.Stat(filepath.Join(root, "new", "out.xlsx"))
	assert.NoError(t, err)
}
