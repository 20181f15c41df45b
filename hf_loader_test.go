package bertgo

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHubServer(t *testing.T, files map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDownloader_DownloadFile(t *testing.T) {
	srv, _ := newHubServer(t, map[string]string{"/vocab.txt": "[PAD]\n[UNK]\n"})
	dir := t.TempDir()
	var progress bytes.Buffer
	d := &Downloader{Progress: &progress, Log: zerolog.Nop()}

	target := filepath.Join(dir, "vocab.txt")
	require.NoError(t, d.DownloadFile(context.Background(), srv.URL+"/vocab.txt", target))
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "[PAD]\n[UNK]\n", string(got))
	assert.NoFileExists(t, target+".part")
	assert.Contains(t, progress.String(), "vocab.txt")

	err = d.DownloadFile(context.Background(), srv.URL+"/missing", filepath.Join(dir, "missing"))
	assert.ErrorContains(t, err, "404")
	assert.NoFileExists(t, filepath.Join(dir, "missing"))
	assert.NoFileExists(t, filepath.Join(dir, "missing.part"))
}

func TestDownloader_FetchPretrained(t *testing.T) {
	srv, hits := newHubServer(t, map[string]string{
		"/klue/bert-base/resolve/main/vocab.txt":   "[PAD]\n",
		"/klue/bert-base/resolve/main/config.json": "{}",
	})
	old := HuggingFaceURL
	HuggingFaceURL = srv.URL + "/"
	t.Cleanup(func() { HuggingFaceURL = old })

	dir := filepath.Join(t.TempDir(), "klue", "bert-base")
	d := &Downloader{Client: srv.Client(), Log: zerolog.Nop()}
	require.NoError(t, d.FetchPretrained(context.Background(), "klue/bert-base", dir, "vocab.txt", "config.json"))
	assert.FileExists(t, filepath.Join(dir, "vocab.txt"))
	assert.FileExists(t, filepath.Join(dir, "config.json"))
	assert.Equal(t, int32(2), hits.Load())

	// existing files are not fetched again
	require.NoError(t, d.FetchPretrained(context.Background(), "klue/bert-base", dir, "vocab.txt", "config.json"))
	assert.Equal(t, int32(2), hits.Load())

	err := d.FetchPretrained(context.Background(), "klue/bert-base", dir)
	assert.ErrorContains(t, err, "model.safetensors")

	assert.Error(t, d.FetchPretrained(context.Background(), "", dir))
}

func TestDownloader_Cancelled(t *testing.T) {
	srv, _ := newHubServer(t, map[string]string{"/a": "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &Downloader{Log: zerolog.Nop()}
	err := d.DownloadFile(ctx, srv.URL+"/a", filepath.Join(t.TempDir(), "a"))
	assert.ErrorIs(t, err, context.Canceled)
}
