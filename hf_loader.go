package bertgo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v2"
)

// HuggingFaceURL is the file resolver every pretrained file is fetched from.
var HuggingFaceURL = "https://huggingface.co"

// PretrainedFiles are what the native backend needs from a BERT repository.
var PretrainedFiles = []string{"vocab.txt", "config.json", "model.safetensors"}

// Downloader fetches files over HTTP, drawing a progress bar on Progress.
type Downloader struct {
	Client   *http.Client
	Progress io.Writer
	Log      zerolog.Logger
}

// DownloadFile writes url to outputPath. The file is first written next to
// the target and renamed, so an interrupted download leaves nothing behind.
func (d *Downloader) DownloadFile(ctx context.Context, url, outputPath string) error {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	tmpPath := outputPath + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", tmpPath, err)
	}
	defer os.Remove(tmpPath)

	var w io.Writer = out
	var bar *progressbar.ProgressBar
	if d.Progress != nil && resp.ContentLength > 0 {
		bar = progressbar.NewOptions(int(resp.ContentLength),
			progressbar.OptionSetWriter(d.Progress),
			progressbar.OptionSetDescription(filepath.Base(outputPath)),
		)
		w = io.MultiWriter(out, progressWriter{bar})
	}
	n, err := io.Copy(w, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write to file %s: %w", outputPath, err)
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(d.Progress)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", outputPath, err)
	}
	d.Log.Info().Str("url", url).Str("path", outputPath).Int64("bytes", n).Msg("download complete")
	return nil
}

type progressWriter struct {
	bar *progressbar.ProgressBar
}

func (p progressWriter) Write(b []byte) (int, error) {
	_ = p.bar.Add(len(b))
	return len(b), nil
}

// FetchPretrained downloads the files of a HuggingFace repository such as
// klue/bert-base into dir. Files already present are kept.
func (d *Downloader) FetchPretrained(ctx context.Context, repo, dir string, files ...string) error {
	if repo == "" {
		return errors.New("repository name is required")
	}
	if len(files) == 0 {
		files = PretrainedFiles
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	base := strings.TrimSuffix(HuggingFaceURL, "/")
	for _, name := range files {
		target := filepath.Join(dir, name)
		if fi, err := os.Stat(target); err == nil && fi.Size() > 0 {
			d.Log.Debug().Str("path", target).Msg("already downloaded")
			continue
		}
		url := fmt.Sprintf("%s/%s/resolve/main/%s", base, repo, name)
		d.Log.Info().Str("url", url).Msg("downloading")
		if err := d.DownloadFile(ctx, url, target); err != nil {
			return fmt.Errorf("failed to download %s: %w", name, err)
		}
	}
	return nil
}
