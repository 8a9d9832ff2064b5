package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"crucible/assetcache"
	"crucible/logging"
	"crucible/services"
)

// Fetcher downloads the engine's asset bundle when the cache misses. The
// whole fetch is bounded by the configured download timeout and classified
// as download-timeout when it trips.
type Fetcher struct {
	client  *http.Client
	baseURL string
	binary  string
	version string
	timeout time.Duration
	logger  *slog.Logger
}

// NewFetcher constructs a bundle fetcher. The three blobs are resolved
// relative to baseURL using the engine binary name.
func NewFetcher(baseURL, binary, version string, timeout time.Duration, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client:  &http.Client{},
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		binary:  strings.TrimSpace(binary),
		version: strings.TrimSpace(version),
		timeout: timeout,
		logger:  logging.NewComponentLogger(logger, "fetcher"),
	}
}

// Fetch downloads all three bundle blobs.
func (f *Fetcher) Fetch(ctx context.Context) (*assetcache.Bundle, error) {
	if f.baseURL == "" {
		return nil, services.Wrap(nil, "fetcher", "download", "no bundle URL configured", nil)
	}
	fetchCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	started := time.Now()
	bundle := &assetcache.Bundle{Version: f.version, FetchedAt: time.Now().UTC()}
	blobs := []struct {
		name string
		dest *[]byte
	}{
		{f.binary + ".js", &bundle.Binary},
		{f.binary + ".wasm", &bundle.Wasm},
		{f.binary + ".worker.js", &bundle.Worker},
	}
	for _, blob := range blobs {
		data, err := f.download(fetchCtx, f.baseURL+"/"+blob.name)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && fetchCtx.Err() != nil && ctx.Err() == nil {
				return nil, services.Wrap(services.ErrDownloadTimeout, "fetcher", "download", blob.name, err)
			}
			return nil, services.Wrap(nil, "fetcher", "download", blob.name, err)
		}
		*blob.dest = data
	}
	f.logger.Info("asset bundle downloaded",
		logging.String("engine_version", f.version),
		logging.Int64("bundle_bytes", bundle.Size()),
		logging.Duration("download_duration", time.Since(started)),
	)
	return bundle, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s for %s", resp.Status, url)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response for %s", url)
	}
	return data, nil
}
