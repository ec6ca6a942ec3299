package manifest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultFetchTimeout = 30 * time.Second
	maxManifestBytes    = 1 << 20
)

// Fetcher downloads and parses the manifest. Concurrent Fetch calls share one
// request.
type Fetcher struct {
	url        string
	httpClient *http.Client
	group      singleflight.Group
}

// NewFetcher builds a Fetcher for url. A zero timeout uses 30s.
func NewFetcher(url string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// URL returns the manifest location.
func (f *Fetcher) URL() string { return f.url }

// Fetch returns the latest published build. Transport failures and non-2xx
// responses yield a *NetworkError; bad documents a *ParseError.
func (f *Fetcher) Fetch(ctx context.Context) (Info, error) {
	v, err, shared := f.group.Do("manifest", func() (interface{}, error) {
		return f.fetch(ctx)
	})
	if err != nil {
		return Info{}, err
	}
	if shared {
		log.Debug().Str("url", f.url).Msg("manifest fetch shared with in-flight request")
	}
	return v.(Info), nil
}

func (f *Fetcher) fetch(ctx context.Context) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return Info{}, &NetworkError{URL: f.url, Err: errors.Wrap(err, "build request")}
	}
	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Info{}, &NetworkError{URL: f.url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxManifestBytes))
		return Info{}, &NetworkError{URL: f.url, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return Info{}, &NetworkError{URL: f.url, Err: errors.Wrap(err, "read body")}
	}
	info, err := Parse(bytes.NewReader(body))
	if err != nil {
		return Info{}, err
	}
	log.Info().Str("version", info.Version).Int64("length", info.Length).
		Dur("elapsed", time.Since(start)).Msg("manifest fetched")
	return info, nil
}
