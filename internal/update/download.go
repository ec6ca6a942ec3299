package update

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/watchrip/wearbridge/internal/manifest"
)

// Downloader fetches a package into dest. progress receives bytes written
// and the expected total (0 when unknown). Implementations must stop promptly
// when ctx is cancelled and leave no file at dest on failure.
type Downloader interface {
	Download(ctx context.Context, url, dest string, size int64, progress func(done, total int64)) error
}

// HTTPDownloader downloads over HTTP into dest+".part" and renames on
// completion.
type HTTPDownloader struct {
	httpClient *http.Client
}

// NewHTTPDownloader builds an HTTPDownloader. The request lifetime is bound by
// ctx only; packages can be large.
func NewHTTPDownloader() *HTTPDownloader {
	return &HTTPDownloader{httpClient: &http.Client{}}
}

// Download implements Downloader.
func (d *HTTPDownloader) Download(ctx context.Context, url, dest string, size int64, progress func(done, total int64)) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &manifest.NetworkError{URL: url, Err: errors.Wrap(err, "build request")}
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &manifest.NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &manifest.NetworkError{URL: url, StatusCode: resp.StatusCode}
	}
	total := size
	if resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	part := dest + partialExt
	f, err := os.Create(part)
	if err != nil {
		return &CacheError{Op: "write", Path: part, Err: err}
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(part)
		}
	}()

	start := time.Now()
	w := &progressWriter{w: f, total: total, fn: progress}
	if _, err = io.Copy(w, resp.Body); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.writeErr != nil {
			return &CacheError{Op: "write", Path: part, Err: w.writeErr}
		}
		return &manifest.NetworkError{URL: url, Err: err}
	}
	if total > 0 && w.done != total {
		err = &manifest.NetworkError{URL: url, Err: errors.Errorf("short body: got %d of %d bytes", w.done, total)}
		return err
	}
	if err = f.Close(); err != nil {
		return &CacheError{Op: "write", Path: part, Err: err}
	}
	if err = os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return &CacheError{Op: "rename", Path: dest, Err: err}
	}
	log.Info().Str("file", dest).Str("size", humanize.Bytes(uint64(w.done))).
		Dur("elapsed", time.Since(start)).Msg("package downloaded")
	return nil
}

type progressWriter struct {
	w        io.Writer
	done     int64
	total    int64
	fn       func(done, total int64)
	writeErr error
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	if err != nil {
		p.writeErr = err
		return n, err
	}
	if p.fn != nil {
		p.fn(p.done, p.total)
	}
	return n, nil
}

// Throttle limits progress emissions: a value passes when at least interval
// elapsed since the last emission or the integer percentage changed.
type Throttle struct {
	interval time.Duration
	now      func() time.Time
	last     time.Time
	lastPct  int
	started  bool
}

// NewThrottle builds a Throttle.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, now: time.Now}
}

// Allow reports whether progress p (0..1) should be emitted.
func (t *Throttle) Allow(p float64) bool {
	now := t.now()
	pct := int(p * 100)
	if t.started && pct == t.lastPct && now.Sub(t.last) < t.interval {
		return false
	}
	t.started = true
	t.last = now
	t.lastPct = pct
	return true
}
