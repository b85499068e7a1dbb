// Package fetcher downloads monthly trip extracts over HTTPS with retry and
// rate limiting. Downloads stream to a temp file and move into place
// atomically, so an interrupted fetch never leaves a partial extract behind.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// minExtractBytes guards against truncated responses; a monthly extract is
// never this small.
const minExtractBytes = 10 * 1024

// Options configures the extract downloader.
type Options struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	RateLimit  rate.Limit
	Burst      int
}

// Client downloads extracts using net/http.
type Client struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
}

// New creates a downloader with the given options.
func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "tripflow/1.0"
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 2
	}
	if opts.Burst == 0 {
		opts.Burst = 2
	}
	return &Client{
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(opts.RateLimit, opts.Burst),
		opts:    opts,
	}
}

// MonthlyURL builds the published URL for one service-type/month extract.
func MonthlyURL(baseURL, service string, year, month int) string {
	return fmt.Sprintf("%s/%s_tripdata_%d-%02d.csv.gz", baseURL, service, year, month)
}

// MonthRange returns the (year, month) pairs from start to end inclusive.
func MonthRange(startYear, startMonth, endYear, endMonth int) [][2]int {
	var out [][2]int
	y, m := startYear, startMonth
	for y < endYear || (y == endYear && m <= endMonth) {
		out = append(out, [2]int{y, m})
		m++
		if m > 12 {
			m = 1
			y++
		}
	}
	return out
}

// DownloadToFile fetches a URL into dest, retrying failed attempts with
// exponential backoff and jitter. Returns bytes written.
func (c *Client) DownloadToFile(ctx context.Context, url, dest string) (int64, error) {
	log := zap.L().With(zap.String("component", "fetcher"), zap.String("url", url))

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			backoff += time.Duration(rand.Int64N(int64(time.Second)))
			log.Warn("retrying download",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return 0, eris.Wrap(ctx.Err(), "fetcher: cancelled")
			}
		}

		n, err := c.tryDownload(ctx, url, dest)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return 0, eris.Wrap(ctx.Err(), "fetcher: cancelled")
		}
	}

	return 0, eris.Wrapf(lastErr, "fetcher: download %s after %d attempts", url, c.opts.MaxRetries+1)
}

func (c *Client) tryDownload(ctx context.Context, url, dest string) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, eris.Wrap(err, "fetcher: rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: build request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, eris.Errorf("fetcher: unexpected status %d for %s", resp.StatusCode, url)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, eris.Wrap(err, "fetcher: create dest dir")
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create temp file")
	}

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, eris.Wrap(err, "fetcher: write temp file")
	}
	if n < minExtractBytes {
		os.Remove(tmp)
		return 0, eris.Errorf("fetcher: downloaded file suspiciously small (%d bytes)", n)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, eris.Wrap(err, "fetcher: move into place")
	}
	return n, nil
}
