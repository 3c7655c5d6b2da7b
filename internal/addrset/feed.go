package addrset

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"grimm.is/geoblock/internal/brand"
	"grimm.is/geoblock/internal/logging"
	"grimm.is/geoblock/internal/metrics"
	"grimm.is/geoblock/internal/policy"
	"grimm.is/geoblock/internal/retry"
)

// errNoFeed is returned for a 404: the upstream has no list for this key.
var errNoFeed = errors.New("feed does not exist")

// HTTPFeed downloads newline-delimited literal lists with caching, retry and
// stale-cache fallback. Expired entries are revalidated with If-None-Match
// when the upstream gave an ETag.
type HTTPFeed struct {
	client  *http.Client
	cache   *Cache
	retry   retry.Config
	maxSize int64
	logger  *logging.Logger
	metrics *metrics.Registry
}

// NewHTTPFeed creates a feed client. cache may be nil to disable caching.
func NewHTTPFeed(timeout time.Duration, cache *Cache, rc retry.Config, logger *logging.Logger) *HTTPFeed {
	if logger == nil {
		logger = logging.WithComponent("feed")
	}
	return &HTTPFeed{
		client:  &http.Client{Timeout: timeout},
		cache:   cache,
		retry:   rc,
		maxSize: maxFeedSize,
		logger:  logger,
		metrics: metrics.Get(),
	}
}

// WithMetrics replaces the metrics registry.
func (f *HTTPFeed) WithMetrics(reg *metrics.Registry) *HTTPFeed {
	f.metrics = reg
	return f
}

// Fetch returns the literals of family listed at url under the given source
// label. A fresh cache entry is used without touching the network. When the
// download fails, an intact but expired cache entry is used instead.
func (f *HTTPFeed) Fetch(ctx context.Context, source, url string, family policy.Family) ([]policy.Literal, error) {
	var expired cachedFeed
	if f.cache != nil {
		data, meta, err := f.cache.Load(url, true)
		switch {
		case err == nil:
			if res, err := ParseList(bytes.NewReader(data), family); err == nil {
				f.metrics.FetchTotal.WithLabelValues(source, "cache").Inc()
				return res.Literals, nil
			}
		case errors.Is(err, ErrCacheExpired):
			if res, err := ParseList(bytes.NewReader(data), family); err == nil && meta.ETag != "" {
				expired = cachedFeed{body: data, etag: meta.ETag, lits: res.Literals}
			}
		case errors.Is(err, ErrCacheCorrupt):
			f.logger.Warn("Discarding damaged cache entry", "source", source, "error", err)
		}
	}

	data, err := retry.DoWithResult(ctx, f.retry, func(ctx context.Context) (fetched, error) {
		return f.download(ctx, url, expired.etag)
	})
	if err != nil {
		if lits, ok := f.stale(source, url, family); ok {
			f.logger.Warn("Upstream unavailable, using stale cache", "source", source, "error", err)
			return lits, nil
		}
		switch {
		case errors.Is(err, ErrMalformedData):
			f.metrics.FetchTotal.WithLabelValues(source, "malformed").Inc()
			return nil, fmt.Errorf("%s: %w", source, err)
		case errors.Is(err, errNoFeed):
			f.metrics.FetchTotal.WithLabelValues(source, "error").Inc()
			return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, source, errNoFeed)
		}
		f.metrics.FetchTotal.WithLabelValues(source, "error").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, source, err)
	}

	if data.notModified {
		f.store(source, url, expired.body, expired.etag)
		f.metrics.FetchTotal.WithLabelValues(source, "revalidated").Inc()
		return expired.lits, nil
	}

	res, err := ParseList(bytes.NewReader(data.body), family)
	f.reportSkipped(source, res.Skipped)
	if err != nil {
		f.metrics.FetchTotal.WithLabelValues(source, "malformed").Inc()
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	f.store(source, url, data.body, data.etag)
	f.metrics.FetchTotal.WithLabelValues(source, "network").Inc()
	return res.Literals, nil
}

// cachedFeed is an expired cache entry that can be revalidated.
type cachedFeed struct {
	body []byte
	etag string
	lits []policy.Literal
}

type fetched struct {
	body        []byte
	etag        string
	notModified bool
}

// download fetches url. With etag set, a 304 answer comes back as
// notModified and carries no body.
func (f *HTTPFeed) download(ctx context.Context, url, etag string) (fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fetched{}, retry.Permanent(err)
	}
	req.Header.Set("User-Agent", brand.UserAgent())
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fetched{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && etag != "":
		return fetched{notModified: true, etag: etag}, nil
	case resp.StatusCode == http.StatusNotFound:
		return fetched{}, retry.Permanent(errNoFeed)
	case resp.StatusCode != http.StatusOK:
		return fetched{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var reader io.Reader = resp.Body
	if strings.HasSuffix(url, ".gz") || resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fetched{}, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(io.LimitReader(reader, f.maxSize+1))
	if err != nil {
		return fetched{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxSize {
		return fetched{}, retry.Permanent(fmt.Errorf("%w: feed exceeds %d bytes", ErrMalformedData, f.maxSize))
	}
	return fetched{body: body, etag: resp.Header.Get("ETag")}, nil
}

func (f *HTTPFeed) store(source, url string, body []byte, etag string) {
	if f.cache == nil {
		return
	}
	if err := f.cache.Store(url, body, etag); err != nil {
		f.logger.Warn("Failed to cache feed", "source", source, "error", err)
	}
}

func (f *HTTPFeed) stale(source, url string, family policy.Family) ([]policy.Literal, bool) {
	if f.cache == nil {
		return nil, false
	}
	data, _, err := f.cache.Load(url, true)
	if data == nil || (err != nil && !errors.Is(err, ErrCacheExpired)) {
		return nil, false
	}
	res, err := ParseList(bytes.NewReader(data), family)
	if err != nil {
		return nil, false
	}
	f.metrics.FetchTotal.WithLabelValues(source, "stale").Inc()
	return res.Literals, true
}

func (f *HTTPFeed) reportSkipped(source string, skipped []string) {
	if len(skipped) == 0 {
		return
	}
	f.metrics.SkippedLines.WithLabelValues(source).Add(float64(len(skipped)))
	for i, line := range skipped {
		if i == 5 {
			f.logger.Warn("More malformed lines skipped", "source", source, "count", len(skipped)-i)
			break
		}
		f.logger.Warn("Skipping malformed line", "source", source, "line", line)
	}
}
