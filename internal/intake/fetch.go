package intake

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/die-net/lrucache"
	"github.com/gregjones/httpcache"
)

// Fetcher opens remote images for the CLI. Responses are cached in memory,
// honouring the origin's cache headers.
type Fetcher struct {
	client *http.Client
}

// NewFetcher caches responses in memory up to cacheBytes for at most ttl.
func NewFetcher(cacheBytes int64, ttl time.Duration) *Fetcher {
	cache := lrucache.New(cacheBytes, int64(ttl.Seconds()))
	return &Fetcher{
		client: &http.Client{
			Transport: httpcache.NewTransport(cache),
			Timeout:   30 * time.Second,
		},
	}
}

// IsURL reports whether input names an http(s) resource rather than a path.
func IsURL(input string) bool {
	return strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://")
}

// Open returns the response body and a filename derived from the URL path.
func (f *Fetcher) Open(ctx context.Context, rawURL string) (io.ReadCloser, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", &ReadError{Filename: rawURL, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", &ReadError{Filename: rawURL, Err: err}
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", &ReadError{Filename: rawURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, "", &ReadError{Filename: rawURL, Err: fmt.Errorf("status code %d", resp.StatusCode)}
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = u.Host
	}
	return resp.Body, name, nil
}
