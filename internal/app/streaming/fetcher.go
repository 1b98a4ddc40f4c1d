package streaming

import (
	"context"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Fetcher opens the upstream byte stream for a resolved URL.
type Fetcher interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPFetcher fetches upstream media over HTTP.
type HTTPFetcher struct {
	Client *http.Client
}

// Open issues a GET and returns the response body.
func (f HTTPFetcher) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, errors.Newf("upstream returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
