package fetch

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/lucaromagnoli/dataservice"
)

// ToyFetcher is a deterministic, jitter-sleeping in-memory Fetcher used by
// tests and examples in place of a live network call. It mirrors the
// original dataservice package's ToyClient: it never actually fetches
// anything, only sleeps briefly and synthesizes an HTML body naming the
// requested URL.
type ToyFetcher struct {
	// MaxJitter bounds the random per-request sleep; zero disables it.
	MaxJitter time.Duration
	// Pages, if set, is consulted before synthesizing a body: a hit returns
	// that exact body as a 200 response.
	Pages map[string]string
}

// NewToyFetcher creates a ToyFetcher with a default 200ms jitter ceiling.
func NewToyFetcher() *ToyFetcher {
	return &ToyFetcher{MaxJitter: 200 * time.Millisecond}
}

// Fetch implements dataservice.Fetcher.
func (f *ToyFetcher) Fetch(req *dataservice.Request) (*dataservice.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if f.MaxJitter > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(f.MaxJitter))))
	}

	body := fmt.Sprintf("<html><head></head><body>This is content for URL: %s</body></html>", req.URL)
	if f.Pages != nil {
		if page, ok := f.Pages[req.URL]; ok {
			body = page
		}
	}

	return &dataservice.Response{
		Request:    req,
		URL:        req.URL,
		StatusCode: 200,
		Text:       body,
	}, nil
}
