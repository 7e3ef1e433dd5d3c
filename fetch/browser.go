package fetch

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/lucaromagnoli/dataservice"
	"github.com/lucaromagnoli/dataservice/dserrors"
)

// BrowserFetcher is the capability a headless-browser driver must satisfy.
// No browser driver is vendored in this module; concrete implementations
// (chromedp, playwright-go, etc.) live outside the core and are wired in by
// the caller, matching the specification's stance that concrete
// HTTP/headless-browser fetchers are external collaborators.
type BrowserFetcher interface {
	dataservice.Fetcher
	// RunAction, if non-nil, executes after navigation and before the page
	// content is read back, so callers can click/scroll/wait as needed.
	RunAction(ctx context.Context, pageURL string) error
}

// InterceptingFetcher decorates any Fetcher so that, in addition to the
// top-level Response from Inner, it collates the SubResources bodies whose
// URLs match Substrings into Response.Data keyed by URL (JSON bodies
// decoded, others kept as strings), alongside the top-level HTML as
// Response.Text. It issues no requests of its own for the sub-resources.
// This resolves the specification's interception Open Question in favor of
// a single synthetic Response carrying a map, rather than one Response per
// intercepted URL.
type InterceptingFetcher struct {
	Inner dataservice.Fetcher
	// Substrings selects which sub-resource URLs to intercept; a URL
	// matches if it contains any of these as a substring.
	Substrings []string
	// SubResources supplies the bodies a real interception layer would have
	// observed, keyed by the sub-resource URL. A production browser-backed
	// implementation populates this during RunAction instead of accepting
	// it pre-built; it is exposed here so the interception contract is
	// testable without a real browser.
	SubResources map[string]string
}

// Fetch implements dataservice.Fetcher.
func (f *InterceptingFetcher) Fetch(req *dataservice.Request) (*dataservice.Response, error) {
	resp, err := f.Inner.Fetch(req)
	if err != nil {
		return nil, err
	}

	matched := make(map[string]any, len(f.SubResources))
	for subURL, body := range f.SubResources {
		if !f.matches(subURL) {
			continue
		}
		var parsed any
		if json.Valid([]byte(body)) {
			if err := json.Unmarshal([]byte(body), &parsed); err != nil {
				return nil, &dserrors.GenericError{Err: err}
			}
		} else {
			parsed = body
		}
		matched[subURL] = parsed
	}
	if len(matched) > 0 {
		resp.Data = matched
	}
	return resp, nil
}

func (f *InterceptingFetcher) matches(url string) bool {
	if len(f.Substrings) == 0 {
		return true
	}
	for _, s := range f.Substrings {
		if strings.Contains(url, s) {
			return true
		}
	}
	return false
}
