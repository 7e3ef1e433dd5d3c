// Package fetch provides Fetcher implementations: the Fetcher capability the
// scheduler drives is `Fetch(*dataservice.Request) (*dataservice.Response, error)`.
// This package supplies the reference HTTP fetcher and an interception
// decorator; headless-browser fetching is declared as an interface only
// (BrowserFetcher) since no browser driver is vendored here.
//
// Design Notes:
//   - One *http.Client per distinct Proxy configuration, cached, so a crawl
//     that proxies some requests and not others doesn't pay a fresh
//     transport/TLS handshake setup per request.
//   - Errors are classified into dserrors.Kind here, at the boundary, so
//     everything above this package (retry, worker) only ever sees the
//     closed error taxonomy.
//   - Redirects follow net/http's default policy (up to 10 hops); the final
//     URL is read off the last response in the chain.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/lucaromagnoli/dataservice"
	"github.com/lucaromagnoli/dataservice/dserrors"
)

// HTTPFetcher is the reference Fetcher backed by net/http.
type HTTPFetcher struct {
	mu      sync.Mutex
	clients map[string]*http.Client // keyed by proxy identity, "" = no proxy
}

// NewHTTPFetcher creates an HTTPFetcher. It is safe for concurrent use by
// multiple worker goroutines; clients are created lazily and cached.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{clients: make(map[string]*http.Client)}
}

// Fetch implements dataservice.Fetcher.
func (f *HTTPFetcher) Fetch(req *dataservice.Request) (*dataservice.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, &dserrors.NonRetryableError{Err: err}
	}

	httpReq, err := f.buildRequest(req)
	if err != nil {
		return nil, &dserrors.NonRetryableError{Err: err}
	}

	client := f.clientFor(req.Proxy)
	ctx, cancel := context.WithTimeout(httpReq.Context(), req.Timeout)
	defer cancel()
	httpReq = httpReq.WithContext(ctx)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if classified := classifyStatus(resp.StatusCode); classified != nil {
		return nil, classified
	}

	out := &dataservice.Response{
		Request:    req,
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    flattenHeader(resp.Header),
		Cookies:    flattenCookies(resp.Cookies()),
	}

	if req.ContentType == dataservice.ContentTypeJSON {
		var data any
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, &dserrors.NonRetryableError{Err: fmt.Errorf("decoding json body: %w", err)}
		}
		out.Data = data
	} else {
		out.Text = string(body)
	}

	return out, nil
}

func (f *HTTPFetcher) clientFor(proxy *dataservice.ProxyConfig) *http.Client {
	key := proxyKey(proxy)

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c
	}

	transport := &http.Transport{}
	if proxy != nil {
		proxyURL := &url.URL{
			Scheme: "http",
			Host:   net.JoinHostPort(proxy.Host, strconv.Itoa(proxy.Port)),
		}
		if proxy.User != "" {
			proxyURL.User = url.UserPassword(proxy.User, proxy.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	client := &http.Client{Transport: transport}
	f.clients[key] = client
	return client
}

func proxyKey(proxy *dataservice.ProxyConfig) string {
	if proxy == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d@%s", proxy.Host, proxy.Port, proxy.User)
}

func (f *HTTPFetcher) buildRequest(req *dataservice.Request) (*http.Request, error) {
	target := req.URLEncoded()

	var bodyReader io.Reader
	contentTypeHeader := ""
	switch {
	case len(req.JSONData) > 0:
		data, err := json.Marshal(req.JSONData)
		if err != nil {
			return nil, fmt.Errorf("encoding json_data: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		contentTypeHeader = "application/json"
	case len(req.FormData) > 0:
		values := url.Values{}
		for k, v := range req.FormData {
			values.Set(k, v)
		}
		bodyReader = strings.NewReader(values.Encode())
		contentTypeHeader = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequest(string(req.Method), target, bodyReader)
	if err != nil {
		return nil, err
	}
	if contentTypeHeader != "" {
		httpReq.Header.Set("Content-Type", contentTypeHeader)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for name, value := range req.Cookies {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return httpReq, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func flattenCookies(cookies []*http.Cookie) map[string]string {
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}

// classifyStatus maps an HTTP status code onto the error taxonomy. Returns
// nil for 2xx/3xx (handled by http.Client's redirect following) responses
// that should be treated as success.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 400:
		return nil
	case status == http.StatusTooManyRequests || status == http.StatusForbidden:
		return &dserrors.RetryableError{StatusCode: status, Err: fmt.Errorf("http status %d", status)}
	case status >= 500:
		return &dserrors.RetryableError{StatusCode: status, Err: fmt.Errorf("http status %d", status)}
	case status >= 400:
		return &dserrors.NonRetryableError{StatusCode: status, Err: fmt.Errorf("http status %d", status)}
	default:
		return &dserrors.GenericError{Err: fmt.Errorf("unexpected http status %d", status)}
	}
}

func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &dserrors.TimeoutError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &dserrors.TimeoutError{Err: err}
	}
	return &dserrors.RetryableError{Err: err}
}
