// Package dataservice implements a concurrent, cache-aware, retry-capable
// crawling/data-extraction engine. Callers submit seed Requests; the engine
// fetches each one, hands the Response to a user Callback, and treats
// whatever the callback yields as further work until the queue drains,
// emitting DataItems to the caller as a lazy sequence.
//
// Design Philosophy:
//   - This package holds the shared types (Request, Response, DataItem,
//     FailedRequest, Registry); the dual-queue scheduler and the Service
//     facade live in package worker, where callers construct a Service,
//     iterate it, inspect Failures(), and Write results to disk.
//   - Fetchers and callbacks are capabilities supplied by the caller; this
//     package never parses payload bytes itself.
package dataservice

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Method is the HTTP method of a Request.
type Method string

const (
	MethodGET  Method = "GET"
	MethodPOST Method = "POST"
)

// ContentType selects how a Fetcher should interpret the response body.
type ContentType string

const (
	ContentTypeText ContentType = "text"
	ContentTypeJSON ContentType = "json"
)

// ProxyConfig names an upstream proxy a Fetcher should route a Request
// through.
type ProxyConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// CallbackResult is the heterogeneous value a Callback may return: a single
// Request, a single DataItem, or a (possibly lazy, possibly asynchronous)
// sequence of either. A Callback returns this interface and the dispatch
// package type-switches it into individual Requests and DataItems.
type CallbackResult interface {
	// resultMarker is unexported so CallbackResult stays a closed set at the
	// public boundary: only the types this package defines (Request,
	// DataItem, Many, Seq, AsyncSeq) implement it, along with types that
	// embed one of them.
	resultMarker()
}

// Callback is invoked once per successful Response. It never sees low-level
// fetch errors — only a Response that completed the retry envelope — and it
// may panic or return an error, either of which the dispatcher converts into
// a Parsing failure recorded against the originating Request's URL.
type Callback func(*Response) (CallbackResult, error)

// Request is an immutable unit of work: a URL, a fetcher and callback
// capability, and the parameters needed to construct an HTTP request.
//
// Invariant: POST requires non-empty FormData or JSONData; GET forbids
// both. Validate enforces this.
type Request struct {
	resultMarker

	URL         string
	Method      Method
	Headers     map[string]string
	Params      map[string]string
	FormData    map[string]string
	JSONData    map[string]any
	Cookies     map[string]string
	ContentType ContentType
	Proxy       *ProxyConfig
	Timeout     time.Duration

	Callback Callback
	Fetcher  Fetcher // capability; package fetch provides implementations

	// FetcherName, if set and Fetcher is nil, is resolved against the
	// Service's named fetcher registry (see registry.go), mirroring the
	// original dataservice package's named-client addressing.
	FetcherName string
}

// Fetcher turns a Request into a Response or a classified error. Declared
// here (rather than in package fetch) so Request can reference it without an
// import cycle; package fetch's HTTPFetcher, ToyFetcher and
// InterceptingFetcher implement it.
type Fetcher interface {
	Fetch(req *Request) (*Response, error)
}

func (resultMarker) resultMarker() {}

type resultMarker struct{}

// DefaultTimeout is applied when Request.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Validate checks the method/body invariant and clamps Timeout into
// [1s, 300s], defaulting to DefaultTimeout when unset.
func (r *Request) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("dataservice: request URL must not be empty")
	}
	if _, err := url.Parse(r.URL); err != nil {
		return fmt.Errorf("dataservice: invalid URL %q: %w", r.URL, err)
	}
	switch r.Method {
	case "":
		r.Method = MethodGET
	case MethodGET, MethodPOST:
	default:
		return fmt.Errorf("dataservice: unsupported method %q", r.Method)
	}
	hasBody := len(r.FormData) > 0 || len(r.JSONData) > 0
	if r.Method == MethodPOST && !hasBody {
		return fmt.Errorf("dataservice: POST request to %q requires form_data or json_data", r.URL)
	}
	if r.Method == MethodGET && hasBody {
		return fmt.Errorf("dataservice: GET request to %q must not carry form_data or json_data", r.URL)
	}
	if r.ContentType == "" {
		r.ContentType = ContentTypeText
	}
	switch {
	case r.Timeout == 0:
		r.Timeout = DefaultTimeout
	case r.Timeout < time.Second:
		r.Timeout = time.Second
	case r.Timeout > 300*time.Second:
		r.Timeout = 300 * time.Second
	}
	return nil
}

// URLEncoded returns the URL with Params appended as a query string. It is
// used only for logs and as an external identity — never as the dedup/cache
// key, which is UniqueKey.
func (r *Request) URLEncoded() string {
	if len(r.Params) == 0 {
		return r.URL
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return r.URL
	}
	q := u.Query()
	for k, v := range r.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// UniqueKey is the canonical fingerprint used for deduplication and as the
// cache key:
//
//	"{METHOD} {url_encoded_with_sorted_params}[ params={params}][ form_data={form_data}][ json_data={json_data}]"
//
// where inner maps are serialized with sorted keys, per the specification's
// request fingerprint algorithm.
func (r *Request) UniqueKey() string {
	var b strings.Builder
	b.WriteString(string(r.Method))
	b.WriteByte(' ')
	b.WriteString(sortedURLEncoded(r.URL, r.Params))
	if len(r.Params) > 0 {
		b.WriteString(" params=")
		b.WriteString(sortedMapString(r.Params))
	}
	if len(r.FormData) > 0 {
		b.WriteString(" form_data=")
		b.WriteString(sortedMapString(r.FormData))
	}
	if len(r.JSONData) > 0 {
		b.WriteString(" json_data=")
		b.WriteString(sortedJSONString(r.JSONData))
	}
	return b.String()
}

func sortedURLEncoded(rawURL string, params map[string]string) string {
	u, err := url.Parse(rawURL)
	if err != nil || len(params) == 0 {
		return rawURL
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	b.WriteString(u.Path)
	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(q.Get(k))
	}
	return b.String()
}

func sortedMapString(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(m[k])
	}
	b.WriteByte('}')
	return b.String()
}

func sortedJSONString(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]struct {
		K string
		V any
	}, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, struct {
			K string
			V any
		}{k, m[k]})
	}
	data, err := json.Marshal(ordered)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(data)
}

// FailedRequest is the terminal record stored by the worker when a Request
// will never be fetched (or re-fetched) again in this run.
type FailedRequest struct {
	Request       *Request
	Message       string
	ExceptionKind string // one of the dserrors.Kind string values
	OccurredAt    time.Time
}
