package dataservice

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// Response is owned by the task that produced it and must not be stored
// past the Callback invocation it is passed to: its Request back-reference
// is a borrowed reference for the callback's convenience.
type Response struct {
	Request *Request

	// URL is the final URL after redirects.
	URL        string
	StatusCode int
	Headers    map[string]string
	Cookies    map[string]string

	// Text is the raw response body. HTTPFetcher populates Data (the decoded
	// body) instead of Text when Request.ContentType == ContentTypeJSON; for an
	// intercepting fetcher, Data may hold a map[string]any keyed by
	// intercepted sub-resource URL (see fetch.InterceptingFetcher).
	Text string
	Data any

	treeOnce sync.Once
	tree     *html.Node
	treeErr  error
}

// Tree lazily parses Text as HTML on first access. It fails if
// Request.ContentType is ContentTypeJSON, mirroring the original package's
// "cannot build a soup from a dict" behavior.
func (r *Response) Tree() (*html.Node, error) {
	r.treeOnce.Do(func() {
		if r.Request != nil && r.Request.ContentType == ContentTypeJSON {
			r.treeErr = fmt.Errorf("dataservice: cannot parse an HTML tree from a json-typed response")
			return
		}
		r.tree, r.treeErr = html.Parse(strings.NewReader(r.Text))
	})
	return r.tree, r.treeErr
}

// JSON unmarshals Data (expected to be json.RawMessage or already-decoded
// data from a JSON-typed response) into v.
func (r *Response) JSON(v any) error {
	switch d := r.Data.(type) {
	case json.RawMessage:
		return json.Unmarshal(d, v)
	case []byte:
		return json.Unmarshal(d, v)
	case string:
		return json.Unmarshal([]byte(d), v)
	default:
		data, err := json.Marshal(r.Data)
		if err != nil {
			return fmt.Errorf("dataservice: response data is not JSON-shaped: %w", err)
		}
		return json.Unmarshal(data, v)
	}
}
