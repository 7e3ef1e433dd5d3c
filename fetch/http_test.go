package fetch

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lucaromagnoli/dataservice"
	"github.com/lucaromagnoli/dataservice/dserrors"
)

func TestHTTPFetcherSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	req := &dataservice.Request{URL: srv.URL, Timeout: 2 * time.Second}
	resp, err := f.Fetch(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 || resp.Text != "hello" {
		t.Errorf("got (%d, %q), want (200, hello)", resp.StatusCode, resp.Text)
	}
}

func TestHTTPFetcherClassifiesRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	req := &dataservice.Request{URL: srv.URL, Timeout: 2 * time.Second}
	_, err := f.Fetch(req)
	if dserrors.ClassOf(err) != dserrors.KindRetryable {
		t.Errorf("ClassOf(err) = %v, want Retryable", dserrors.ClassOf(err))
	}
}

func TestHTTPFetcherClassifiesNonRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	req := &dataservice.Request{URL: srv.URL, Timeout: 2 * time.Second}
	_, err := f.Fetch(req)
	if dserrors.ClassOf(err) != dserrors.KindNonRetryable {
		t.Errorf("ClassOf(err) = %v, want NonRetryable", dserrors.ClassOf(err))
	}
}

func TestHTTPFetcherJSONContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	req := &dataservice.Request{URL: srv.URL, ContentType: dataservice.ContentTypeJSON, Timeout: 2 * time.Second}
	resp, err := f.Fetch(req)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := resp.Data.(map[string]any)
	if !ok || m["ok"] != true {
		t.Errorf("Data = %#v, want map with ok=true", resp.Data)
	}
}

func TestHTTPFetcherTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(1500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	// Request.Validate clamps Timeout to at least 1s, so the handler must
	// outlast that minimum for the deadline to fire.
	req := &dataservice.Request{URL: srv.URL, Timeout: time.Second}
	_, err := f.Fetch(req)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if dserrors.ClassOf(err) != dserrors.KindTimeout {
		t.Errorf("ClassOf(err) = %v, want Timeout", dserrors.ClassOf(err))
	}
}
