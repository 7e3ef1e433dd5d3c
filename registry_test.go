package dataservice

import "testing"

type fakeFetcher struct{ name string }

func (f fakeFetcher) Fetch(req *Request) (*Response, error) {
	return &Response{Request: req, URL: req.URL, StatusCode: 200, Text: f.name}, nil
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("primary", fakeFetcher{name: "primary"})

	f, ok := r.Resolve("primary")
	if !ok {
		t.Fatal("expected primary to resolve")
	}
	resp, err := f.Fetch(&Request{URL: "https://example.com"})
	if err != nil || resp.Text != "primary" {
		t.Errorf("got (%+v, %v), want primary", resp, err)
	}

	if _, ok := r.Resolve("missing"); ok {
		t.Error("expected missing to not resolve")
	}
}

func TestRegistryRegisterOverwrites(t *testing.T) {
	r := NewRegistry()
	r.Register("x", fakeFetcher{name: "first"})
	r.Register("x", fakeFetcher{name: "second"})

	f, _ := r.Resolve("x")
	resp, _ := f.Fetch(&Request{URL: "https://example.com"})
	if resp.Text != "second" {
		t.Errorf("Text = %q, want second (later Register should win)", resp.Text)
	}
}
