package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lucaromagnoli/dataservice"
)

func drain(t *testing.T, items <-chan WorkItem, errs <-chan error) ([]WorkItem, error) {
	t.Helper()
	var got []WorkItem
	for item := range items {
		got = append(got, item)
	}
	select {
	case err := <-errs:
		return got, err
	default:
		return got, nil
	}
}

func TestInvokeCallbackSingleDataItem(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()
	d := New(pool)

	req := &dataservice.Request{URL: "https://example.com"}
	req.Callback = func(resp *dataservice.Response) (dataservice.CallbackResult, error) {
		item := dataservice.NewDataItem(map[string]any{"url": resp.URL})
		return item, nil
	}
	resp := &dataservice.Response{Request: req, URL: req.URL}

	items, errs := d.InvokeCallback(context.Background(), req, resp)
	got, err := drain(t, items, errs)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DataItem == nil {
		t.Fatalf("got %+v, want one DataItem", got)
	}
}

func TestInvokeCallbackMany(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()
	d := New(pool)

	req := &dataservice.Request{URL: "https://example.com"}
	req.Callback = func(resp *dataservice.Response) (dataservice.CallbackResult, error) {
		next := &dataservice.Request{URL: "https://example.com/next"}
		item := dataservice.NewDataItem(map[string]any{"a": 1})
		return dataservice.Many{Items: []dataservice.CallbackResult{item, next}}, nil
	}
	resp := &dataservice.Response{Request: req, URL: req.URL}

	items, errs := d.InvokeCallback(context.Background(), req, resp)
	got, err := drain(t, items, errs)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d items, want 2", len(got))
	}
}

func TestInvokeCallbackSeq(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()
	d := New(pool)

	req := &dataservice.Request{URL: "https://example.com"}
	req.Callback = func(resp *dataservice.Response) (dataservice.CallbackResult, error) {
		seq := func(yield func(dataservice.CallbackResult) bool) {
			for i := 0; i < 3; i++ {
				if !yield(dataservice.NewDataItem(map[string]any{"i": i})) {
					return
				}
			}
		}
		return dataservice.Seq{Seq: seq}, nil
	}
	resp := &dataservice.Response{Request: req, URL: req.URL}

	items, errs := d.InvokeCallback(context.Background(), req, resp)
	got, err := drain(t, items, errs)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d items, want 3", len(got))
	}
}

func TestInvokeCallbackAsyncSeq(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()
	d := New(pool)

	ch := make(chan dataservice.CallbackResult, 2)
	ch <- dataservice.NewDataItem(map[string]any{"i": 0})
	ch <- dataservice.NewDataItem(map[string]any{"i": 1})
	close(ch)

	req := &dataservice.Request{URL: "https://example.com"}
	req.Callback = func(resp *dataservice.Response) (dataservice.CallbackResult, error) {
		return dataservice.AsyncSeq{Chan: ch}, nil
	}
	resp := &dataservice.Response{Request: req, URL: req.URL}

	items, errs := d.InvokeCallback(context.Background(), req, resp)
	got, err := drain(t, items, errs)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d items, want 2", len(got))
	}
}

func TestInvokeCallbackErrorBecomesParsingError(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()
	d := New(pool)

	req := &dataservice.Request{URL: "https://example.com"}
	req.Callback = func(resp *dataservice.Response) (dataservice.CallbackResult, error) {
		return nil, errors.New("parse failed")
	}
	resp := &dataservice.Response{Request: req, URL: req.URL}

	items, errs := d.InvokeCallback(context.Background(), req, resp)
	_, err := drain(t, items, errs)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestInvokeCallbackPanicRecovered(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()
	d := New(pool)

	req := &dataservice.Request{URL: "https://example.com"}
	req.Callback = func(resp *dataservice.Response) (dataservice.CallbackResult, error) {
		panic("boom")
	}
	resp := &dataservice.Response{Request: req, URL: req.URL}

	items, errs := d.InvokeCallback(context.Background(), req, resp)
	_, err := drain(t, items, errs)
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}
}

func TestPoolRunsConcurrently(t *testing.T) {
	pool := NewPool(4)
	defer pool.Close()

	done := make(chan struct{}, 4)
	start := time.Now()
	for i := 0; i < 4; i++ {
		pool.Submit(func() {
			time.Sleep(30 * time.Millisecond)
			done <- struct{}{}
		})
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("4 tasks on 4 workers should run roughly concurrently")
	}
}
