package offlinecache

import (
	"fmt"
	"io"
	"net/http"
)

// Fetcher is the network as seen by the worker. A returned error means the request
// never produced a response (offline, DNS failure, connection reset...).
type Fetcher interface {
	Fetch(req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(req *http.Request) (*http.Response, error) {
	return f(req)
}

// TransportFetcher sends requests over an http.RoundTripper.
type TransportFetcher struct {
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

func (f TransportFetcher) Fetch(req *http.Request) (*http.Response, error) {
	transport := f.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return transport.RoundTrip(req)
}

// HandlerFetcher serves requests from an in-process http.Handler, so an application can
// run the worker in front of its own mux. A handler panic is reported as a network failure.
type HandlerFetcher struct {
	Handler http.Handler
	// MaxBodyBytes marks larger responses as not storable (0 = unlimited). They are
	// still served in full.
	MaxBodyBytes int64
}

// uncacheableBody marks a response the worker must serve without storing it.
type uncacheableBody struct {
	io.ReadCloser
}

func isUncacheable(resp *http.Response) bool {
	_, ok := resp.Body.(uncacheableBody)
	return ok
}

func (f HandlerFetcher) Fetch(req *http.Request) (resp *http.Response, err error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	recorder := NewResponseRecorder(f.MaxBodyBytes)
	defer func() {
		if p := recover(); p != nil {
			resp = nil
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	f.Handler.ServeHTTP(recorder, req)
	resp = recorder.Result(req)
	if recorder.CapReached() {
		resp.Body = uncacheableBody{resp.Body}
	}
	return resp, nil
}
