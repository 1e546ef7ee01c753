package offlinecache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ResponseRecorder captures a response written by an in-process handler.
type ResponseRecorder struct {
	mu         sync.Mutex
	status     int
	header     http.Header
	body       *bytes.Buffer
	capReached bool
	maxBytes   int64
}

func NewResponseRecorder(maxBodyBytes int64) *ResponseRecorder {
	return &ResponseRecorder{
		status:   http.StatusOK,
		header:   make(http.Header),
		body:     &bytes.Buffer{},
		maxBytes: maxBodyBytes,
	}
}

// Header implements http.ResponseWriter
func (r *ResponseRecorder) Header() http.Header {
	return r.header
}

// Write implements http.ResponseWriter. The whole body is always recorded; once it
// grows past maxBytes the recording is flagged as too large to store.
func (r *ResponseRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, _ := r.body.Write(p)
	if r.maxBytes > 0 && int64(r.body.Len()) > r.maxBytes {
		r.capReached = true
	}
	return n, nil
}

// WriteHeader implements http.ResponseWriter
func (r *ResponseRecorder) WriteHeader(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

// Body returns the recorded body bytes.
func (r *ResponseRecorder) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Bytes()
}

// CapReached reports whether the body outgrew maxBytes.
func (r *ResponseRecorder) CapReached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capReached
}

func (r *ResponseRecorder) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Result snapshots the recording as an *http.Response answering req.
func (r *ResponseRecorder) Result(req *http.Request) *http.Response {
	r.mu.Lock()
	defer r.mu.Unlock()

	body := append([]byte(nil), r.body.Bytes()...)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.status, http.StatusText(r.status)),
		StatusCode:    r.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
