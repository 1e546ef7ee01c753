package offlinecache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// CacheStatusHeader tells the page where a response came from: HIT, MISS or OFFLINE.
const CacheStatusHeader = "X-Cache-Status"

// SyntheticResponse is the fixed response served when neither network nor cache can answer.
type SyntheticResponse struct {
	Status  int
	Reason  string
	Headers http.Header
	Body    string
}

// OfflineFallback is the only constructor of SyntheticResponse.
func OfflineFallback(body string) SyntheticResponse {
	if body == "" {
		body = DefaultOfflineBody
	}
	return SyntheticResponse{
		Status: http.StatusServiceUnavailable,
		Reason: "Service Unavailable",
		Headers: http.Header{
			"Content-Type":    []string{"text/plain; charset=utf-8"},
			CacheStatusHeader: []string{"OFFLINE"},
		},
		Body: body,
	}
}

// HTTPResponse converts the synthetic response into a fresh *http.Response for req.
func (s SyntheticResponse) HTTPResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, s.Reason),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.Headers.Clone(),
		Body:          io.NopCloser(bytes.NewReader([]byte(s.Body))),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}
