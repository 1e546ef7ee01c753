package offlinecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/spdeepak/offlinecache/cache"
)

func TestProxyHandler(t *testing.T) {

	mux := http.NewServeMux()
	mux.HandleFunc("/", Handler)
	mux.HandleFunc("/api/data", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("live"))
	})
	server := httptest.NewServer(mux)

	transport := &http.Transport{}
	network := TransportFetcher{Transport: transport}
	origin, _ := url.Parse(server.URL)

	config := DefaultConfig("v1", server.URL)
	config.Logger = discardLogger()
	manager, err := NewManager(cache.NewMemoryStorage(2), network, config)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	reg := NewRegistration("/service-worker.js", network, discardLogger())
	if err := reg.Register(context.Background(), manager); err != nil {
		t.Fatalf("register: %v", err)
	}
	defer reg.Close()
	client := NewClientMiddleware(reg)(NewProxyHandler(reg, origin, discardLogger()))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(ClientIDHeader, "tab-1")
	r1 := httptest.NewRecorder()
	client.ServeHTTP(r1, req)

	if r1.Header().Get("X-Cache-Status") != "MISS" {
		t.Fatalf("expected MISS, got %s", r1.Header().Get("X-Cache-Status"))
	}
	if r1.Body.String() != "fresh" {
		t.Fatalf("unexpected body: %s", r1.Body.String())
	}
	if controller, ok := reg.Clients().Controller("tab-1"); !ok || controller != manager {
		t.Fatalf("expected tab-1 to be controlled by the active worker")
	}

	// Take the origin down so only the bucket can answer.
	manager.Wait()
	server.Close()
	transport.CloseIdleConnections()

	r2 := httptest.NewRecorder()
	client.ServeHTTP(r2, req)

	if r2.Header().Get("X-Cache-Status") != "HIT" {
		t.Fatalf("expected HIT, got %s", r2.Header().Get("X-Cache-Status"))
	}
	if r2.Body.String() != "fresh" {
		t.Fatalf("unexpected body: %s", r2.Body.String())
	}

	r3 := httptest.NewRecorder()
	client.ServeHTTP(r3, httptest.NewRequest("GET", "/static/js/main.js", nil))

	if r3.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", r3.Code)
	}
	if r3.Header().Get("X-Cache-Status") != "OFFLINE" {
		t.Fatalf("expected OFFLINE, got %s", r3.Header().Get("X-Cache-Status"))
	}
	if r3.Body.String() != DefaultOfflineBody {
		t.Fatalf("unexpected body: %s", r3.Body.String())
	}

	r4 := httptest.NewRecorder()
	client.ServeHTTP(r4, httptest.NewRequest("GET", "/api/data", nil))

	if r4.Code != http.StatusBadGateway {
		t.Fatalf("expected bypassed request to fail with 502, got %d", r4.Code)
	}
}

func TestProxyHandler_NoActiveWorker(t *testing.T) {

	mux := http.NewServeMux()
	mux.HandleFunc("/", Handler)
	network := HandlerFetcher{Handler: mux}
	origin, _ := url.Parse("http://app.test")

	reg := NewRegistration("/service-worker.js", network, discardLogger())
	client := NewProxyHandler(reg, origin, discardLogger())

	r1 := httptest.NewRecorder()
	client.ServeHTTP(r1, httptest.NewRequest("GET", "/", nil))

	if r1.Code != http.StatusOK || r1.Body.String() != "fresh" {
		t.Fatalf("expected pass-through 200 fresh, got %d %s", r1.Code, r1.Body.String())
	}
	if status := r1.Header().Get("X-Cache-Status"); status != "" {
		t.Fatalf("expected no cache status, got %s", status)
	}
}

func TestProxyHandler_StripsHopByHopHeaders(t *testing.T) {

	var seen http.Header
	network := FetcherFunc(func(req *http.Request) (*http.Response, error) {
		seen = req.Header
		recorder := NewResponseRecorder(0)
		recorder.Header().Set("Connection", "close")
		recorder.Header().Set("Content-Type", "text/plain")
		recorder.Write([]byte("ok"))
		return recorder.Result(req), nil
	})
	origin, _ := url.Parse("http://app.test")
	client := NewProxyHandler(NewRegistration("/service-worker.js", network, discardLogger()), origin, discardLogger())

	req := httptest.NewRequest("GET", "/page", nil)
	req.Header.Set("Proxy-Authorization", "secret")
	req.Header.Set("Accept", "text/html")
	r1 := httptest.NewRecorder()
	client.ServeHTTP(r1, req)

	if seen.Get("Proxy-Authorization") != "" {
		t.Fatalf("hop-by-hop request header forwarded")
	}
	if seen.Get("Accept") != "text/html" {
		t.Fatalf("end-to-end request header dropped")
	}
	if r1.Header().Get("Connection") != "" {
		t.Fatalf("hop-by-hop response header forwarded")
	}
	if r1.Header().Get("Content-Type") != "text/plain" {
		t.Fatalf("unexpected content type: %s", r1.Header().Get("Content-Type"))
	}
}

func Handler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("fresh"))
}
