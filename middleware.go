package offlinecache

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// NewClientMiddleware returns middleware that records the page named by the
// X-Client-ID header as an open client of the registration before serving it.
func NewClientMiddleware(reg *Registration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
			if id := request.Header.Get(ClientIDHeader); id != "" {
				reg.OpenClient(id)
			}
			next.ServeHTTP(responseWriter, request)
		})
	}
}

// NewProxyHandler serves every request from origin through the registration's active
// worker. A network failure on a bypassed request surfaces to the page as 502.
func NewProxyHandler(reg *Registration, origin *url.URL, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		written := false
		// Protect against panics so we can still return a 500
		defer func() {
			if p := recover(); p != nil {
				logger.Error("Proxy panicked", slog.Any("panic", p), slog.String("path", request.URL.Path))
				if !written {
					http.Error(responseWriter, "internal server error", http.StatusInternalServerError)
				}
			}
		}()

		outbound := request.Clone(request.Context())
		outbound.URL = origin.ResolveReference(&url.URL{
			Path:     request.URL.Path,
			RawPath:  request.URL.RawPath,
			RawQuery: request.URL.RawQuery,
		})
		outbound.Host = outbound.URL.Host
		outbound.RequestURI = ""
		outbound.Header = stripHopByHop(request.Header)

		response, err := reg.Fetch(outbound)
		if err != nil {
			logger.Warn("Upstream request failed", slog.String("url", outbound.URL.String()), slog.Any("error", err))
			written = true
			http.Error(responseWriter, "bad gateway", http.StatusBadGateway)
			return
		}
		defer response.Body.Close()

		// Must set headers BEFORE WriteHeader
		for headerKey, headerValues := range stripHopByHop(response.Header) {
			for _, headerValue := range headerValues {
				responseWriter.Header().Add(headerKey, headerValue)
			}
		}
		if status := response.Header.Get(CacheStatusHeader); status != "" {
			responseWriter.Header().Set(CacheStatusHeader, status)
		}
		written = true
		responseWriter.WriteHeader(response.StatusCode)
		if _, err := io.Copy(responseWriter, response.Body); err != nil {
			logger.Debug("Failed to copy response body", slog.Any("error", err))
		}
	})
}
