package offlinecache

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(DefaultExcludedPatterns)

	tests := []struct {
		method string
		url    string
		want   Classification
	}{
		{http.MethodGet, "http://app.test/", ClassCacheable},
		{http.MethodGet, "https://app.test/static/js/main.js", ClassCacheable},
		{http.MethodGet, "https://cdn.example.com/bootstrap.min.css", ClassCacheable},
		{http.MethodGet, "http://app.test/api/models", ClassBypass},
		{http.MethodGet, "http://app.test/optimize-cv", ClassBypass},
		{http.MethodGet, "http://app.test/page?next=/upload-cv", ClassBypass},
		{http.MethodGet, "http://app.test/reports/analyze-cv/1", ClassBypass},
		{http.MethodPost, "http://app.test/", ClassBypass},
		{http.MethodHead, "http://app.test/", ClassBypass},
		{http.MethodGet, "chrome-extension://abc/script.js", ClassBypass},
		{http.MethodGet, "data:text/plain,hello", ClassBypass},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.url, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Classify(req))
			// Pure: a second call gives the same answer.
			assert.Equal(t, tt.want, c.Classify(req))
		})
	}

	assert.Equal(t, ClassBypass, c.Classify(nil))
}

func TestClassifier_CopiesPatterns(t *testing.T) {
	patterns := []string{"/private/"}
	c := NewClassifier(patterns)
	patterns[0] = "/public/"

	req, err := http.NewRequest(http.MethodGet, "http://app.test/private/x", nil)
	require.NoError(t, err)
	assert.Equal(t, ClassBypass, c.Classify(req))
	assert.Equal(t, "bypass", ClassBypass.String())
	assert.Equal(t, "cacheable", ClassCacheable.String())
}

func TestOfflineFallback(t *testing.T) {
	s := OfflineFallback("")
	assert.Equal(t, http.StatusServiceUnavailable, s.Status)
	assert.Equal(t, "Service Unavailable", s.Reason)
	assert.Equal(t, DefaultOfflineBody, s.Body)

	req, err := http.NewRequest(http.MethodGet, "http://app.test/", nil)
	require.NoError(t, err)
	first := s.HTTPResponse(req)
	first.Header.Set("X-Mutated", "1")

	second := s.HTTPResponse(req)
	assert.Empty(t, second.Header.Get("X-Mutated"), "every response gets its own headers")
	assert.Equal(t, "text/plain; charset=utf-8", second.Header.Get("Content-Type"))
	assert.Equal(t, int64(len(DefaultOfflineBody)), second.ContentLength)
	assert.Equal(t, DefaultOfflineBody, readBody(t, second))
}

func TestDefaultKeyGenerator(t *testing.T) {
	a, err := http.NewRequest(http.MethodGet, "http://app.test/page?x=1#top", nil)
	require.NoError(t, err)
	b, err := http.NewRequest(http.MethodGet, "http://app.test/page?x=1", nil)
	require.NoError(t, err)

	assert.Equal(t, "GET:http://app.test/page?x=1", DefaultKeyGenerator(a))
	assert.Equal(t, DefaultKeyGenerator(a), DefaultKeyGenerator(b))

	empty := b.Clone(b.Context())
	empty.Method = ""
	assert.Equal(t, DefaultKeyGenerator(b), DefaultKeyGenerator(empty), "an empty method is a GET")
}

func TestStripHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Trace, Keep-Alive")
	h.Set("X-Trace", "abc")
	h.Set("Content-Type", "text/css")
	h.Set(CacheStatusHeader, "HIT")

	out := stripHopByHop(h)
	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get("X-Trace"))
	assert.Empty(t, out.Get(CacheStatusHeader))
	assert.Equal(t, "text/css", out.Get("Content-Type"))
	assert.Equal(t, "abc", h.Get("X-Trace"), "input is not modified")

	assert.NotNil(t, stripHopByHop(nil))
}
