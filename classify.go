package offlinecache

import (
	"net/http"
	"strings"
)

// Classification is the interception decision for a request.
type Classification int

const (
	// ClassBypass requests go straight to the network and never touch a bucket.
	ClassBypass Classification = iota
	// ClassCacheable requests go through the retrieval strategy.
	ClassCacheable
)

func (c Classification) String() string {
	switch c {
	case ClassBypass:
		return "bypass"
	case ClassCacheable:
		return "cacheable"
	default:
		return "unknown"
	}
}

// Classifier decides which requests are intercepted. It holds no mutable state.
type Classifier struct {
	ExcludedPatterns []string
}

// NewClassifier copies patterns so later changes by the caller have no effect.
func NewClassifier(patterns []string) *Classifier {
	return &Classifier{ExcludedPatterns: append([]string(nil), patterns...)}
}

// Classify is a pure function of the request's URL and method.
func (c *Classifier) Classify(r *http.Request) Classification {
	if r == nil || r.URL == nil {
		return ClassBypass
	}
	switch strings.ToLower(r.URL.Scheme) {
	case "http", "https":
	default:
		return ClassBypass
	}
	// HEAD and every mutating method are not safe-cacheable.
	if r.Method != http.MethodGet && r.Method != "" {
		return ClassBypass
	}
	raw := r.URL.String()
	for _, pattern := range c.ExcludedPatterns {
		if pattern != "" && strings.Contains(raw, pattern) {
			return ClassBypass
		}
	}
	return ClassCacheable
}
