package offlinecache

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/spdeepak/offlinecache/internal/metrics"
)

// InstallPolicy controls how the bootstrap asset list is populated on install.
type InstallPolicy string

const (
	// InstallEager fetches every bootstrap asset; any failure fails the whole install.
	InstallEager InstallPolicy = "eager"
	// InstallMinimal stores only the app shell and never fails on fetch errors.
	InstallMinimal InstallPolicy = "minimal"
)

const (
	StrategyNetworkFirst = "network-first"
	StrategyCacheFirst   = "cache-first"
)

// DefaultAssets is the bootstrap manifest of the CV optimizer app shell.
var DefaultAssets = []string{
	"/",
	"/static/css/custom.css",
	"/static/js/main.js",
	"/static/manifest.json",
}

// DefaultExcludedPatterns are URL substrings that always bypass the cache.
var DefaultExcludedPatterns = []string{
	"/api/",
	"/optimize-cv",
	"/upload-cv",
	"/analyze-cv",
}

// DefaultOfflineBody is the text of the synthetic 503 response.
const DefaultOfflineBody = "Application is not available offline"

// Config holds the cache manager settings.
type Config struct {
	// Version names the cache bucket. Change it whenever cached asset content changes.
	Version string
	// Origin is the base URL root-relative assets and requests resolve against.
	Origin string
	// Assets is the ordered bootstrap asset list.
	Assets []string
	// ShellPath is the only asset stored under the minimal install policy.
	ShellPath     string
	InstallPolicy InstallPolicy
	// InstallConcurrency bounds parallel asset fetches during an eager install.
	InstallConcurrency int
	// Strategy is the retrieval strategy name for cacheable requests.
	Strategy         string
	ExcludedPatterns []string
	// SkipWaiting promotes the worker as soon as it is installed.
	SkipWaiting bool
	// MaxBodyBytes - do not cache bodies larger than this (0 = unlimited).
	MaxBodyBytes int64
	OfflineBody  string
	KeyGenerator func(*http.Request) string
	// StripHeaders removes headers before storing (hop-by-hop etc).
	StripHeaders func(http.Header) http.Header
	Logger       *slog.Logger
	// Metrics is optional; nil disables collection.
	Metrics *metrics.Metrics
}

// DefaultConfig returns the production defaults for the given version and origin.
func DefaultConfig(version, origin string) *Config {
	return &Config{
		Version:            version,
		Origin:             origin,
		Assets:             append([]string(nil), DefaultAssets...),
		ShellPath:          "/",
		InstallPolicy:      InstallMinimal,
		InstallConcurrency: 4,
		Strategy:           StrategyNetworkFirst,
		SkipWaiting:        true,
		ExcludedPatterns:   append([]string(nil), DefaultExcludedPatterns...),
		MaxBodyBytes:       10 << 20,
		OfflineBody:        DefaultOfflineBody,
		KeyGenerator:       DefaultKeyGenerator,
		StripHeaders:       stripHopByHop,
	}
}

// withDefaults returns a copy of cfg with zero values filled in.
func (cfg Config) withDefaults() *Config {
	if cfg.ShellPath == "" {
		cfg.ShellPath = "/"
	}
	if cfg.InstallPolicy == "" {
		cfg.InstallPolicy = InstallMinimal
	}
	if cfg.InstallConcurrency <= 0 {
		cfg.InstallConcurrency = 4
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyNetworkFirst
	}
	if cfg.ExcludedPatterns == nil {
		cfg.ExcludedPatterns = append([]string(nil), DefaultExcludedPatterns...)
	}
	if cfg.OfflineBody == "" {
		cfg.OfflineBody = DefaultOfflineBody
	}
	if cfg.KeyGenerator == nil {
		cfg.KeyGenerator = DefaultKeyGenerator
	}
	if cfg.StripHeaders == nil {
		cfg.StripHeaders = stripHopByHop
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &cfg
}

func (cfg *Config) validate() (*url.URL, error) {
	if cfg.Version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidConfig)
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil || !origin.IsAbs() {
		return nil, fmt.Errorf("%w: origin %q must be an absolute URL", ErrInvalidConfig, cfg.Origin)
	}
	switch cfg.InstallPolicy {
	case InstallEager, InstallMinimal:
	default:
		return nil, fmt.Errorf("%w: unknown install policy %q", ErrInvalidConfig, cfg.InstallPolicy)
	}
	return origin, nil
}

// DefaultKeyGenerator keys a request by method and absolute URL, ignoring the fragment.
// An empty method is keyed as GET, as net/http sends it.
func DefaultKeyGenerator(r *http.Request) string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return method + ":" + u.String()
}

func stripHopByHop(header http.Header) http.Header {
	// Clone so caller can mutate safely.
	headerClone := header.Clone()
	if headerClone == nil {
		headerClone = make(http.Header)
	}

	for _, k := range []string{
		"Connection", "Proxy-Connection", "Keep-Alive",
		"Proxy-Authenticate", "Proxy-Authorization", "TE",
		"Trailer", "Transfer-Encoding", "Upgrade",
		// Set per response by the manager, never persisted.
		CacheStatusHeader,
	} {
		headerClone.Del(k)
	}
	// Also remove hop-by-hop values referenced by Connection header
	if conn := header.Get("Connection"); conn != "" {
		for _, token := range strings.Split(conn, ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				headerClone.Del(token)
			}
		}
	}
	return headerClone
}
