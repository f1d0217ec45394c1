package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"finsight/internal/log"
	"finsight/internal/monitoring"
)

// DetectionMetrics tracks security detection events
type DetectionMetrics struct {
	SuspiciousRequests int64
	BlockedRequests    int64
}

// Detector flags probing traffic and resolves client addresses behind
// trusted proxies.
type Detector struct {
	counters       *DetectionMetrics
	trustedProxies []*net.IPNet
	block          bool
	metrics        *monitoring.Metrics
}

var (
	suspiciousPatterns = []string{
		"../", "..\\", ".env", "wp-admin", "phpmyadmin",
		"admin.php", "config.php", ".git", ".ssh",
		"eval(", "javascript:", "<script", "union select",
		"etc/passwd", "cmd.exe",
	}
	// API clients legitimately use curl and language HTTP libraries, so
	// only known scanners are listed.
	scannerAgents = []string{
		"sqlmap", "nmap", "nikto", "gobuster", "dirb", "masscan", "zgrab",
	}
	unusualMethods = map[string]bool{"TRACE": true, "TRACK": true, "DEBUG": true, "CONNECT": true}
)

const (
	maxURLLength   = 2048
	maxForwardHops = 5
)

// Option customises a Detector.
type Option func(*Detector)

// WithBlocking makes Middleware refuse suspicious requests instead of only
// logging them.
func WithBlocking(block bool) Option {
	return func(d *Detector) { d.block = block }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithTrustedProxies replaces the default private-network proxy list.
func WithTrustedProxies(cidrs ...string) Option {
	return func(d *Detector) {
		d.trustedProxies = d.trustedProxies[:0]
		for _, c := range cidrs {
			d.trustedProxies = append(d.trustedProxies, parseCIDR(c))
		}
	}
}

// NewDetector creates a new security detector
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		counters: &DetectionMetrics{},
		trustedProxies: []*net.IPNet{
			parseCIDR("127.0.0.0/8"),
			parseCIDR("::1/128"),
			parseCIDR("10.0.0.0/8"),
			parseCIDR("172.16.0.0/12"),
			parseCIDR("192.168.0.0/16"),
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// parseCIDR is a helper to parse CIDR during initialization
func parseCIDR(cidr string) *net.IPNet {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(fmt.Sprintf("failed to parse trusted proxy CIDR %s: %v", cidr, err))
	}
	return network
}

// DetectSuspiciousRequest reports whether r looks like a probe.
func (d *Detector) DetectSuspiciousRequest(r *http.Request) bool {
	suspicious := containsAny(strings.ToLower(r.URL.Path), suspiciousPatterns) ||
		containsAny(strings.ToLower(unescapedQuery(r.URL)), suspiciousPatterns) ||
		containsAny(strings.ToLower(r.Header.Get("User-Agent")), scannerAgents) ||
		unusualMethods[r.Method] ||
		len(r.URL.String()) > maxURLLength ||
		strings.Count(r.Header.Get("X-Forwarded-For"), ",") >= maxForwardHops

	if suspicious {
		atomic.AddInt64(&d.counters.SuspiciousRequests, 1)
	}
	return suspicious
}

func unescapedQuery(u *url.URL) string {
	if q, err := url.QueryUnescape(u.RawQuery); err == nil {
		return q
	}
	return u.RawQuery
}

func containsAny(s string, patterns []string) bool {
	if s == "" {
		return false
	}
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// ExtractClientIP extracts the real client IP, validating forwarded headers
func (d *Detector) ExtractClientIP(r *http.Request) string {
	directIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		directIP = r.RemoteAddr
	}

	parsedDirectIP := net.ParseIP(directIP)
	if parsedDirectIP == nil {
		return directIP
	}

	// Forwarded headers are only honoured from trusted proxies
	if d.isTrustedProxy(parsedDirectIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			clientIP := strings.TrimSpace(first)
			if net.ParseIP(clientIP) != nil {
				return clientIP
			}
		}

		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			if net.ParseIP(xri) != nil {
				return xri
			}
		}
	}

	return directIP
}

func (d *Detector) isTrustedProxy(ip net.IP) bool {
	for _, network := range d.trustedProxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware logs suspicious requests and, with blocking on, answers them
// with 400 before they reach a handler.
func (d *Detector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !d.DetectSuspiciousRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		log.FromContext(ctx).WarnContext(ctx, "Suspicious request",
			log.NewFields().
				WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("User-Agent")).
				WithClientIP(d.ExtractClientIP(r)).
				ToSlice()...)

		if !d.block {
			next.ServeHTTP(w, r)
			return
		}
		atomic.AddInt64(&d.counters.BlockedRequests, 1)
		d.metrics.HTTPRejected("suspicious")
		http.Error(w, "Bad request", http.StatusBadRequest)
	})
}

// GetMetrics returns current security metrics
func (d *Detector) GetMetrics() DetectionMetrics {
	return DetectionMetrics{
		SuspiciousRequests: atomic.LoadInt64(&d.counters.SuspiciousRequests),
		BlockedRequests:    atomic.LoadInt64(&d.counters.BlockedRequests),
	}
}
