// Package api serves the read-only query surface over stored observations.
//
// Routes: GET /blockchain_metrics, GET /blockchain_metrics/latest, GET /healthz, GET /metrics.
// Data routes are CORS-open, limited per client IP and compressed; list responses carry
// a content ETag for conditional GETs.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zeebo/blake3"

	"github.com/arkiv/chainwatch/internal/api/apitypes"
	"github.com/arkiv/chainwatch/internal/metrics"
	"github.com/arkiv/chainwatch/internal/ratelimit"
	"github.com/arkiv/chainwatch/internal/storage"
)

const (
	DefaultLimit      = 100
	MaxLimit          = apitypes.MaxLimit
	DefaultRateLimit  = 120
	DefaultRateWindow = time.Minute
	DefaultTimeout    = 10 * time.Second
)

type Config struct {
	Store        storage.Reader
	DefaultLimit int
	RateLimit    int // requests per RateWindow per client IP
	RateWindow   time.Duration
	Timeout      time.Duration // per storage read
	Logger       *slog.Logger

	// TrustedProxies are the peers whose X-Forwarded-For is honoured. Empty means the
	// header is ignored and clients are keyed by their socket address.
	TrustedProxies []netip.Prefix
}

type Server struct {
	store        storage.Reader
	defaultLimit int
	limiter      *ratelimit.Window
	timeout      time.Duration
	trusted      []netip.Prefix
	log          *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if cfg.DefaultLimit > MaxLimit {
		cfg.DefaultLimit = MaxLimit
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		store:        cfg.Store,
		defaultLimit: cfg.DefaultLimit,
		limiter:      ratelimit.NewWindow(cfg.RateLimit, cfg.RateWindow),
		timeout:      cfg.Timeout,
		trusted:      cfg.TrustedProxies,
		log:          cfg.Logger,
	}
}

// Handler returns the instrumented route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/blockchain_metrics", s.dataRoute(s.handleRecent))
	mux.Handle("/blockchain_metrics/latest", s.dataRoute(s.handleLatest))
	return instrument(mux)
}

func (s *Server) dataRoute(h http.HandlerFunc) http.Handler {
	return gzipWrap(cors(s.limit(h)))
}

// gzipETagSuffix marks the ETag of a compressed representation so it never equals the
// identity one.
const gzipETagSuffix = "-gzip"

var gzipWrap = func() func(http.Handler) http.HandlerFunc {
	wrap, err := gzhttp.NewWrapper(gzhttp.SuffixETag(gzipETagSuffix))
	if err != nil {
		panic(err)
	}
	return wrap
}()

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), s.defaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	recent, err := s.store.Recent(ctx, limit)
	if err != nil {
		s.log.Error("read recent observations", "op", "read_recent", "limit", limit, "err", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	items := make([]apitypes.Observation, 0, len(recent))
	for _, o := range recent {
		items = append(items, apitypes.FromChain(o))
	}
	body, err := json.Marshal(items)
	if err != nil {
		s.log.Error("encode response", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	etag := contentETag(body)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if matchETag(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	o, err := s.store.Latest(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no observations stored")
		return
	}
	if err != nil {
		s.log.Error("read latest observation", "op", "read_latest", "err", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	body, err := json.Marshal(apitypes.FromChain(o))
	if err != nil {
		s.log.Error("encode response", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// parseLimit accepts an empty value (def) or an integer in 1..MaxLimit. Larger values are capped.
func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > MaxLimit {
		n = MaxLimit
	}
	return n, nil
}

// contentETag is a strong ETag over the response body.
func contentETag(body []byte) string {
	sum := blake3.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func matchETag(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		candidate = strings.Replace(candidate, gzipETagSuffix+`"`, `"`, 1)
		candidate = strings.TrimSuffix(candidate, gzipETagSuffix)
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

func (s *Server) limit(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, s.trusted)
		if !s.limiter.Allow(ip) {
			metrics.APIRateLimited.Inc()
			s.log.Warn("rate limit ip", "ip", ip, "path", r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	})
}

// clientIP returns the socket peer unless it is a trusted proxy. Behind trusted proxies it
// walks X-Forwarded-For from the right and returns the first hop that is not trusted, so
// entries a client prepends itself are never used.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !isTrusted(host, trusted) {
		return host
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
	}
	return host
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseTrustedProxies reads a comma-separated list of IPs and CIDR prefixes.
func ParseTrustedProxies(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.Contains(field, "/") {
			p, err := netip.ParsePrefix(field)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", field, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(field)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", field, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// cors allows GET from any origin and answers preflight requests.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "If-None-Match")
		h.Set("Access-Control-Expose-Headers", "ETag")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	body, _ := json.Marshal(apitypes.Error{Error: msg})
	writeJSON(w, status, body)
}
