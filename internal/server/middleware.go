package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
)

const maxBodyBytes = 32 << 20

// ipLimiter keeps one token bucket per client address. Entries idle for
// longer than idleTTL are swept on access.
type ipLimiter struct {
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	ips      map[string]*clientLimiter
	lastScan time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const idleTTL = 30 * time.Minute

func newIPLimiter(r rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{rate: r, burst: burst, ips: make(map[string]*clientLimiter)}
}

func (l *ipLimiter) get(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastScan) > 5*time.Minute {
		for k, c := range l.ips {
			if now.Sub(c.lastSeen) > idleTTL {
				delete(l.ips, k)
			}
		}
		l.lastScan = now
	}
	c, ok := l.ips[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.ips[ip] = c
	}
	c.lastSeen = now
	return c.limiter
}

// rateLimitMiddleware rejects clients that exceed r requests per second.
func rateLimitMiddleware(r rate.Limit, burst int) mux.MiddlewareFunc {
	l := newIPLimiter(r, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !l.get(clientIP(req), time.Now()).Allow() {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TokenVerifier decides whether a bearer credential may call the API.
type TokenVerifier func(ctx context.Context, token string) bool

// bearerMiddleware checks the bearer credential with verify. Without a
// verifier every request passes.
func bearerMiddleware(verify TokenVerifier) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verify == nil {
				next.ServeHTTP(w, r)
				return
			}
			token := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			}
			if !verify(r.Context(), token) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// gzipMiddleware transparently decodes gzip request bodies and caps body size.
func gzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_encoding", "invalid gzip body")
				return
			}
			defer zr.Close()
			r.Body = http.MaxBytesReader(w, io.NopCloser(zr), maxBodyBytes)
			r.Header.Del("Content-Encoding")
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debugf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}
