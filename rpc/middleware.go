package rpc

import (
	"bufio"
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"taskescrow/core"
	"taskescrow/crypto"
)

type contextKey string

const (
	requestIDContextKey contextKey = "request_id"
	callerContextKey    contextKey = "caller"

	headerRequestID = "X-Request-ID"
	headerCaller    = "X-Caller"

	visitorTTL = 5 * time.Minute
)

// RateLimit bounds requests per caller. A zero RequestsPerMinute disables the
// limiter.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// caller resolves the X-Caller header. Requests without one carry no caller
// and are rejected by every state-changing route.
func (s *Server) caller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(headerCaller))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			writeCodedError(w, core.CodeInvalidParameters, "invalid X-Caller: "+err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), callerContextKey, addr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFrom(ctx context.Context) ([20]byte, bool) {
	addr, ok := ctx.Value(callerContextKey).([20]byte)
	return addr, ok
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// observe records latency and status per route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := s.clock().Sub(start)
		s.metrics.ObserveRequest(route, recorder.status, elapsed)
		s.logger.Debug("request served",
			"method", r.Method,
			"route", route,
			"status", recorder.status,
			"request_id", requestIDFrom(r.Context()),
			"duration_ms", elapsed.Milliseconds())
	})
}

// Hijack lets the websocket handshake take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	// clientShare scales the per-caller limit into the budget shared by every
	// identity presented from one client address.
	clientShare   = 4
	maxVisitors   = 4096
	sweepInterval = time.Minute
)

type rateLimiter struct {
	limit     RateLimit
	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiter(limit RateLimit, now func() time.Time) *rateLimiter {
	return &rateLimiter{limit: limit, visitors: make(map[string]*visitor), now: now}
}

func (l *rateLimiter) enabled() bool {
	return l != nil && l.limit.RequestsPerMinute > 0
}

// allow charges the client address bucket and then, when the request names a
// caller, that caller's bucket. Rotating X-Caller values therefore stays
// within the client's share.
func (l *rateLimiter) allow(client, caller string) bool {
	if !l.enabled() {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) >= sweepInterval {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(l.visitors, key)
			}
		}
		l.lastSweep = now
	}
	if !l.visitor("client:"+client, clientShare, now).AllowN(now, 1) {
		return false
	}
	if caller == "" {
		return true
	}
	return l.visitor("caller:"+caller, 1, now).AllowN(now, 1)
}

func (l *rateLimiter) visitor(key string, share int, now time.Time) *rate.Limiter {
	entry, ok := l.visitors[key]
	if !ok {
		if len(l.visitors) >= maxVisitors {
			l.evictOldest()
		}
		burst := l.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		perSecond := l.limit.RequestsPerMinute / 60.0 * float64(share)
		entry = &visitor{limiter: rate.NewLimiter(rate.Limit(perSecond), burst*share)}
		l.visitors[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

func (l *rateLimiter) evictOldest() {
	var (
		oldest string
		seen   time.Time
	)
	for key, v := range l.visitors {
		if oldest == "" || v.lastSeen.Before(seen) {
			oldest, seen = key, v.lastSeen
		}
	}
	delete(l.visitors, oldest)
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// throttle applies the per-client and per-caller limiters.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var caller string
		if addr, ok := callerFrom(r.Context()); ok {
			caller = crypto.FormatAddress(addr)
		}
		if !s.limiter.allow(clientID(r), caller) {
			s.metrics.ObserveThrottle(r.URL.Path)
			writeCodedError(w, codeRateLimited, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID keys the client bucket by the connection's remote host. Forwarding
// headers are client supplied and ignored.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireAdmin guards operator routes behind a static bearer token. Without a
// configured token the routes are disabled.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeCodedError(w, core.CodeUnauthorized, "admin api disabled")
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if header == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeCodedError(w, core.CodeUnauthorized, "invalid admin credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}
