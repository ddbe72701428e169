// Package admission decides, per request, whether traffic is forwarded:
// identity extraction, tenant lookup, upstream health gate, tier cascade
// acquisition, and connection accounting around the forward. Every request
// leaves with exactly one recorded outcome.
package admission

import (
	"bufio"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/observability"
	"github.com/gatehouse/gatehouse/internal/proxy"
	"github.com/gatehouse/gatehouse/internal/ratelimit"
	"github.com/gatehouse/gatehouse/internal/registry"
	"github.com/gatehouse/gatehouse/internal/upstream"
)

var tracer = otel.Tracer("gatehouse.admission")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// requestIDRng is a per-goroutine-safe CSPRNG seeded from crypto/rand.
// ChaCha8 is cryptographically strong and avoids a syscall per ID
// (unlike crypto/rand.Read), which reduces latency under high concurrency.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		v := requestIDRng.Uint64()
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Rejects IDs that are too long or contain non-printable / injection characters.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// jsonErrorResponse is the structured error body returned by Gatehouse.
type jsonErrorResponse struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

// writeJSONError writes a structured JSON error response. The Content-Type
// is set to application/json. Any existing rate-limit headers are preserved.
func writeJSONError(w http.ResponseWriter, code int, errType, message string, retryAfter float64) {
	resp := jsonErrorResponse{
		Error:      errType,
		Message:    message,
		RetryAfter: retryAfter,
		RequestID:  w.Header().Get(requestIDHeader),
	}
	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// cryptoRandFloat64 returns a cryptographically random float64 in [0, 1).
func cryptoRandFloat64() float64 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces (http.Hijacker, http.Flusher, etc.).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher so that SSE streaming works even with
// middleware or handlers that assert w.(http.Flusher) directly instead of
// using Unwrap().
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required for the WebSocket relay behind the pipeline.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := sw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// decision accumulates what the pipeline learned about one request, for
// the access log and metrics recorded on the way out.
type decision struct {
	outcome    observability.Outcome
	consumer   registry.Consumer
	identified bool
}

// Pipeline is the admission chain in front of the proxy. One instance
// serves all tenants; the identity resolver and upstream resolver are
// hot-swappable so a config reload never drops in-flight requests.
type Pipeline struct {
	state    *registry.State
	next     http.Handler
	identity atomic.Pointer[IdentityResolver]
	resolver atomic.Pointer[upstream.Resolver]

	probeInterval time.Duration
	logger        *slog.Logger
	metrics       *observability.Metrics
}

// NewPipeline builds the admission pipeline from cfg. next receives only
// admitted requests, each carrying its upstream target in the context.
func NewPipeline(
	state *registry.State,
	next http.Handler,
	cfg *config.Config,
	logger *slog.Logger,
	metrics *observability.Metrics,
) (*Pipeline, error) {
	p := &Pipeline{
		state:         state,
		next:          next,
		probeInterval: config.MustParseDuration(cfg.Upstream.Health.Interval, 10*time.Second),
		logger:        logger,
		metrics:       metrics,
	}

	identity, err := NewIdentityResolver(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	resolver, err := upstream.NewResolver(cfg.Upstream)
	if err != nil {
		identity.Close()
		return nil, fmt.Errorf("upstream resolver: %w", err)
	}
	p.identity.Store(identity)
	p.resolver.Store(&resolver)
	return p, nil
}

// Reload swaps in the identity and upstream resolvers described by cfg.
// In-flight requests keep the instances they loaded; the old identity
// cache is closed, which its readers tolerate.
func (p *Pipeline) Reload(cfg *config.Config) error {
	identity, err := NewIdentityResolver(cfg.Identity)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	resolver, err := upstream.NewResolver(cfg.Upstream)
	if err != nil {
		identity.Close()
		return fmt.Errorf("upstream resolver: %w", err)
	}

	old := p.identity.Swap(identity)
	p.resolver.Store(&resolver)
	if old != nil {
		old.Close()
	}
	return nil
}

// Close releases the identity cache.
func (p *Pipeline) Close() {
	if identity := p.identity.Load(); identity != nil {
		identity.Close()
	}
}

// ServeHTTP runs one request through identity, tenant lookup, health gate,
// tier cascade, and connection accounting, then forwards or rejects.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	// Propagate or generate X-Request-Id for request correlation.
	// Validate client-supplied IDs to prevent CRLF injection and log pollution.
	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	// Continue an inbound W3C trace if the caller sent one.
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := tracer.Start(ctx, "gatehouse.admission")
	r = r.WithContext(ctx)

	d := &decision{}
	defer func() {
		duration := time.Since(start).Seconds()
		p.metrics.RecordRequest(d.outcome, duration)
		p.logAccess(r, sw.code, d, duration, reqID)
		span.SetAttributes(
			attribute.String("outcome", string(d.outcome)),
			attribute.Int("http.status_code", sw.code),
		)
		span.End()
		sw.ResponseWriter = nil // prevent dangling reference
		statusWriterPool.Put(sw)
	}()
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("panic in admission pipeline",
				"panic", rec, "path", r.URL.Path, "request_id", reqID)
			if d.outcome == "" {
				d.outcome = observability.OutcomeResolveFailed
			}
			if !sw.written {
				writeJSONError(sw, http.StatusInternalServerError, "internal_error", "internal server error", 0)
			}
		}
	}()

	p.serve(sw, r, d)
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, d *decision) {
	key := p.identity.Load().Resolve(r)
	if key == "" {
		d.outcome = observability.OutcomeAuthRejected
		writeJSONError(w, http.StatusUnauthorized, "auth_rejected", "no recognizable tenant credentials", 0)
		return
	}

	consumer, ok := p.state.Consumers.Get(key)
	if !ok {
		d.outcome = observability.OutcomeAuthRejected
		writeJSONError(w, http.StatusUnauthorized, "auth_rejected", "unknown token", 0)
		return
	}
	d.consumer = consumer
	d.identified = true

	if !p.state.UpstreamHealthy() {
		d.outcome = observability.OutcomeUnhealthy
		retrySeconds := math.Ceil(p.probeInterval.Seconds())
		if retrySeconds < 1 {
			retrySeconds = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retrySeconds))
		writeJSONError(w, http.StatusServiceUnavailable, "upstream_unhealthy",
			"upstream is not accepting traffic", retrySeconds)
		return
	}

	// A consumer whose tier is gone is not admitted on stale policy.
	cascade, ok := p.state.Tiers.CascadeFor(consumer.Tier)
	if !ok {
		d.outcome = observability.OutcomeTierMissing
		writeJSONError(w, http.StatusServiceUnavailable, "tier_missing",
			fmt.Sprintf("tier %q is not provisioned", consumer.Tier), 0)
		return
	}

	dec := cascade.Acquire()
	setRateLimitHeaders(w, dec)
	if !dec.Allowed {
		d.outcome = observability.OutcomeRateLimited
		p.metrics.IncRateLimited(consumer.Tier)
		serveRateLimited(w, dec)
		return
	}

	target, err := (*p.resolver.Load()).Resolve(consumer)
	if err != nil {
		d.outcome = observability.OutcomeResolveFailed
		p.logger.Error("upstream resolution failed", "error", err, "consumer", consumer.String())
		writeJSONError(w, http.StatusServiceUnavailable, "resolve_failed",
			"no upstream available for this tenant", 0)
		return
	}

	d.outcome = observability.OutcomeAdmitted
	count := p.state.Consumers.Acquire(key)
	p.metrics.SetActiveConnections(consumer.String(), count)
	defer func() {
		// Runs after the forward returns or panics, so long-lived streams
		// and WebSocket sessions are counted for their full lifetime.
		remaining := p.state.Consumers.Release(key)
		p.metrics.SetActiveConnections(consumer.String(), remaining)
	}()

	// The forward copies these headers upstream, so the upstream joins the
	// trace as a child of the admission span.
	otel.GetTextMapPropagator().Inject(r.Context(), propagation.HeaderCarrier(r.Header))

	p.next.ServeHTTP(w, proxy.WithTarget(r, target))
}

// logAccess writes one line per request. The auth token never appears in
// logs; consumers are identified by namespace.portname.
func (p *Pipeline) logAccess(r *http.Request, status int, d *decision, duration float64, reqID string) {
	level := slog.LevelInfo
	switch d.outcome {
	case observability.OutcomeAuthRejected, observability.OutcomeRateLimited, observability.OutcomeUnhealthy:
		level = slog.LevelDebug
	case observability.OutcomeTierMissing:
		level = slog.LevelWarn
	case observability.OutcomeResolveFailed:
		level = slog.LevelError
	}

	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"outcome", string(d.outcome),
		"duration_seconds", duration,
		"request_id", reqID,
	}
	if d.identified {
		attrs = append(attrs, "consumer", d.consumer.String(), "tier", d.consumer.Tier)
	}
	p.logger.Log(r.Context(), level, "request", attrs...)
}

// setRateLimitHeaders writes standard rate-limit headers on every response
// that consulted the cascade.
// See https://datatracker.ietf.org/doc/draft-ietf-httpapi-ratelimit-headers/
func setRateLimitHeaders(w http.ResponseWriter, dec ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
}

func serveRateLimited(w http.ResponseWriter, dec ratelimit.Decision) {
	// Apply +/-10% jitter to retry timing to prevent thundering herd and
	// avoid leaking precise token-bucket refill timing.
	jitterFactor := 0.9 + cryptoRandFloat64()*0.2 // [0.9, 1.1)
	retryDuration := time.Duration(float64(dec.RetryAfter) * jitterFactor)
	retrySeconds := math.Ceil(retryDuration.Seconds())
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retrySeconds))
	w.Header().Set("X-Retry-In", retryDuration.String())
	writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "Too Many Requests", retrySeconds)
}
