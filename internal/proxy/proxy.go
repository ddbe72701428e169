// Package proxy implements a multi-protocol reverse proxy supporting HTTP,
// gRPC, Server-Sent Events (SSE), and WebSocket connections. Protocol detection
// is automatic based on request headers and HTTP version.
//
// The forward destination is per-request: the admission pipeline resolves the
// tenant's upstream URL and attaches it to the request context with WithTarget
// before handing the request off.
//
// Architecture:
//   - HTTP/SSE: httputil.ReverseProxy with FlushInterval=-1 for streaming
//   - WebSocket: Connection upgrade + bidirectional TCP relay
//   - gRPC: Transparent HTTP/2 proxy preserving trailers
package proxy

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gatehouse/gatehouse/internal/config"
	"golang.org/x/net/http2"
)

type targetKeyType struct{}

var targetKey targetKeyType

// WithTarget returns a shallow copy of r whose context carries the upstream
// URL the request must be forwarded to.
func WithTarget(r *http.Request, target *url.URL) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), targetKey, target))
}

// TargetFrom returns the upstream URL attached by WithTarget.
func TargetFrom(ctx context.Context) (*url.URL, bool) {
	target, ok := ctx.Value(targetKey).(*url.URL)
	return target, ok
}

// Option configures optional proxy behavior.
type Option func(*Proxy)

// WithBackendTLSInsecure allows skipping TLS certificate verification for
// WebSocket (wss) connections to the backend. Only enable this for trusted
// backends in controlled environments (e.g. mTLS or pod-to-pod within a cluster).
func WithBackendTLSInsecure() Option {
	return func(p *Proxy) {
		p.backendTLSInsecure = true
	}
}

// WithForwardErrorHook registers fn to be called once per failed forward
// attempt (backend unreachable, mid-stream transport error). Client
// disconnects do not count.
func WithForwardErrorHook(fn func()) Option {
	return func(p *Proxy) {
		p.forwardErrorHook = fn
	}
}

// Proxy is a multi-protocol reverse proxy that transparently forwards
// HTTP, gRPC, SSE, and WebSocket traffic to per-request upstream targets.
type Proxy struct {
	httpProxy          *httputil.ReverseProxy
	logger             *slog.Logger
	backendTLSInsecure bool
	wsDialTimeout      time.Duration
	forwardErrorHook   func()
}

// New creates a multi-protocol reverse proxy. The target of each request is
// taken from its context, so one Proxy serves every tenant upstream.
func New(cfg config.UpstreamConfig, logger *slog.Logger, opts ...Option) *Proxy {
	p := &Proxy{
		logger:        logger,
		wsDialTimeout: config.MustParseDuration(cfg.Transport.WebSocketDialTimeout, 10*time.Second),
	}
	if cfg.TLSInsecureVerify {
		p.backendTLSInsecure = true
	}
	for _, o := range opts {
		o(p)
	}

	responseTimeout := config.MustParseDuration(cfg.Timeout, 30*time.Second)
	idleConnTimeout := config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	httpTransport, h2cTransport, h2TLSTransport := buildTransports(
		cfg.Transport, responseTimeout, cfg.MaxIdleConns, idleConnTimeout, p.backendTLSInsecure)

	p.httpProxy = p.buildReverseProxy(httpTransport, h2cTransport, h2TLSTransport)
	return p
}

func buildTransports(
	cfg config.TransportConfig,
	responseTimeout time.Duration,
	maxIdleConns int,
	idleConnTimeout time.Duration,
	tlsInsecure bool,
) (*http.Transport, *http2.Transport, *http2.Transport) {
	dialTimeout := config.MustParseDuration(cfg.DialTimeout, 30*time.Second)
	dialKeepAlive := config.MustParseDuration(cfg.DialKeepAlive, 30*time.Second)
	tlsHandshakeTimeout := config.MustParseDuration(cfg.TLSHandshakeTimeout, 10*time.Second)
	expectContinueTimeout := config.MustParseDuration(cfg.ExpectContinueTimeout, time.Second)
	h2ReadIdleTimeout := config.MustParseDuration(cfg.H2ReadIdleTimeout, 30*time.Second)
	h2PingTimeout := config.MustParseDuration(cfg.H2PingTimeout, 15*time.Second)

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: tlsInsecure, //nolint:gosec // Configurable per-user choice.
	}

	h1 := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		ResponseHeaderTimeout: responseTimeout,
		TLSClientConfig:       tlsCfg,
		ForceAttemptHTTP2:     false, // We handle HTTP/2 separately.
	}

	// The h2c transport carries cleartext HTTP/2 (gRPC between pods); the TLS
	// variant covers https upstreams. Selection happens per request on the
	// target scheme.
	h2c := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: h2ReadIdleTimeout,
		PingTimeout:     h2PingTimeout,
	}

	h2tls := &http2.Transport{
		TLSClientConfig: tlsCfg,
		ReadIdleTimeout: h2ReadIdleTimeout,
		PingTimeout:     h2PingTimeout,
	}

	return h1, h2c, h2tls
}

func (p *Proxy) buildReverseProxy(h1, h2c, h2tls http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			target, ok := TargetFrom(req.Context())
			if !ok {
				return // ServeHTTP rejects targetless requests before this point.
			}
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			if target.Path != "" && target.Path != "/" {
				req.URL.Path = singleJoiningSlash(target.Path, req.URL.Path)
			}
			if req.Header.Get("X-Forwarded-Host") == "" {
				req.Header.Set("X-Forwarded-Host", req.Host)
			}
			if req.Header.Get("X-Forwarded-Proto") == "" {
				proto := "http"
				if req.TLS != nil {
					proto = "https"
				}
				req.Header.Set("X-Forwarded-Proto", proto)
			}
		},
		Transport: &protocolAwareTransport{
			http1:    h1,
			http2c:   h2c,
			http2TLS: h2tls,
		},
		FlushInterval: -1, // Flush immediately for SSE and streaming.
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, proxyErr error) {
			p.logger.Error("proxy error", "error", proxyErr, "path", req.URL.Path)
			if isClientDisconnect(proxyErr) {
				return
			}
			if p.forwardErrorHook != nil {
				p.forwardErrorHook()
			}
			rw.WriteHeader(http.StatusBadGateway)
		},
		ModifyResponse: func(_ *http.Response) error {
			return nil
		},
	}
}

// ServeHTTP handles all incoming requests, routing to the appropriate protocol handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, ok := TargetFrom(r.Context())
	if !ok {
		p.logger.Error("no upstream target on request", "path", r.URL.Path)
		http.Error(w, "no upstream target", http.StatusInternalServerError)
		return
	}

	if isWebSocketUpgrade(r) {
		p.handleWebSocket(w, r, target)
		return
	}

	// For gRPC, ensure TE: trailers is preserved (it's a hop-by-hop header
	// that httputil.ReverseProxy would normally strip).
	if isGRPC(r) {
		r.Header.Set("TE", "trailers")
	}

	p.httpProxy.ServeHTTP(w, r)
}

// handleWebSocket performs a WebSocket upgrade and bidirectional relay.
func (p *Proxy) handleWebSocket(w http.ResponseWriter, r *http.Request, target *url.URL) {
	backendConn, dialErr := p.dialWebSocketBackend(target)
	if dialErr != nil {
		p.logger.Error("websocket: dial backend failed", "error", dialErr, "target", target.Host)
		if p.forwardErrorHook != nil {
			p.forwardErrorHook()
		}
		http.Error(w, "backend unreachable", http.StatusBadGateway)
		return
	}
	defer func() { _ = backendConn.Close() }()

	if writeErr := r.Write(backendConn); writeErr != nil {
		p.logger.Error("websocket: write upgrade request failed", "error", writeErr)
		if p.forwardErrorHook != nil {
			p.forwardErrorHook()
		}
		http.Error(w, "backend write error", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		p.logger.Error("websocket: hijack not supported")
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, hijackErr := hijacker.Hijack()
	if hijackErr != nil {
		p.logger.Error("websocket: hijack failed", "error", hijackErr)
		return
	}
	defer func() { _ = clientConn.Close() }()

	p.relayWebSocket(clientConn, backendConn)
}

// dialWebSocketBackend dials the tenant upstream for a WebSocket connection.
func (p *Proxy) dialWebSocketBackend(target *url.URL) (net.Conn, error) {
	addr := hostPort(target)

	if target.Scheme == "https" || target.Scheme == "wss" {
		dialer := &net.Dialer{Timeout: p.wsDialTimeout}
		return tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: p.backendTLSInsecure, //nolint:gosec // Configurable per-user choice.
		})
	}
	return net.DialTimeout("tcp", addr, p.wsDialTimeout)
}

// closeWriter is implemented by TCP and TLS connections. Half-closing lets
// the peer observe EOF while its own writes still drain.
type closeWriter interface {
	CloseWrite() error
}

// relayWebSocket copies data bidirectionally between client and backend.
func (p *Proxy) relayWebSocket(clientConn, backendConn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if _, cpErr := io.Copy(clientConn, backendConn); cpErr != nil {
			p.logger.Debug("websocket: backend→client copy ended", "error", cpErr)
		}
		if cw, cwOK := clientConn.(closeWriter); cwOK {
			if cwErr := cw.CloseWrite(); cwErr != nil {
				p.logger.Debug("websocket: client CloseWrite", "error", cwErr)
			}
		}
	}()

	go func() {
		defer wg.Done()
		if _, cpErr := io.Copy(backendConn, clientConn); cpErr != nil {
			p.logger.Debug("websocket: client→backend copy ended", "error", cpErr)
		}
		if cw, cwOK := backendConn.(closeWriter); cwOK {
			if cwErr := cw.CloseWrite(); cwErr != nil {
				p.logger.Debug("websocket: backend CloseWrite", "error", cwErr)
			}
		}
	}()

	wg.Wait()
}

// ---------------------------------------------------------------------------
// Protocol detection
// ---------------------------------------------------------------------------

// isGRPC returns true if the request appears to be a gRPC call.
func isGRPC(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")
}

// isWebSocketUpgrade returns true if the request is a WebSocket upgrade.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// IsSSE returns true if the request appears to accept Server-Sent Events.
func IsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// ---------------------------------------------------------------------------
// Protocol-aware transport
// ---------------------------------------------------------------------------

// protocolAwareTransport selects the upstream transport per request. Any
// request that arrived over HTTP/2 (gRPC, plain HTTP/2, h2c) is forwarded
// via an HTTP/2 transport so the protocol is preserved end-to-end; the
// target scheme picks cleartext h2c or TLS. HTTP/1.1 requests use the
// pooled HTTP/1.1 transport, which negotiates TLS from the scheme itself.
type protocolAwareTransport struct {
	http1    http.RoundTripper
	http2c   http.RoundTripper
	http2TLS http.RoundTripper
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.ProtoMajor >= 2 {
		if req.URL.Scheme == "https" {
			return t.http2TLS.RoundTrip(req)
		}
		return t.http2c.RoundTrip(req)
	}
	return t.http1.RoundTrip(req)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// hostPort returns the dialable host:port of u, defaulting the port from
// the scheme when the URL does not carry one.
func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" || u.Scheme == "wss" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")

	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "client disconnected") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
