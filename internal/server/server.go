// Package server orchestrates Gatehouse's tenant-facing proxy server, the
// admin server, and the background loops: the control-plane reconciler that
// keeps the registries current and the upstream health monitor that gates
// admission.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/gatehouse/gatehouse/internal/admission"
	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/controlplane"
	"github.com/gatehouse/gatehouse/internal/observability"
	"github.com/gatehouse/gatehouse/internal/proxy"
	"github.com/gatehouse/gatehouse/internal/reconcile"
	"github.com/gatehouse/gatehouse/internal/registry"
	"github.com/gatehouse/gatehouse/internal/upstream"
)

// Option overrides a server dependency, mainly so tests can inject fakes.
type Option func(*Server)

// WithSource replaces the control-plane event source. Production builds the
// Kubernetes source from config; tests feed events directly.
func WithSource(src controlplane.Source) Option {
	return func(s *Server) {
		s.source = src
	}
}

// WithProber replaces the upstream health prober.
func WithProber(p upstream.Prober) Option {
	return func(s *Server) {
		s.prober = p
	}
}

// WithLevelVar hands the server the logger's level var so a config reload
// can change verbosity without a restart.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(s *Server) {
		s.levelVar = lv
	}
}

// Server is the Gatehouse process: both listeners, the registries, and the
// loops that feed them.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	state       *registry.State
	mainServer  *http.Server
	http3Server *http3.Server // nil when HTTP/3 is disabled.
	adminServer *http.Server
	pipeline    *admission.Pipeline
	health      *observability.HealthChecker
	metrics     *observability.Metrics

	source   controlplane.Source // nil when the control plane is disabled.
	prober   upstream.Prober     // nil when no health URL is configured.
	levelVar *slog.LevelVar      // nil unless WithLevelVar.

	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.
}

// New creates a Gatehouse server instance.
func New(cfg *config.Config, logger *slog.Logger, version string, opts ...Option) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		state:   registry.NewState(),
		health:  observability.NewHealthChecker(),
		metrics: observability.NewMetrics(reg, 0),
	}
	for _, o := range opts {
		o(s)
	}

	if cfg.Upstream.TLSInsecureVerify {
		logger.Warn("SECURITY WARNING: upstream TLS certificate verification is DISABLED (tls_insecure_skip_verify=true). " +
			"This should NEVER be used in production — it exposes the proxy to man-in-the-middle attacks.")
	}

	rp := proxy.New(cfg.Upstream, logger, proxy.WithForwardErrorHook(s.metrics.IncForwardErrors))

	pipeline, err := admission.NewPipeline(s.state, rp, cfg, logger, s.metrics)
	if err != nil {
		return nil, fmt.Errorf("create admission pipeline: %w", err)
	}
	s.pipeline = pipeline

	if s.source == nil && cfg.ControlPlane.Enabled {
		src, srcErr := controlplane.NewKubeSource(cfg.ControlPlane, logger)
		if srcErr != nil {
			return nil, fmt.Errorf("control plane: %w", srcErr)
		}
		s.source = src
	}
	if s.prober == nil && cfg.Upstream.Health.URL != "" {
		s.prober = upstream.NewHTTPProber(cfg.Upstream.Health.URL)
	}
	if s.prober != nil {
		s.health.SetProber(s.prober)
	}

	s.mainServer, s.http3Server = buildMainServer(cfg, pipeline, logger)
	s.adminServer = s.buildAdminServer(reg)

	return s, nil
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	readHeaderTimeout, _ := config.ParseDuration(cfg.Server.ReadHeaderTimeout, 10*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 0)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	maxHeaderBytes := cfg.Server.MaxHeaderBytes
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = 1 << 20 // 1 MiB — explicit default to prevent large-header DoS.
	}

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: maxHeaderBytes,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // Disable 0-RTT to prevent replay attacks.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func (s *Server) buildAdminServer(reg *prometheus.Registry) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(s.cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(s.cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(s.cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", s.health.StartzHandler())
	adminMux.Handle("/healthz", s.health.HealthzHandler())
	adminMux.Handle("/readyz", s.health.ReadyzHandler())
	adminMux.HandleFunc("/statz", s.statzHandler)
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	adminMux.HandleFunc("/debug/pprof/", pprof.Index)
	adminMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	adminMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	adminMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	adminMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	}
}

// statzHandler reports registry sizes, upstream health, and the admission
// counters as JSON. Operators hit it to see a live instance at a glance
// without scraping Prometheus.
func (s *Server) statzHandler(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Version         string                        `json:"version"`
		UpstreamHealthy bool                          `json:"upstream_healthy"`
		Consumers       int                           `json:"consumers"`
		Tiers           int                           `json:"tiers"`
		Requests        observability.MetricsSnapshot `json:"requests"`
	}{
		Version:         s.version,
		UpstreamHealthy: s.state.UpstreamHealthy(),
		Consumers:       s.state.Consumers.Len(),
		Tiers:           s.state.Tiers.Len(),
		Requests:        s.metrics.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

// newCertHolder creates and loads the initial certificate.
func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts both servers and the background loops, blocking until the
// context is canceled or a listener fails, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	// Loops are canceled on every exit path, including listener failures.
	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	g, gctx := errgroup.WithContext(loopCtx)

	errCh := make(chan error, 3)

	var rec *reconcile.Reconciler
	if s.source != nil {
		rec = reconcile.NewReconciler(s.state, s.source, s.logger, s.metrics)
		g.Go(func() error { return rec.Run(gctx) })
	}
	if s.prober != nil {
		interval := config.MustParseDuration(s.cfg.Upstream.Health.Interval, 10*time.Second)
		timeout := config.MustParseDuration(s.cfg.Upstream.Health.Timeout, 5*time.Second)
		mon := upstream.NewMonitor(s.state, s.prober, interval, timeout, s.logger, s.metrics)
		g.Go(func() error { return mon.Run(gctx) })
	} else {
		// Without a probe the health gate would shed all traffic forever.
		s.logger.Warn("no upstream health probe configured, assuming healthy")
		s.state.SetUpstreamHealthy(true)
		s.metrics.SetUpstreamHealthy(true)
	}

	go func() {
		if loopErr := g.Wait(); loopErr != nil && !errors.Is(loopErr, context.Canceled) {
			errCh <- fmt.Errorf("background loops: %w", loopErr)
		}
	}()

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	// Wait for the main listener to bind (or fail) before gating readiness
	// on the first registry sync.
	select {
	case <-readyCh:
		s.markReadyWhenSynced(loopCtx, rec)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	cancelLoops()
	return s.shutdown(g)
}

// markReadyWhenSynced flips readiness once the control plane has applied
// its first event, or after the configured grace for empty clusters that
// produce no events at all.
func (s *Server) markReadyWhenSynced(ctx context.Context, rec *reconcile.Reconciler) {
	if rec == nil {
		s.health.SetReady()
		s.logger.Info("gatehouse is ready", "version", s.version)
		return
	}

	grace := config.MustParseDuration(s.cfg.ControlPlane.ReadyGrace, 10*time.Second)
	go func() {
		synced := false
		select {
		case <-rec.Synced():
			synced = true
		case <-time.After(grace):
			s.logger.Warn("control plane sync grace elapsed, serving with current registries",
				"grace", grace)
		case <-ctx.Done():
			return
		}
		s.health.SetReady()
		s.logger.Info("gatehouse is ready", "version", s.version, "synced", synced)
	}()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("proxy server starting",
		"address", s.cfg.Server.Address,
		"control_plane", s.source != nil,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("proxy server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	var err error
	if s.cfg.Server.TLS.Enabled {
		// Create a certHolder for hot-reload support.
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		minVer := max(tlsMinVersion(s.cfg), tls.VersionTLS12)
		tlsCfg := &tls.Config{
			MinVersion:     minVer,
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg

		// Share the same TLS config with the HTTP/3 server so both
		// listeners enforce identical MinVersion and ciphers.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		tlsLn := tls.NewListener(ln, tlsCfg)
		err = s.mainServer.Serve(tlsLn)
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("proxy server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload hot-swaps the identity resolver, upstream resolver, log level, and
// TLS certificates without restarting the server. Fields that require a
// restart are logged and left untouched.
func (s *Server) Reload(newCfg *config.Config) error {
	if restart := newCfg.RequiresRestart(s.cfg); len(restart) > 0 {
		s.logger.Warn("config fields changed that require a restart, ignoring them", "fields", restart)
	}

	if err := s.pipeline.Reload(newCfg); err != nil {
		return err
	}

	if s.levelVar != nil {
		s.levelVar.Set(observability.Level(newCfg.Logging.Level))
		s.logger.Info("log level applied", "level", newCfg.Logging.Level)
	}

	// Reload TLS certificates if TLS is enabled and cert files are configured.
	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	return nil
}

// ReloadCerts re-reads the TLS key pair from disk. The certificate watcher
// calls this when the mounted secret rotates; a no-op without TLS.
func (s *Server) ReloadCerts(certFile, keyFile string) error {
	if s.certs == nil {
		return nil
	}
	return s.certs.Reload(certFile, keyFile)
}

func (s *Server) shutdown(g *errgroup.Group) error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	// Reconcile and health loops exit on cancellation, without the drain
	// timeout: they hold no client connections.
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("background loop error", "error", err)
	}

	s.pipeline.Close()

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
