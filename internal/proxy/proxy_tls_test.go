package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSignedTLS generates an ephemeral self-signed TLS certificate for tests.
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// startTLSBackend starts a TLS test server with a self-signed certificate,
// optionally speaking HTTP/2.
func startTLSBackend(t *testing.T, handler http.Handler, enableHTTP2 bool) *httptest.Server {
	t.Helper()
	backend := httptest.NewUnstartedServer(handler)
	backend.TLS = selfSignedTLS(t)
	backend.EnableHTTP2 = enableHTTP2
	backend.StartTLS()
	t.Cleanup(backend.Close)
	return backend
}

// TestProxyHTTPSBackends verifies TLS handling on the backend side: https
// targets get a real handshake on both the HTTP/1.1 and HTTP/2 transports,
// and certificate verification is enforced unless explicitly disabled.
func TestProxyHTTPSBackends(t *testing.T) {
	t.Run("HTTP/1.1 request to an https target succeeds with TLS", func(t *testing.T) {
		backend := startTLSBackend(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("X-TLS", "true")
			w.WriteHeader(http.StatusOK)
		}), false)

		p := newTestProxy(t, WithBackendTLSInsecure()) // self-signed cert
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, targeted(t, http.MethodGet, "/api/v1/health", backend.URL))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "true", rr.Header().Get("X-TLS"))
	})

	t.Run("self-signed certificate is rejected without the insecure option", func(t *testing.T) {
		backend := startTLSBackend(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}), false)

		p := newTestProxy(t)
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, targeted(t, http.MethodGet, "/api/v1/health", backend.URL))

		// TLS verification failure surfaces as a bad gateway.
		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})

	t.Run("HTTP/2 request reaches an https HTTP/2 backend end to end", func(t *testing.T) {
		backend := startTLSBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("proto:" + r.Proto))
		}), true)

		p := newTestProxy(t, WithBackendTLSInsecure())
		req := targeted(t, http.MethodGet, "/api/v1/data", backend.URL)
		req.ProtoMajor = 2
		req.Proto = "HTTP/2.0"
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "proto:HTTP/2.0", rr.Body.String())
	})

	t.Run("gRPC over TLS preserves the trailers signal", func(t *testing.T) {
		backend := startTLSBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/grpc", r.Header.Get("Content-Type"))
			assert.Equal(t, "trailers", r.Header.Get("TE"))
			w.WriteHeader(http.StatusOK)
		}), true)

		p := newTestProxy(t, WithBackendTLSInsecure())
		req := targeted(t, http.MethodPost, "/package.Service/Method", backend.URL)
		req.Header.Set("Content-Type", "application/grpc")
		req.ProtoMajor = 2
		req.Proto = "HTTP/2.0"
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("cleartext HTTP/2 targets stay on plain TCP", func(t *testing.T) {
		// An http target routes HTTP/2 through the h2c transport. The
		// HTTP/1.1-only backend cannot answer prior-knowledge HTTP/2, so the
		// forward fails instead of silently downgrading.
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer backend.Close()

		p := newTestProxy(t)
		req := targeted(t, http.MethodPost, "/package.Service/Method", backend.URL)
		req.Header.Set("Content-Type", "application/grpc")
		req.ProtoMajor = 2
		req.Proto = "HTTP/2.0"
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})
}
