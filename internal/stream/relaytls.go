package stream

import (
	"crypto/tls"
	"net"
	"net/http"

	"golang.org/x/crypto/acme/autocert"

	"github.com/ripstream/ripstream/internal/config"
)

// wrapAutoSSL wraps ln with a TLS listener backed by Let's Encrypt via
// autocert's HTTP-01 flow, for relay.autossl. Grounded on gocast's
// internal/server/autossl.go (Let's Encrypt ACME certificate
// management for the relay's public endpoint) but traded its manual
// DNS-01 ACME client plumbing for autocert.Manager's HTTP-01 flow:
// the relay listener is a bare TCP accept loop, not an HTTP server, so
// there's no admin panel to drive a multi-step DNS challenge through,
// and HTTP-01 only requires a throwaway port-80 handler.
func wrapAutoSSL(ln net.Listener, cfg config.RelayConfig) (net.Listener, error) {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = "./.ripstream-certs"
	}

	mgr := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(cacheDir),
		HostPolicy: autocert.HostWhitelist(cfg.AutoSSLHost),
	}

	go func() {
		_ = http.ListenAndServe(":80", mgr.HTTPHandler(nil))
	}()

	tlsConfig := &tls.Config{
		GetCertificate: mgr.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"http/1.1", "acme-tls/1"},
	}
	return tls.NewListener(ln, tlsConfig), nil
}
