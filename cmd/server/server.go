package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/tariel-x/callsignal/internal/config"
)

type serveMode int

const (
	modeLetsEncrypt serveMode = iota
	modeHTTP
	modeSelfSigned
)

const shutdownTimeout = 10 * time.Second

// runServer serves handler until ctx is cancelled, then shuts down gracefully.
func runServer(ctx context.Context, handler http.Handler, cfg *config.Config, mode serveMode, logger *slog.Logger) error {
	errorLog := serverErrorLog(logger)

	var srv, redirect *http.Server

	switch mode {
	case modeHTTP:
		srv = newHTTPServer(":"+cfg.HTTP.Port, handler, errorLog)
		logger.Info("starting HTTP server", "port", cfg.HTTP.Port)

	case modeSelfSigned:
		tlsConfig, err := selfSignedTLSConfig(cfg.HTTP.Domain)
		if err != nil {
			return err
		}
		srv = newHTTPServer(":"+cfg.HTTP.HTTPSPort, handler, errorLog)
		srv.TLSConfig = tlsConfig
		redirect = newHTTPServer(":"+cfg.HTTP.Port, httpsRedirect(cfg.HTTP.HTTPSPort), errorLog)
		logger.Info("starting HTTPS server (self-signed)", "port", cfg.HTTP.HTTPSPort, "domain", cfg.HTTP.Domain)

	default:
		m, err := autocertManager(cfg.HTTP.Domain, logger)
		if err != nil {
			return err
		}
		srv = newHTTPServer(":"+cfg.HTTP.HTTPSPort, handler, errorLog)
		srv.TLSConfig = m.TLSConfig()
		redirect = newHTTPServer(":"+cfg.HTTP.Port, acmeOrRedirect(m), errorLog)
		go startCertificateRenewal(ctx, m, normalizeDomain(cfg.HTTP.Domain), logger)
		logger.Info("starting HTTPS server (Let's Encrypt)", "port", cfg.HTTP.HTTPSPort, "domain", normalizeDomain(cfg.HTTP.Domain))
	}

	errCh := make(chan error, 2)
	if redirect != nil {
		go func() {
			if err := redirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("redirect server: %w", err)
			}
		}()
	}
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if redirect != nil {
		_ = redirect.Shutdown(shutdownCtx)
	}
	return srv.Shutdown(shutdownCtx)
}

func newHTTPServer(addr string, handler http.Handler, errorLog *log.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          errorLog,
	}
}

func httpsRedirect(httpsPort string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		target := "https://" + host + ":" + httpsPort + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

// acmeOrRedirect answers ACME HTTP-01 challenges and redirects everything else.
func acmeOrRedirect(m *autocert.Manager) http.Handler {
	acme := m.HTTPHandler(nil)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/.well-known/acme-challenge/") {
			acme.ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
	})
}

func autocertManager(domain string, logger *slog.Logger) (*autocert.Manager, error) {
	certsDir := getCertsDirectory()
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		return nil, fmt.Errorf("create certs directory: %w", err)
	}

	normalizedDomain := normalizeDomain(domain)
	if normalizedDomain == "localhost" || normalizedDomain == "127.0.0.1" {
		logger.Warn("Let's Encrypt will not work for localhost. Use --self-signed for local development.")
	}

	return &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(_ context.Context, host string) error {
			if normalizeDomain(host) != normalizedDomain {
				return fmt.Errorf("host %q not configured (expected %q)", host, normalizedDomain)
			}
			return nil
		},
		Cache: autocert.DirCache(certsDir),
	}, nil
}

// startCertificateRenewal touches the certificate monthly so autocert renews
// it ahead of expiry.
func startCertificateRenewal(ctx context.Context, m *autocert.Manager, domain string, logger *slog.Logger) {
	select {
	case <-time.After(30 * time.Second):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(30 * 24 * time.Hour)
	defer ticker.Stop()

	for {
		checkAndRenewCertificate(m, domain, logger)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func checkAndRenewCertificate(m *autocert.Manager, domain string, logger *slog.Logger) {
	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
	if err != nil || cert == nil || len(cert.Certificate) == 0 {
		logger.Warn("certificate not available yet", "domain", domain, "error", err)
		return
	}

	leaf := cert.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			logger.Error("parse certificate", "error", err)
			return
		}
	}

	days := int(time.Until(leaf.NotAfter).Hours() / 24)
	logger.Info("certificate expiry", "domain", domain, "days_left", days, "not_after", leaf.NotAfter.Format("2006-01-02"))
	if days < 30 {
		if _, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
			logger.Error("certificate renewal failed", "error", err)
		}
	}
}

func getCertsDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "certs"
	}
	return filepath.Join(filepath.Dir(execPath), "certs")
}

// normalizeDomain lowercases and drops a leading "www.".
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}

func selfSignedTLSConfig(domain string) (*tls.Config, error) {
	hosts := []string{"localhost"}
	if domain != "" {
		hosts = []string{domain}
	}
	certPEM, keyPEM, err := generateSelfSignedCert(hosts, time.Now())
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func generateSelfSignedCert(hosts []string, now time.Time) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	var (
		dnsNames []string
		ipAddrs  []net.IP
	)
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if host, _, err := net.SplitHostPort(h); err == nil {
			h = host
		}
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			ipAddrs = append(ipAddrs, ip)
			continue
		}
		dnsNames = append(dnsNames, h)
	}
	if len(dnsNames) == 0 && len(ipAddrs) == 0 {
		dnsNames = []string{"localhost"}
	}

	var commonName string
	if len(dnsNames) > 0 {
		commonName = dnsNames[0]
	} else {
		commonName = ipAddrs[0].String()
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Callsignal Development"},
			CommonName:   commonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddrs,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	var certBuffer bytes.Buffer
	if err := pem.Encode(&certBuffer, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return nil, nil, fmt.Errorf("failed to encode certificate: %w", err)
	}

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	var keyBuffer bytes.Buffer
	if err := pem.Encode(&keyBuffer, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		return nil, nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	return certBuffer.Bytes(), keyBuffer.Bytes(), nil
}
