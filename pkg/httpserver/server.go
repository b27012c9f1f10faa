// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package httpserver hosts the gateway's HTTP and optional HTTPS
// listeners with graceful shutdown.
package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"
)

var mon = monkit.Package()

// DefaultShutdownTimeout is how long Shutdown waits for in-flight
// requests when Config.ShutdownTimeout is unset.
const DefaultShutdownTimeout = 10 * time.Second

// Config holds the HTTP server configuration.
type Config struct {
	// Address is the address to bind the plain HTTP listener to. It
	// must be set.
	Address string

	// AddressTLS is the address to bind the HTTPS listener to. Only
	// used when TLS is configured.
	AddressTLS string

	// TLS enables the HTTPS listener when set.
	TLS *TLSConfig

	// IdleTimeout bounds how long idle keep-alive connections are kept.
	IdleTimeout time.Duration

	// ShutdownTimeout controls how long Shutdown waits for requests to
	// finish. Defaults to DefaultShutdownTimeout; negative closes
	// connections immediately.
	ShutdownTimeout time.Duration
}

// TLSConfig selects where server certificates come from. Exactly one of
// LetsEncrypt, CertDir or CertFile/KeyFile should be used.
type TLSConfig struct {
	// LetsEncrypt obtains a certificate automatically for the single
	// host named in PublicURLs, caching it under ConfigDir.
	LetsEncrypt bool
	PublicURLs  []string
	ConfigDir   string

	// CertDir loads every paired mycert.crt/mycert.key in a directory.
	CertDir string

	// CertFile and KeyFile load one certificate pair.
	CertFile string
	KeyFile  string
}

// Server serves a handler over HTTP and optionally HTTPS.
type Server struct {
	log *zap.Logger

	server          *http.Server
	serverTLS       *http.Server
	listener        net.Listener
	listenerTLS     net.Listener
	shutdownTimeout time.Duration
}

// New binds the listeners and constructs a Server ready to Run.
func New(log *zap.Logger, handler http.Handler, config Config) (*Server, error) {
	switch {
	case config.Address == "":
		return nil, errs.New("server address is required")
	case handler == nil:
		return nil, errs.New("server handler is required")
	}

	tlsConfig, handler, err := configureTLS(config.TLS, handler)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, errs.New("unable to listen on %s: %v", config.Address, err)
	}

	server := &Server{
		log: log,
		server: &http.Server{
			Handler:     handler,
			IdleTimeout: config.IdleTimeout,
			ErrorLog:    zap.NewStdLog(log),
		},
		listener:        listener,
		shutdownTimeout: config.ShutdownTimeout,
	}
	if server.shutdownTimeout == 0 {
		server.shutdownTimeout = DefaultShutdownTimeout
	}

	if tlsConfig != nil {
		listenerTLS, err := net.Listen("tcp", config.AddressTLS)
		if err != nil {
			return nil, errs.Combine(
				errs.New("unable to listen on %s: %v", config.AddressTLS, err),
				listener.Close())
		}
		server.listenerTLS = listenerTLS
		server.serverTLS = &http.Server{
			Handler:     handler,
			TLSConfig:   tlsConfig,
			IdleTimeout: config.IdleTimeout,
			ErrorLog:    zap.NewStdLog(log),
		}
	}

	return server, nil
}

// Run serves until ctx is canceled and Shutdown is called.
func (s *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errgroup.Group

	group.Go(func() error {
		s.log.Info("HTTP server started", zap.String("addr", s.Addr()))
		return ignoreServerClosed(s.server.Serve(s.listener))
	})

	if s.serverTLS != nil {
		group.Go(func() error {
			s.log.Info("HTTPS server started", zap.String("addr", s.AddrTLS()))
			return ignoreServerClosed(s.serverTLS.ServeTLS(s.listenerTLS, "", ""))
		})
	}

	return group.Wait()
}

// Shutdown stops accepting connections and waits up to the configured
// timeout for in-flight requests.
func (s *Server) Shutdown() error {
	var group errgroup.Group

	group.Go(func() error {
		s.log.Info("HTTP server shutting down")
		return shutdownWithTimeout(s.server, s.shutdownTimeout)
	})

	if s.serverTLS != nil {
		group.Go(func() error {
			s.log.Info("HTTPS server shutting down")
			return shutdownWithTimeout(s.serverTLS, s.shutdownTimeout)
		})
	}

	return group.Wait()
}

// Addr returns the bound HTTP address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// AddrTLS returns the bound HTTPS address, or empty without TLS.
func (s *Server) AddrTLS() string {
	if s.listenerTLS == nil {
		return ""
	}
	return s.listenerTLS.Addr().String()
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// BaseTLSConfig returns a tls.Config with strict default settings.
func BaseTLSConfig() *tls.Config {
	return &tls.Config{
		NextProtos:             []string{"h2", "http/1.1"},
		MinVersion:             tls.VersionTLS12,
		SessionTicketsDisabled: true,
	}
}

func configureTLS(config *TLSConfig, handler http.Handler) (*tls.Config, http.Handler, error) {
	if config == nil {
		return nil, handler, nil
	}

	if config.LetsEncrypt {
		return configureLetsEncrypt(config, handler)
	}

	tlsConfig := BaseTLSConfig()

	if config.CertDir != "" {
		certs, err := loadCertsFromDir(config.CertDir)
		if err != nil {
			return nil, nil, err
		}
		tlsConfig.Certificates = certs
		return tlsConfig, handler, nil
	}

	switch {
	case config.CertFile != "" && config.KeyFile != "":
	case config.CertFile == "" && config.KeyFile == "":
		return nil, handler, nil
	default:
		return nil, nil, errs.New("cert file and key file must be provided together")
	}

	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, nil, errs.New("unable to load server keypair: %v", err)
	}
	tlsConfig.Certificates = []tls.Certificate{cert}
	return tlsConfig, handler, nil
}

func loadCertsFromDir(certDir string) ([]tls.Certificate, error) {
	certFiles, err := filepath.Glob(filepath.Join(certDir, "*.crt"))
	if err != nil {
		return nil, errs.New("error reading certificate directory %q: %v", certDir, err)
	}

	var certificates []tls.Certificate
	for _, crt := range certFiles {
		key := crt[:len(crt)-len(".crt")] + ".key"
		if _, err := os.Stat(key); err != nil {
			return nil, errs.New("unable to locate key for cert %s (expecting %s): %v", crt, key, err)
		}

		cert, err := tls.LoadX509KeyPair(crt, key)
		if err != nil {
			return nil, errs.New("unable to load server keypair: %v", err)
		}
		certificates = append(certificates, cert)
	}

	return certificates, nil
}

func configureLetsEncrypt(config *TLSConfig, handler http.Handler) (*tls.Config, http.Handler, error) {
	if len(config.PublicURLs) != 1 {
		return nil, nil, errs.New("exactly one public URL is required for Let's Encrypt")
	}
	parsedURL, err := url.Parse(config.PublicURLs[0])
	if err != nil {
		return nil, nil, errs.Wrap(err)
	}

	certManager := autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(parsedURL.Host),
		Cache:      autocert.DirCache(filepath.Join(config.ConfigDir, ".certs")),
	}

	tlsConfig := BaseTLSConfig()
	tlsConfig.GetCertificate = certManager.GetCertificate
	return tlsConfig, certManager.HTTPHandler(handler), nil
}

func shutdownWithTimeout(server *http.Server, timeout time.Duration) error {
	if timeout < 0 {
		return server.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Shutdown(ctx)
}
