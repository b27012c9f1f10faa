// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package gatekeeper assembles the governance engine, its HTTP
// middleware and the admin surface into a runnable peer.
package gatekeeper

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/http/requestid"
	"storj.io/gatekeeper/pkg/govern"
	"storj.io/gatekeeper/pkg/httpserver"
	"storj.io/gatekeeper/pkg/middleware"
	"storj.io/gatekeeper/pkg/trustedip"
)

// Error is a class of gatekeeper errors.
var Error = errs.Class("gatekeeper")

// Config is the peer configuration.
type Config struct {
	Address     string        `help:"address for the HTTP listener" default:":20010"`
	AddressTLS  string        `help:"address for the HTTPS listener" default:":20011"`
	CertFile    string        `help:"server certificate file, HTTPS is disabled when empty" default:""`
	KeyFile     string        `help:"key file for the server certificate" default:""`
	IdleTimeout time.Duration `help:"maximum idle time for keep-alive connections" default:"60s"`

	TrustedProxies string `help:"peers whose forwarding headers are honored: 'none', '*', or comma-separated IPs" default:"none"`

	Govern govern.Config
}

// Peer is the governance gateway: it evaluates every proxied request
// against the engine before handing it to the protected API.
type Peer struct {
	log    *zap.Logger
	engine *govern.Engine
	server *httpserver.Server
}

// New constructs a Peer from config. The protected handler is what the
// gateway fronts; everything under /api/ passes through governance
// before reaching it.
func New(ctx context.Context, log *zap.Logger, protected http.Handler, config Config) (*Peer, error) {
	trusted, err := trustedip.NewList(config.TrustedProxies)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	engine, err := govern.New(ctx, log.Named("govern"), config.Govern)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	peer := &Peer{
		log:    log,
		engine: engine,
	}

	r := mux.NewRouter()
	r.Use(requestid.AddToContext)

	r.HandleFunc("/health", peer.healthCheck).Methods(http.MethodGet)

	adminRouter := r.PathPrefix("/admin").Subrouter()
	adminRouter.Use(middleware.NewLogRequests(log, trusted))
	adminRouter.Use(middleware.NewLogResponses(log, trusted))
	adminRouter.HandleFunc("/stats", peer.getStatistics).Methods(http.MethodGet)
	adminRouter.HandleFunc("/bans/{identity}", peer.liftBan).Methods(http.MethodDelete)

	apiRouter := r.PathPrefix("/api/").Subrouter()
	apiRouter.Use(middleware.NewLogRequests(log, trusted))
	apiRouter.Use(middleware.NewLogResponses(log, trusted))
	apiRouter.Use(middleware.NewPrincipal(log.Named("principal")))
	apiRouter.Use(middleware.NewGovernance(log.Named("govern"), engine, trusted))
	apiRouter.PathPrefix("/").Handler(protected)

	var tlsConfig *httpserver.TLSConfig
	if config.CertFile != "" {
		tlsConfig = &httpserver.TLSConfig{
			CertFile: config.CertFile,
			KeyFile:  config.KeyFile,
		}
	}

	server, err := httpserver.New(log, r, httpserver.Config{
		Address:     config.Address,
		AddressTLS:  config.AddressTLS,
		TLS:         tlsConfig,
		IdleTimeout: config.IdleTimeout,
	})
	if err != nil {
		return nil, errs.Combine(Error.Wrap(err), engine.Close())
	}
	peer.server = server

	return peer, nil
}

// Run serves requests and runs the engine's janitor until ctx is
// canceled.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return peer.engine.Run(ctx)
	})
	group.Go(func() error {
		return peer.server.Run(ctx)
	})

	return Error.Wrap(group.Wait())
}

// Close shuts down the server and releases the engine.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.server.Shutdown(),
		peer.engine.Close())
}

// Address returns the address the peer is listening on.
func (peer *Peer) Address() string {
	return peer.server.Addr()
}

func (peer *Peer) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (peer *Peer) getStatistics(w http.ResponseWriter, r *http.Request) {
	stats := peer.engine.Statistics()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		peer.log.Error("failed to encode statistics", zap.Error(err))
	}
}

func (peer *Peer) liftBan(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	if !peer.engine.LiftBan(identity) {
		http.Error(w, "no ban for identity", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
