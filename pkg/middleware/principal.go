// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package middleware is the HTTP boundary of the governance engine: it
// derives the governed identity from a request, enforces the engine's
// decision and reports how the downstream handler fared.
package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"storj.io/common/useragent"
	"storj.io/gatekeeper/pkg/govern/limits"
)

// Principal is the authenticated caller of a request. Requests without
// one are governed by their network origin instead.
type Principal struct {
	ID      string
	Tier    limits.Tier
	Partner string
}

type principalKey struct{}

// WithPrincipal returns a context carrying principal.
func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// GetPrincipal returns the principal attached to ctx, if any.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(Principal)
	return principal, ok
}

// Header names the principal middleware reads. The upstream
// authentication layer is expected to have verified them; this service
// only translates them into a Principal.
const (
	PrincipalHeader = "X-Principal-Id"
	TierHeader      = "X-Principal-Tier"
)

// NewPrincipal returns a middleware that attaches a Principal to the
// request context from the PrincipalHeader and TierHeader set by the
// upstream authentication proxy. Requests without a principal header
// pass through untouched and are governed anonymously. The partner tag
// comes from the first user agent product, the same way partner traffic
// is attributed elsewhere.
func NewPrincipal(log *zap.Logger) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(PrincipalHeader)
			if id == "" {
				h.ServeHTTP(w, r)
				return
			}

			principal := Principal{
				ID:      id,
				Tier:    limits.ParseTier(r.Header.Get(TierHeader)),
				Partner: userAgentProduct(r.UserAgent()),
			}

			log.Debug("principal resolved",
				zap.String("id", principal.ID),
				zap.String("tier", string(principal.Tier)),
				zap.String("partner", principal.Partner))

			h.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// userAgentProduct returns the first product of the user agent header,
// or empty when there is none.
func userAgentProduct(header string) string {
	agents, err := useragent.ParseEntries([]byte(header))
	if err != nil || len(agents) == 0 {
		return ""
	}
	product := agents[0].Product
	if len(product) > 32 {
		product = product[:32]
	}
	return product
}
