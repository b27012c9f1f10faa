// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"gopkg.in/webhelp.v1/whmon"
	"gopkg.in/webhelp.v1/whroute"

	"storj.io/gatekeeper/pkg/govern"
	"storj.io/gatekeeper/pkg/govern/abuse"
	"storj.io/gatekeeper/pkg/govern/limits"
	"storj.io/gatekeeper/pkg/trustedip"
)

var mon = monkit.Package()

// Governance evaluates every request against engine and enforces the
// decision: rejected requests get a 429 with a Retry-After header,
// admitted ones are held for the advisory pacing delay and then served.
// After the handler finishes, the response status is fed back so the
// engine can observe error rates.
func Governance(log *zap.Logger, engine *govern.Engine, trusted trustedip.List, h http.Handler) http.Handler {
	return whmon.MonitorResponse(whroute.HandlerFunc(h,
		func(w http.ResponseWriter, r *http.Request) {
			rw := w.(whmon.ResponseWriter)
			ctx := r.Context()
			defer mon.TaskNamed("Governance")(&ctx)(nil)

			req := govern.Request{
				ClientTier: limits.TierGuest,
				Path:       r.URL.Path,
			}
			if principal, ok := GetPrincipal(ctx); ok {
				req.ClientIdentity = principal.ID
				req.ClientTier = principal.Tier
				req.PartnerTag = principal.Partner
			} else {
				req.ClientIdentity = "ip:" + trustedip.GetClientIP(trusted, r)
			}

			decision := engine.Evaluate(ctx, req)
			if !decision.Allow {
				log.Debug("request rejected",
					zap.String("identity", req.ClientIdentity),
					zap.String("reason", decision.Reason),
					zap.Duration("retry-after", decision.RetryAfter))

				rw.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
				http.Error(rw, decision.Reason, http.StatusTooManyRequests)
				return
			}

			if decision.Delay > 0 && !sleep(ctx, decision.Delay) {
				// The client went away while being paced; there is
				// nothing left to serve.
				return
			}

			h.ServeHTTP(rw, r)

			if !rw.WroteHeader() {
				rw.WriteHeader(http.StatusOK)
			}

			kind := abuseKind(rw.StatusCode())
			engine.NotifyOutcome(ctx, govern.Outcome{
				ClientIdentity: req.ClientIdentity,
				Kind:           kind,
			})
		}))
}

// NewGovernance is a convenience wrapper around Governance that returns
// it as mux.MiddlewareFunc.
func NewGovernance(log *zap.Logger, engine *govern.Engine, trusted trustedip.List) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return Governance(log, engine, trusted, h)
	}
}

// retryAfterSeconds renders d as the whole seconds the Retry-After
// header requires, rounding up so clients never retry early.
func retryAfterSeconds(d time.Duration) string {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}

// abuseKind classifies a response status for the abuse detector. Any
// 4xx or 5xx counts as an error: both client probing and server trouble
// show up as elevated error rates.
func abuseKind(status int) abuse.Kind {
	if status >= 400 {
		return abuse.KindRequestError
	}
	return abuse.KindRequestOK
}

// sleep waits for d and reports whether the wait completed before ctx
// was canceled.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
