// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/webhelp.v1/whmon"
	"gopkg.in/webhelp.v1/whroute"

	"storj.io/common/http/requestid"
	"storj.io/gatekeeper/pkg/httplog"
	"storj.io/gatekeeper/pkg/trustedip"
)

// LogRequests logs requests as they arrive.
func LogRequests(log *zap.Logger, trusted trustedip.List, h http.Handler) http.Handler {
	return whroute.HandlerFunc(h, func(w http.ResponseWriter, r *http.Request) {
		ce := log.Check(zap.DebugLevel, "access")
		if ce == nil {
			h.ServeHTTP(w, r)
			return
		}

		ce.Write([]zapcore.Field{
			zap.String("protocol", r.Proto),
			zap.String("method", r.Method),
			zap.String("host", r.Host),
			zap.String("request-uri", r.RequestURI),
			zap.String("user-agent", r.UserAgent()),
			zap.String("remote-ip", trustedip.GetClientIP(trusted, r)),
			zap.Int64("request-content-length", r.ContentLength),
		}...)

		h.ServeHTTP(w, r)
	})
}

// LogResponses logs responses with a level derived from the status code.
func LogResponses(log *zap.Logger, trusted trustedip.List, h http.Handler) http.Handler {
	return whmon.MonitorResponse(whroute.HandlerFunc(h,
		func(w http.ResponseWriter, r *http.Request) {
			rw := w.(whmon.ResponseWriter)
			start := time.Now()

			defer func() {
				rec := recover()
				if rec != nil {
					log.Error("panic", zap.Any("recover", rec))
					panic(rec)
				}
			}()
			h.ServeHTTP(rw, r)

			if !rw.WroteHeader() {
				rw.WriteHeader(http.StatusOK)
			}

			ce := log.Check(httplog.StatusLevel(rw.StatusCode()), "response")
			if ce == nil {
				return
			}

			fields := []zapcore.Field{
				zap.String("method", r.Method),
				zap.String("host", r.Host),
				zap.String("request-uri", r.RequestURI),
				zap.Int("status", rw.StatusCode()),
				zap.Int64("response-size", rw.Written()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote-ip", trustedip.GetClientIP(trusted, r)),
				zap.String("request-id", requestid.FromContext(r.Context())),
				zap.Object("request-headers", httplog.HeadersLogObject{Headers: r.Header}),
			}
			if principal, ok := GetPrincipal(r.Context()); ok {
				fields = append(fields,
					zap.String("principal", principal.ID),
					zap.String("tier", string(principal.Tier)))
			}

			ce.Write(fields...)
		}))
}

// NewLogRequests is a convenience wrapper around LogRequests that
// returns LogRequests as mux.MiddlewareFunc.
func NewLogRequests(log *zap.Logger, trusted trustedip.List) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return LogRequests(log, trusted, h)
	}
}

// NewLogResponses is a convenience wrapper around LogResponses that
// returns LogResponses as mux.MiddlewareFunc.
func NewLogResponses(log *zap.Logger, trusted trustedip.List) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return LogResponses(log, trusted, h)
	}
}
