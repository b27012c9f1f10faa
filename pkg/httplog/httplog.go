// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package httplog carries helpers shared by the HTTP logging middleware.
package httplog

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Headers whose values identify or authenticate a caller. They are
// redacted so request logs stay safe to ship to shared sinks.
var confidentialHeaders = map[string]struct{}{
	"Authorization": {},
	"Cookie":        {},
	"X-Api-Key":     {},
}

// StatusLevel takes an HTTP status and returns an appropriate log level.
func StatusLevel(status int) zapcore.Level {
	switch {
	case status == http.StatusNotImplemented:
		return zap.WarnLevel
	case status >= 500:
		return zap.ErrorLevel
	case status >= 400:
		return zap.InfoLevel
	default:
		return zap.DebugLevel
	}
}

// HeadersLogObject encodes an http.Header into a zap logging object,
// redacting confidential values.
type HeadersLogObject struct {
	Headers http.Header
}

// MarshalLogObject implements the zapcore.ObjectMarshaler interface.
func (o HeadersLogObject) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for k, v := range o.Headers {
		if _, ok := confidentialHeaders[k]; ok {
			enc.AddString(k, "[...]")
			continue
		}
		enc.AddString(k, strings.Join(v, ","))
	}
	return nil
}
