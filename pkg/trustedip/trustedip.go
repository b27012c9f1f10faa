// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package trustedip resolves the client IP a request originates from,
// honoring forwarding headers only when the directly connected peer is a
// trusted proxy. The resolved IP is what anonymous requests are governed
// by, so trusting the wrong peer means one client can exhaust another's
// quota or dodge its own.
package trustedip

import (
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the class of trusted proxy configuration errors.
var Error = errs.Class("trustedip")

// List decides which peers' forwarding headers are honored.
type List struct {
	// ips holds the trusted proxy IPs. Only consulted when neither
	// trustAll nor trustNone is set.
	ips       map[string]struct{}
	trustAll  bool
	trustNone bool
}

// NewList parses spec into a List. The spec is "none" to ignore
// forwarding headers entirely, "*" to honor them from any peer, or a
// comma-separated list of proxy IPs to honor them from.
func NewList(spec string) (List, error) {
	switch spec {
	case "none", "":
		return List{trustNone: true}, nil
	case "*":
		return List{trustAll: true}, nil
	}

	ips := make(map[string]struct{})
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if net.ParseIP(entry) == nil {
			return List{}, Error.New("invalid proxy IP %q", entry)
		}
		ips[entry] = struct{}{}
	}
	return List{ips: ips}, nil
}

// IsTrusted reports whether forwarding headers sent by ip are honored.
func (l List) IsTrusted(ip string) bool {
	if l.trustNone {
		return false
	}
	if l.trustAll {
		return true
	}
	_, ok := l.ips[ip]
	return ok
}

// forwardedFor matches the first "for" element of an RFC 7239 Forwarded
// header, with or without quotes.
var forwardedFor = regexp.MustCompile(`(?i)for=("?)([^,;" ]+)("?)`)

// GetClientIP returns the IP the request originates from. When the
// direct peer is trusted the Forwarded, X-Forwarded-For and X-Real-Ip
// headers are consulted in that order; otherwise, or when none of them
// is present, the peer address itself is used. The result never carries
// a port.
func GetClientIP(l List, r *http.Request) string {
	peer := stripPort(r.RemoteAddr)
	if !l.IsTrusted(peer) {
		return peer
	}

	if header := r.Header.Get("Forwarded"); header != "" {
		// The first "for" element identifies the client; later ones
		// name the proxies the request passed through.
		if matches := forwardedFor.FindStringSubmatch(header); matches != nil {
			return stripPort(matches[2])
		}
	}

	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		// Syntax: X-Forwarded-For: <client>, <proxy1>, <proxy2>
		first, _, _ := strings.Cut(header, ",")
		return stripPort(strings.TrimSpace(first))
	}

	if header := r.Header.Get("X-Real-Ip"); header != "" {
		return stripPort(header)
	}

	return peer
}

// stripPort removes the port from addr if it carries one, handling
// bracketed IPv6 addresses. Addresses that don't parse as host:port are
// returned as-is, except that a bare IPv6 address keeps its colons.
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err == nil {
		return host
	}

	// Bracketed IPv6 without a port.
	if strings.HasPrefix(addr, "[") && strings.HasSuffix(addr, "]") {
		return addr[1 : len(addr)-1]
	}

	return addr
}
