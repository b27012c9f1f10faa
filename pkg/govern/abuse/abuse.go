// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package abuse watches per-client traffic for patterns that quotas alone
// don't catch: bursts of rejected requests and sustained error rates. It
// keeps a bounded rolling log of events per client and raises findings
// that the ban registry turns into temporary bans.
package abuse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// ConfigError is the class of detector configuration errors.
var ConfigError = errs.Class("abuse configuration")

// Kind classifies one observed request event.
type Kind string

// Event kinds recorded per client.
const (
	KindLimitExceeded Kind = "limit_exceeded"
	KindRequestError  Kind = "request_error"
	KindRequestOK     Kind = "request_ok"
)

// Event is one immutable entry of a client's rolling log.
type Event struct {
	At   time.Time
	Kind Kind
}

// FindingKind classifies a detected abuse pattern.
type FindingKind string

// Finding kinds.
const (
	FindingRapidRequests FindingKind = "rapid_requests"
	FindingHighErrorRate FindingKind = "high_error_rate"
)

// Finding is one detected abuse pattern for one client.
type Finding struct {
	Kind     FindingKind
	Identity string
	At       time.Time
	Detail   string
}

// Config tunes the abuse detection rules.
//
// The thresholds originate from the system this replaces and were never
// validated against real traffic; treat them as starting points for
// tuning, not as vetted values.
type Config struct {
	LogCapacity        int           `help:"number of most recent events kept per client" default:"100"`
	DetectionWindow    time.Duration `user:"true" help:"how far back the error-rate rule looks" default:"5m"`
	BurstWindow        time.Duration `user:"true" help:"how far back the rapid-requests rule looks" default:"10s"`
	BurstThreshold     int           `user:"true" help:"limit-exceeded events within the burst window beyond which a rapid-requests finding is raised" default:"20"`
	ErrorRateThreshold float64       `user:"true" help:"request-error share of the detection window beyond which a high-error-rate finding is raised" default:"0.5"`
	MinSampleSize      int           `user:"true" help:"events required in the detection window before the error-rate rule applies" default:"10"`
	Retention          time.Duration `help:"how long idle client logs are kept before the janitor purges them" default:"30m"`
}

// Detector maintains the per-client event logs and evaluates the pattern
// rules on every recorded event.
type Detector struct {
	log    *zap.Logger
	config Config

	mu      sync.Mutex
	clients map[string]*clientLog

	now func() time.Time
}

// NewDetector validates config and constructs a Detector.
func NewDetector(log *zap.Logger, config Config) (*Detector, error) {
	switch {
	case config.LogCapacity <= 0:
		return nil, ConfigError.New("LogCapacity cannot be zero or negative")
	case config.DetectionWindow <= 0:
		return nil, ConfigError.New("DetectionWindow cannot be zero or negative")
	case config.BurstWindow <= 0:
		return nil, ConfigError.New("BurstWindow cannot be zero or negative")
	case config.BurstThreshold <= 0:
		return nil, ConfigError.New("BurstThreshold cannot be zero or negative")
	case config.ErrorRateThreshold <= 0 || config.ErrorRateThreshold > 1:
		return nil, ConfigError.New("ErrorRateThreshold must be within (0, 1]")
	case config.MinSampleSize <= 0:
		return nil, ConfigError.New("MinSampleSize cannot be zero or negative")
	case config.Retention < config.DetectionWindow:
		return nil, ConfigError.New("Retention cannot be shorter than DetectionWindow")
	}

	return &Detector{
		log:     log,
		config:  config,
		clients: make(map[string]*clientLog),
		now:     time.Now,
	}, nil
}

// Record appends an event to identity's log and evaluates both pattern
// rules over it. The rules are independent; either or both can fire on
// the same call.
func (d *Detector) Record(ctx context.Context, identity string, kind Kind) (findings []Finding) {
	defer mon.Task()(&ctx)(nil)

	now := d.now()

	d.mu.Lock()
	cl, ok := d.clients[identity]
	if !ok {
		cl = newClientLog(d.config.LogCapacity)
		d.clients[identity] = cl
	}
	d.mu.Unlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.append(Event{At: now, Kind: kind})
	cl.lastSeen = now

	var (
		burst  int
		total  int
		failed int
	)
	cl.iterate(func(ev Event) {
		if ev.Kind == KindLimitExceeded && ev.At.After(now.Add(-d.config.BurstWindow)) {
			burst++
		}
		if ev.At.After(now.Add(-d.config.DetectionWindow)) {
			total++
			if ev.Kind == KindRequestError {
				failed++
			}
		}
	})

	if burst > d.config.BurstThreshold {
		mon.Counter("abuse_rapid_requests").Inc(1)
		findings = append(findings, Finding{
			Kind:     FindingRapidRequests,
			Identity: identity,
			At:       now,
			Detail:   fmt.Sprintf("%d limit-exceeded events within %s", burst, d.config.BurstWindow),
		})
	}

	if total >= d.config.MinSampleSize {
		if rate := float64(failed) / float64(total); rate > d.config.ErrorRateThreshold {
			mon.Counter("abuse_high_error_rate").Inc(1)
			findings = append(findings, Finding{
				Kind:     FindingHighErrorRate,
				Identity: identity,
				At:       now,
				Detail:   fmt.Sprintf("%d of %d requests errored within %s", failed, total, d.config.DetectionWindow),
			})
		}
	}

	return findings
}

// TrackedClients returns the number of clients with a live event log.
func (d *Detector) TrackedClients() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

// Sweep truncates every client log to the retention horizon and drops
// logs that are empty and idle. It iterates over a snapshot so request
// recording is never blocked behind the full scan. Returns the number of
// dropped client logs.
func (d *Detector) Sweep(now time.Time) int {
	horizon := now.Add(-d.config.Retention)

	type entry struct {
		identity string
		cl       *clientLog
	}

	d.mu.Lock()
	snapshot := make([]entry, 0, len(d.clients))
	for identity, cl := range d.clients {
		snapshot = append(snapshot, entry{identity, cl})
	}
	d.mu.Unlock()

	var stale []string
	for _, e := range snapshot {
		e.cl.mu.Lock()
		e.cl.truncate(horizon)
		if e.cl.size == 0 && e.cl.lastSeen.Before(horizon) {
			stale = append(stale, e.identity)
		}
		e.cl.mu.Unlock()
	}

	var removed int
	d.mu.Lock()
	for _, identity := range stale {
		cl, ok := d.clients[identity]
		if !ok {
			continue
		}
		cl.mu.Lock()
		// Recheck: the client may have become active again since the scan.
		if cl.size == 0 && cl.lastSeen.Before(horizon) {
			delete(d.clients, identity)
			removed++
		}
		cl.mu.Unlock()
	}
	d.mu.Unlock()

	return removed
}

// clientLog is a fixed-capacity ring of the most recent events for one
// client. Oldest entries are overwritten once the capacity is reached.
type clientLog struct {
	mu       sync.Mutex
	events   []Event
	next     int
	size     int
	lastSeen time.Time
}

func newClientLog(capacity int) *clientLog {
	return &clientLog{events: make([]Event, capacity)}
}

func (l *clientLog) append(ev Event) {
	l.events[l.next] = ev
	l.next = (l.next + 1) % len(l.events)
	if l.size < len(l.events) {
		l.size++
	}
}

// iterate visits the logged events oldest first.
func (l *clientLog) iterate(fn func(Event)) {
	capacity := len(l.events)
	for i := 0; i < l.size; i++ {
		fn(l.events[(l.next-l.size+i+capacity)%capacity])
	}
}

// truncate drops events at or before horizon, keeping log order.
func (l *clientLog) truncate(horizon time.Time) {
	var kept []Event
	l.iterate(func(ev Event) {
		if ev.At.After(horizon) {
			kept = append(kept, ev)
		}
	})
	n := copy(l.events, kept)
	for i := n; i < len(l.events); i++ {
		l.events[i] = Event{}
	}
	l.next = n % len(l.events)
	l.size = n
}
