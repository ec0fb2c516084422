// Package metrics records connection statistics into a go-metrics registry.
// A nil *Sink discards everything.
package metrics

import (
	"io"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Sink counts connection events for one server.
type Sink struct {
	registry gometrics.Registry

	accepted        gometrics.Counter
	rejected        gometrics.Counter
	handshakeFailed gometrics.Counter
	aborted         gometrics.Counter
	active          gometrics.Counter
	duration        gometrics.Timer
}

// New registers the connection metrics in r under prefix. A nil r uses a
// fresh registry.
func New(r gometrics.Registry, prefix string) *Sink {
	if r == nil {
		r = gometrics.NewRegistry()
	}
	name := func(s string) string {
		if prefix == "" {
			return s
		}
		return prefix + "." + s
	}

	return &Sink{
		registry:        r,
		accepted:        gometrics.GetOrRegisterCounter(name("connections.accepted"), r),
		rejected:        gometrics.GetOrRegisterCounter(name("connections.rejected"), r),
		handshakeFailed: gometrics.GetOrRegisterCounter(name("connections.handshake_failed"), r),
		aborted:         gometrics.GetOrRegisterCounter(name("connections.aborted"), r),
		active:          gometrics.GetOrRegisterCounter(name("connections.active"), r),
		duration:        gometrics.GetOrRegisterTimer(name("connections.duration"), r),
	}
}

// Registry returns the underlying registry.
func (s *Sink) Registry() gometrics.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// Accepted records a connection handed to a handler. It returns the start
// time to pass to Finished.
func (s *Sink) Accepted() time.Time {
	if s != nil {
		s.accepted.Inc(1)
		s.active.Inc(1)
	}
	return time.Now()
}

// Finished records the end of a connection started at start.
func (s *Sink) Finished(start time.Time, aborted bool) {
	if s == nil {
		return
	}
	s.active.Dec(1)
	s.duration.UpdateSince(start)
	if aborted {
		s.aborted.Inc(1)
	}
}

// Rejected records a connection refused because of the connection limit or
// because its endpoint was draining.
func (s *Sink) Rejected() {
	if s != nil {
		s.rejected.Inc(1)
	}
}

// HandshakeFailed records a failed TLS handshake.
func (s *Sink) HandshakeFailed() {
	if s != nil {
		s.handshakeFailed.Inc(1)
	}
}

// Snapshot is a point in time copy of the counters.
type Snapshot struct {
	Accepted        int64
	Rejected        int64
	HandshakeFailed int64
	Aborted         int64
	Active          int64
	Finished        int64
}

// Snapshot returns the current values.
func (s *Sink) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	return Snapshot{
		Accepted:        s.accepted.Count(),
		Rejected:        s.rejected.Count(),
		HandshakeFailed: s.handshakeFailed.Count(),
		Aborted:         s.aborted.Count(),
		Active:          s.active.Count(),
		Finished:        s.duration.Count(),
	}
}

// WriteTo implements io.WriterTo. It writes every metric of the registry to w.
func (s *Sink) WriteTo(w io.Writer) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cw := &countingWriter{w: w}
	gometrics.WriteOnce(s.registry, cw)
	return cw.n, cw.err
}

// countingWriter keeps the byte count and first error that WriteOnce drops.
type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(b []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(b)
	c.n += int64(n)
	c.err = err
	return n, err
}
