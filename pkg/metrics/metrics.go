// Package metrics is a small Prometheus-text-format instrumentation
// registry: counters, gauges and histograms for the controller's tick
// timing and safety events, served through the panel's /metrics route.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// metric is anything the registry can render.
type metric interface {
	write(sb *strings.Builder)
}

// Counter is a monotonically increasing value.
type Counter struct {
	name, help string
	v          atomic.Uint64
}

// Inc adds one.
func (c *Counter) Inc() { c.v.Add(1) }

// Add adds delta.
func (c *Counter) Add(delta uint64) { c.v.Add(delta) }

// Value returns the current count.
func (c *Counter) Value() uint64 { return c.v.Load() }

func (c *Counter) write(sb *strings.Builder) {
	header(sb, c.name, c.help, "counter")
	fmt.Fprintf(sb, "%s %d\n", c.name, c.v.Load())
}

// Gauge is a value that moves both ways, stored as float bits.
type Gauge struct {
	name, help string
	bits       atomic.Uint64
}

// Set stores the value.
func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

// Value returns the stored value.
func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

func (g *Gauge) write(sb *strings.Builder) {
	header(sb, g.name, g.help, "gauge")
	fmt.Fprintf(sb, "%s %g\n", g.name, g.Value())
}

// GaugeFunc samples its value at render time.
type GaugeFunc struct {
	name, help string
	fn         func() float64
}

func (g *GaugeFunc) write(sb *strings.Builder) {
	header(sb, g.name, g.help, "gauge")
	fmt.Fprintf(sb, "%s %g\n", g.name, g.fn())
}

// Histogram is a distribution over fixed upper-bound buckets.
type Histogram struct {
	name, help string
	bounds     []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	total  uint64
}

// Observe records one sample.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	for i, ub := range h.bounds {
		if v <= ub {
			h.counts[i]++
		}
	}
	h.sum += v
	h.total++
	h.mu.Unlock()
}

// Count returns the number of samples seen.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

func (h *Histogram) write(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	header(sb, h.name, h.help, "histogram")
	for i, ub := range h.bounds {
		fmt.Fprintf(sb, "%s_bucket{le=\"%g\"} %d\n", h.name, ub, h.counts[i])
	}
	fmt.Fprintf(sb, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.total)
	fmt.Fprintf(sb, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(sb, "%s_count %d\n", h.name, h.total)
}

func header(sb *strings.Builder, name, help, typ string) {
	if help != "" {
		fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	}
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, typ)
}

// Registry holds metrics in registration order and renders them in the
// Prometheus text exposition format.
type Registry struct {
	mu      sync.Mutex
	metrics []metric
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) register(m metric) {
	r.mu.Lock()
	r.metrics = append(r.metrics, m)
	r.mu.Unlock()
}

// NewCounter creates and registers a counter.
func (r *Registry) NewCounter(name, help string) *Counter {
	c := &Counter{name: name, help: help}
	r.register(c)
	return c
}

// NewGauge creates and registers a gauge.
func (r *Registry) NewGauge(name, help string) *Gauge {
	g := &Gauge{name: name, help: help}
	r.register(g)
	return g
}

// NewGaugeFunc creates and registers a sampled gauge. fn must be safe to
// call from the serving goroutine.
func (r *Registry) NewGaugeFunc(name, help string, fn func() float64) *GaugeFunc {
	g := &GaugeFunc{name: name, help: help, fn: fn}
	r.register(g)
	return g
}

// NewHistogram creates and registers a histogram over the given ascending
// upper bounds.
func (r *Registry) NewHistogram(name, help string, bounds []float64) *Histogram {
	h := &Histogram{
		name:   name,
		help:   help,
		bounds: append([]float64(nil), bounds...),
		counts: make([]uint64, len(bounds)),
	}
	r.register(h)
	return h
}

// Gather renders every registered metric.
func (r *Registry) Gather() string {
	r.mu.Lock()
	ms := append([]metric(nil), r.metrics...)
	r.mu.Unlock()

	var sb strings.Builder
	for _, m := range ms {
		m.write(&sb)
	}
	return sb.String()
}

// ServeHTTP exposes the registry as a scrape endpoint.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(r.Gather()))
}

// TickBuckets are the tick-duration histogram bounds in seconds, sized
// for a 1kHz control loop.
var TickBuckets = []float64{
	10e-6, 25e-6, 50e-6, 100e-6, 250e-6, 500e-6, 1e-3, 2.5e-3, 10e-3,
}
