package main

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mgrinshpon/dempsy"
)

// buildStats constructs the StatsCollector named by name. "both" fans out
// to an ExpvarStats (published in the process's expvar registry; this
// command serves no /debug/vars endpoint) and a PrometheusStats (scraped
// via the returned handler, served by serveMetrics).
func buildStats(name string) (dempsy.StatsCollector, http.Handler) {
	switch name {
	case "expvar":
		return dempsy.NewExpvarStats(), nil
	case "prometheus":
		reg := prometheus.NewRegistry()
		return dempsy.NewPrometheusStats(reg), promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	case "both":
		reg := prometheus.NewRegistry()
		prom := dempsy.NewPrometheusStats(reg)
		expv := dempsy.NewExpvarStats()
		return dempsy.MultiStats(expv, prom), promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	default:
		slog.Warn("unknown stats collector, defaulting to expvar", "name", name)
		return dempsy.NewExpvarStats(), nil
	}
}

// serveMetrics exposes /metrics on a fixed loopback port. A production
// deployment would fold this into an existing admin server; this module
// carries no HTTP server of its own beyond this scrape endpoint.
func serveMetrics(handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	addr := "127.0.0.1:9090"
	slog.Info("serving prometheus metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Warn("metrics server stopped", "error", err)
	}
}
