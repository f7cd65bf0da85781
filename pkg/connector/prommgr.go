// Package connector provides tools for sharing the Prometheus scrape endpoints
// between the different metric sources of the instrumenter
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func log() *slog.Logger {
	return slog.With("component", "connector.PrometheusManager")
}

// PrometheusManager allows exporting metrics from different sources sharing the same port and path,
// or using different ones, depending on the configuration provided by the registrars.
type PrometheusManager struct {
	started atomic.Bool
	// key 1: port. Key 2: path
	registries map[int]map[string]*prometheus.Registry
}

// Register a set of prometheus metrics to be accessible through an HTTP port/path.
// This method is not thread-safe
func (pm *PrometheusManager) Register(port int, path string, collectors ...prometheus.Collector) {
	log().Debug("registering Prometheus metrics collectors",
		"len", len(collectors), "port", port, "path", path)
	if pm.registries == nil {
		pm.registries = map[int]map[string]*prometheus.Registry{}
	}
	if path == "" {
		path = "/metrics"
	}
	paths, ok := pm.registries[port]
	if !ok {
		paths = map[string]*prometheus.Registry{}
		pm.registries[port] = paths
	}
	reg, ok := paths[path]
	if !ok {
		reg = prometheus.NewRegistry()
		paths[path] = reg
	}
	reg.MustRegister(collectors...)
}

// Handler returns the HTTP handler that serves all the registries of a given port
func (pm *PrometheusManager) Handler(port int) http.Handler {
	log := log().With("port", port)
	mux := http.NewServeMux()
	for path, registry := range pm.registries[port] {
		log.Debug("adding prometheus scrape path", "path", path)
		promHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
		if log.Enabled(context.Background(), slog.LevelDebug) {
			mux.Handle(path, wrapDebugHandler(log, promHandler))
		} else {
			mux.Handle(path, promHandler)
		}
	}
	return mux
}

// StartHTTP serves metrics in background. Its invocation won't have effect if it has been invoked previously,
// so invoke it only after you are sure that all the collectors have been registered via the Register method.
func (pm *PrometheusManager) StartHTTP(ctx context.Context) {
	if pm.started.Swap(true) {
		return
	}
	for port := range pm.registries {
		log().Info("opening prometheus scrape endpoint", "port", port)
		pm.listenAndServe(ctx, port, pm.Handler(port))
	}
}

func wrapDebugHandler(log *slog.Logger, promHandler http.Handler) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		log.Debug("received metrics request", "uri", req.RequestURI, "remoteAddr", req.RemoteAddr)
		promHandler.ServeHTTP(rw, req)
	}
}

func (pm *PrometheusManager) listenAndServe(ctx context.Context, port int, handler http.Handler) {
	server := http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log := log().With("port", port)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			log.Debug("HTTP server was closed", "error", err)
		} else {
			log.Error("HTTP service ended unexpectedly", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		if err := server.Close(); err != nil {
			log.Warn("error closing HTTP server", "error", err)
		}
	}()
}
