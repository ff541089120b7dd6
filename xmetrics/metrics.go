// Package xmetrics is the tally-backed operational metrics surface shared
// by the tracker and peer server binaries: a reporting backend selected by
// config, and an HTTP debug endpoint instrumented with request
// counters/timers. This is distinct from the tracker's own domain-specific
// historical time-series aggregator, which tracks per-torrent counters the
// metrics store can be queried for, not per-request operational health.
package xmetrics

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cactus/go-statsd-client/statsd"
	"github.com/go-chi/chi"
	"github.com/uber-go/tally"
	tallystatsd "github.com/uber-go/tally/statsd"

	"github.com/polleria/bittorrent/lib/middleware"
)

const (
	flushInterval = 100 * time.Millisecond
	flushBytes    = 512
	sampleRate    = 1.0
)

type scopeFactory func(config Config, cluster string) (tally.Scope, io.Closer, error)

var scopeFactories = map[string]scopeFactory{
	"disabled": newDisabledScope,
	"statsd":   newStatsdScope,
}

// New builds a tally.Scope from config, tagged with cluster. An empty
// config.Backend disables reporting.
func New(config Config, cluster string) (tally.Scope, io.Closer, error) {
	backend := config.Backend
	if backend == "" {
		backend = "disabled"
	}
	f, ok := scopeFactories[backend]
	if !ok {
		return nil, nil, fmt.Errorf("xmetrics: backend %q not registered", backend)
	}
	return f(config, cluster)
}

func newDisabledScope(config Config, cluster string) (tally.Scope, io.Closer, error) {
	return tally.NoopScope, io.NopCloser(nil), nil
}

func newStatsdScope(config Config, cluster string) (tally.Scope, io.Closer, error) {
	statter, err := statsd.NewBufferedClient(
		config.Statsd.HostPort, config.Statsd.Prefix, flushInterval, flushBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("xmetrics: statsd client: %s", err)
	}
	reporter := tallystatsd.NewReporter(statter, tallystatsd.Options{SampleRate: sampleRate})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Reporter: reporter,
		Tags:     map[string]string{"cluster": cluster},
	}, time.Second)
	return scope, closer, nil
}

// NewDebugHandler returns a chi router exposing a /health liveness check,
// with every route instrumented by lib/middleware's latency timer and
// status counter against stats.
func NewDebugHandler(stats tally.Scope) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.LatencyTimer(stats))
	r.Use(middleware.StatusCounter(stats))
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return r
}
