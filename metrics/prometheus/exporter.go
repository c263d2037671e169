package prometheus

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsPath     = "/metrics"
	headerTimeout   = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Exporter exposes the SDK collectors on a private registry so that
// embedding programs keep control of the default one.
type Exporter struct {
	addr     string
	registry *prometheus.Registry
}

// NewExporter returns an exporter for addr. The registry carries the SDK
// collectors together with the Go runtime and process collectors.
func NewExporter(addr string) *Exporter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(Collectors()...)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Exporter{addr: addr, registry: reg}
}

func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler renders the registry in the text or OpenMetrics format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ListenAndServe binds the exporter's address and serves until ctx ends.
func (e *Exporter) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", e.addr)
	if err != nil {
		return err
	}
	return e.Serve(ctx, ln)
}

// Serve answers scrapes on ln until ctx ends, then drains in-flight
// scrapes. A clean stop returns nil.
func (e *Exporter) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, e.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: headerTimeout}

	stopped := make(chan error, 1)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		stopped <- srv.Shutdown(sctx)
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-stopped
}
