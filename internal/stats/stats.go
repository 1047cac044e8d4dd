// Package stats exports the go-metrics registry to prometheus or graphite.
package stats

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/tinyrange/wlsim/internal/config"
)

// Exporter is a running metrics sink. The zero value is a no-op.
type Exporter struct {
	srv *http.Server
	ln  net.Listener
}

// Start begins exporting reg according to c.
func Start(l *logrus.Logger, c config.StatsConfig, reg metrics.Registry, version string) (*Exporter, error) {
	switch c.Type {
	case "", "none":
		return &Exporter{}, nil
	case "graphite":
		return &Exporter{}, startGraphite(l, c, reg)
	case "prometheus":
		return startPrometheus(l, c, reg, version)
	}
	return nil, fmt.Errorf("stats.type was not understood: %s", c.Type)
}

func startGraphite(l *logrus.Logger, c config.StatsConfig, reg metrics.Registry) error {
	if c.Host == "" {
		return errors.New("stats.host can not be empty")
	}
	proto := c.Protocol
	if proto == "" {
		proto = "tcp"
	}
	addr, err := net.ResolveTCPAddr(proto, c.Host)
	if err != nil {
		return fmt.Errorf("error while setting up graphite sink: %s", err)
	}
	l.Infof("Starting graphite. Interval: %s, prefix: %s, addr: %s", c.Interval, c.Prefix, addr)
	go graphite.Graphite(reg, c.Interval, c.Prefix, addr)
	return nil
}

func startPrometheus(l *logrus.Logger, c config.StatsConfig, reg metrics.Registry, version string) (*Exporter, error) {
	if c.Listen == "" {
		return nil, fmt.Errorf("stats.listen should not be empty")
	}
	if c.Path == "" {
		return nil, fmt.Errorf("stats.path should not be empty")
	}
	interval := c.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(reg, c.Namespace, c.Subsystem, pr, interval)
	go pClient.UpdatePrometheusMetrics()

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.Namespace,
		Subsystem: c.Subsystem,
		Name:      "info",
		Help:      "Version information for the wlsimu binary",
		ConstLabels: prometheus.Labels{
			"version":   version,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	ln, err := net.Listen("tcp", c.Listen)
	if err != nil {
		return nil, fmt.Errorf("stats: listen %s: %w", c.Listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle(c.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
	e := &Exporter{srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}, ln: ln}

	l.Infof("Prometheus stats listening on %s at %s", ln.Addr(), c.Path)
	go func() {
		if err := e.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Error("prometheus stats server stopped")
		}
	}()
	return e, nil
}

// Addr returns the listening address of the prometheus endpoint, or nil.
func (e *Exporter) Addr() net.Addr {
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

// Close stops the exporter's HTTP endpoint.
func (e *Exporter) Close() error {
	if e.srv == nil {
		return nil
	}
	return e.srv.Close()
}
