// Package monitoring exports the engine statistics to Prometheus.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mojo333/udp-repeater/internal/logger"
	"github.com/mojo333/udp-repeater/internal/relay"
)

const namespace = "udp_repeater"

// StatusSource is what the collector reads on every scrape.
type StatusSource interface {
	Status() relay.Status
}

var (
	packetsReceivedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "packets_received_total"),
		"Packets forwarded or generated in the current run",
		nil, nil,
	)
	packetsDiscardedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "packets_discarded_total"),
		"Packets dropped because the send failed, in the current run",
		nil, nil,
	)
	packetsPerSecondDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "packets_per_second"),
		"Packets delivered during the last full second",
		nil, nil,
	)
	maxPacketsPerSecondDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "max_packets_per_second"),
		"Highest packets per second seen in the current run",
		nil, nil,
	)
	bitsPerSecondDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "bits_per_second"),
		"Bits delivered during the last full second",
		nil, nil,
	)
	minLengthDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "packet_length_min_bytes"),
		"Shortest datagram seen in the current run",
		nil, nil,
	)
	maxLengthDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "packet_length_max_bytes"),
		"Longest datagram seen in the current run",
		nil, nil,
	)
	sequenceDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "sequence_counter"),
		"Value of the last sequence counter stamped",
		nil, nil,
	)
	runningDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "running"),
		"1 while a run of the given mode is active",
		[]string{"mode"}, nil,
	)
)

// Collector turns a StatusSource into metrics. Per-run counters reset when
// a new run starts, which Prometheus rate() treats as a counter reset.
type Collector struct {
	src StatusSource
}

// NewCollector returns a collector reading src.
func NewCollector(src StatusSource) *Collector {
	return &Collector{src: src}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- packetsReceivedDesc
	ch <- packetsDiscardedDesc
	ch <- packetsPerSecondDesc
	ch <- maxPacketsPerSecondDesc
	ch <- bitsPerSecondDesc
	ch <- minLengthDesc
	ch <- maxLengthDesc
	ch <- sequenceDesc
	ch <- runningDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Status()

	ch <- prometheus.MustNewConstMetric(packetsReceivedDesc, prometheus.CounterValue, float64(s.PacketsReceived))
	ch <- prometheus.MustNewConstMetric(packetsDiscardedDesc, prometheus.CounterValue, float64(s.PacketsDiscarded))
	ch <- prometheus.MustNewConstMetric(packetsPerSecondDesc, prometheus.GaugeValue, float64(s.PacketsPerSec))
	ch <- prometheus.MustNewConstMetric(maxPacketsPerSecondDesc, prometheus.GaugeValue, float64(s.MaxPacketsPerSec))
	ch <- prometheus.MustNewConstMetric(bitsPerSecondDesc, prometheus.GaugeValue, float64(s.BitsPerSec))
	ch <- prometheus.MustNewConstMetric(minLengthDesc, prometheus.GaugeValue, float64(s.MinPacketLen))
	ch <- prometheus.MustNewConstMetric(maxLengthDesc, prometheus.GaugeValue, float64(s.MaxPacketLen))
	ch <- prometheus.MustNewConstMetric(sequenceDesc, prometheus.GaugeValue, float64(s.SequenceCounter))

	for _, mode := range []relay.Mode{relay.ModeRelay, relay.ModeGenerate} {
		v := 0.0
		if s.State != relay.StateIdle && s.Mode == mode {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(runningDesc, prometheus.GaugeValue, v, mode.String())
	}
}

// NewRegistry returns a registry holding the engine collector plus the Go
// runtime and process collectors.
func NewRegistry(src StatusSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Server serves /metrics on its own listener.
type Server struct {
	log  *logger.Logger
	http *http.Server
	ln   net.Listener
}

// NewServer binds addr immediately, so a port conflict is reported to the
// caller rather than from a background goroutine.
func NewServer(addr string, reg *prometheus.Registry, log *logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Discard()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &Server{
		log: log,
		ln:  ln,
		http: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	s.log.Info("Serving Prometheus metrics on %s/metrics", s.ln.Addr())
	go func() {
		if err := s.http.Serve(s.ln); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics server stopped: %v", err)
		}
	}()
}

// Shutdown stops the server gracefully. It also releases the listener of a
// server that was never started.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.ln.Close()
	return err
}
