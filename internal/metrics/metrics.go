package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// TX request outcomes used as the "result" label.
const (
	TxTransmitted = "transmitted"
	TxIgnored     = "ignored"
	TxInvalid     = "invalid"
	TxFailed      = "failed"
)

// Collector bundles the relay's Prometheus metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	UplinkPackets prometheus.Counter
	UplinkBytes   prometheus.Counter
	DrainBatches  prometheus.Counter
	PollTimeouts  prometheus.Counter
	TxRequests    *prometheus.CounterVec
	MirrorErrors  prometheus.Counter
	ReadErrors    prometheus.Counter
}

// NewCollector registers the relay metrics against reg, defaulting to the
// global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	packets, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_uplink_packets_total",
		Help: "Received packets forwarded to the publish endpoint.",
	}), "relay_uplink_packets_total")
	if err != nil {
		return nil, err
	}
	bytes, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_uplink_bytes_total",
		Help: "Bytes sent to the publish endpoint.",
	}), "relay_uplink_bytes_total")
	if err != nil {
		return nil, err
	}
	batches, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_drain_batches_total",
		Help: "Non-empty batches returned by the concentrator.",
	}), "relay_drain_batches_total")
	if err != nil {
		return nil, err
	}
	timeouts, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_poll_timeouts_total",
		Help: "Listen polls that ended without a datagram.",
	}), "relay_poll_timeouts_total")
	if err != nil {
		return nil, err
	}
	mirror, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_mirror_errors_total",
		Help: "Packets the secondary mirror failed to publish.",
	}), "relay_mirror_errors_total")
	if err != nil {
		return nil, err
	}

	reads, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_listen_read_errors_total",
		Help: "Listen reads that failed with an error other than a timeout.",
	}), "relay_listen_read_errors_total")
	if err != nil {
		return nil, err
	}

	tx := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_tx_requests_total",
		Help: "Datagrams received on the listen endpoint, labeled by outcome.",
	}, []string{"result"})
	tx, err = registerCounterVec(reg, tx, "relay_tx_requests_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:      gatherer,
		UplinkPackets: packets,
		UplinkBytes:   bytes,
		DrainBatches:  batches,
		PollTimeouts:  timeouts,
		TxRequests:    tx,
		MirrorErrors:  mirror,
		ReadErrors:    reads,
	}, nil
}

// Gatherer returns the gatherer backing the registry the collector uses.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil || c.gatherer == nil {
		return prometheus.DefaultGatherer
	}
	return c.gatherer
}

// Forwarded records one published packet of n bytes. Safe on a nil collector.
func (c *Collector) Forwarded(n int) {
	if c == nil {
		return
	}
	c.UplinkPackets.Inc()
	c.UplinkBytes.Add(float64(n))
}

// Batch records one non-empty receive batch.
func (c *Collector) Batch() {
	if c == nil {
		return
	}
	c.DrainBatches.Inc()
}

// PollTimeout records one idle poll.
func (c *Collector) PollTimeout() {
	if c == nil {
		return
	}
	c.PollTimeouts.Inc()
}

// TxRequest records one listen-side datagram by outcome.
func (c *Collector) TxRequest(result string) {
	if c == nil {
		return
	}
	c.TxRequests.WithLabelValues(result).Inc()
}

// ReadError records one failed listen read.
func (c *Collector) ReadError() {
	if c == nil {
		return
	}
	c.ReadErrors.Inc()
}

// MirrorError records one failed or dropped mirror publish.
func (c *Collector) MirrorError() {
	if c == nil {
		return
	}
	c.MirrorErrors.Inc()
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			existing, ok := already.ExistingCollector.(prometheus.Counter)
			if !ok {
				return nil, fmt.Errorf("%s already registered with incompatible type", name)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("register %s: %w", name, err)
	}
	return c, nil
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, fmt.Errorf("%s already registered with incompatible type", name)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("register %s: %w", name, err)
	}
	return c, nil
}
