package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are package level so the engine, clock and router can update
// them without import cycles. They are usable before registration.
var (
	PulsesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_clock_pulses_total",
		Help: "MIDI clock pulses generated",
	})

	LatePulsesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_clock_late_pulses_total",
		Help: "Pulses emitted more than one interval after their due time",
	})

	PulseLateness = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "conductor_clock_pulse_lateness_ms",
		Help:    "Emission delay after the due time in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	PacketsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_sync_packets_sent_total",
		Help: "Heartbeats broadcast",
	})

	PacketsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_sync_packets_received_total",
		Help: "Valid heartbeats received from peers",
	})

	PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_sync_packets_dropped_total",
		Help: "Heartbeats dropped by reason",
	}, []string{"reason"})

	Peers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_sync_peers",
		Help: "Live peers",
	})

	PeerEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_sync_peer_evictions_total",
		Help: "Peers evicted after missed heartbeats",
	})

	Tempo = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_tempo_bpm",
		Help: "Current tempo",
	})

	TimingAccuracy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_sync_timing_accuracy_seconds",
		Help: "Smoothed peer offset jitter",
	})

	RoutedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_router_messages_routed_total",
		Help: "Messages delivered to at least one output",
	})

	RouteDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_router_messages_dropped_total",
		Help: "Messages not routed, by reason",
	}, []string{"reason"})

	OutputErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_output_errors_total",
		Help: "Output write failures",
	}, []string{"output"})

	OutputDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_output_drops_total",
		Help: "Messages dropped because an output was unavailable or full",
	}, []string{"output"})
)

func all() []prometheus.Collector {
	return []prometheus.Collector{
		PulsesTotal, LatePulsesTotal, PulseLateness,
		PacketsSent, PacketsReceived, PacketsDropped,
		Peers, PeerEvictions, Tempo, TimingAccuracy,
		RoutedMessages, RouteDrops, OutputErrors, OutputDrops,
	}
}

// Register registers every collector on reg (or the default registerer if nil).
// Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range all() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
