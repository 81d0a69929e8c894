// Package metrics provides Prometheus metrics for adbridge.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "adbridge"
)

// Metrics contains all Prometheus metrics for a bridge process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsConnected prometheus.Gauge
	HandshakeLatency  prometheus.Histogram
	AuthChallenges    prometheus.Counter
	DispatcherFaults  *prometheus.CounterVec

	// Stream metrics
	StreamsActive     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamsClosed     prometheus.Counter
	StreamOpenLatency prometheus.Histogram
	WriteAckLatency   prometheus.Histogram
	UnroutedMessages  *prometheus.CounterVec

	// Wire metrics
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter

	// Transport metrics
	TransportRetries  *prometheus.CounterVec
	TransportFailures *prometheus.CounterVec

	// Device feature metrics
	ShellCommands *prometheus.CounterVec
	ShellDuration prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_connected",
			Help:      "Number of sessions that completed the CNXN handshake",
		}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of time from CNXN sent to device CNXN received",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		AuthChallenges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_challenges_total",
			Help:      "Total AUTH TOKEN challenges received",
		}),
		DispatcherFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatcher_faults_total",
			Help:      "Total dispatcher loop terminations by cause",
		}, []string{"cause"}),

		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently live streams",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of streams closed",
		}),
		StreamOpenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_open_latency_seconds",
			Help:      "Histogram of time from OPEN sent to first device response",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		WriteAckLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_ack_latency_seconds",
			Help:      "Histogram of time from WRTE sent to OKAY received",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		UnroutedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unrouted_messages_total",
			Help:      "Total stream messages with no matching stream, by command",
		}, []string{"command"}),

		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages sent by command",
		}, []string{"command"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total messages received by command",
		}, []string{"command"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to the transport",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from the transport",
		}),

		TransportRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_retries_total",
			Help:      "Total transport I/O retries by operation",
		}, []string{"op"}),
		TransportFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_failures_total",
			Help:      "Total transport I/O failures after retries by operation",
		}, []string{"op"}),

		ShellCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shell_commands_total",
			Help:      "Total shell commands executed by result",
		}, []string{"result"}),
		ShellDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "shell_duration_seconds",
			Help:      "Histogram of shell command duration",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// RecordConnected records a completed handshake.
func (m *Metrics) RecordConnected(latencySeconds float64) {
	if m == nil {
		return
	}
	m.SessionsConnected.Inc()
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordDisconnected records a connected session going away.
func (m *Metrics) RecordDisconnected() {
	if m == nil {
		return
	}
	m.SessionsConnected.Dec()
}

// RecordAuthChallenge records an AUTH TOKEN challenge.
func (m *Metrics) RecordAuthChallenge() {
	if m == nil {
		return
	}
	m.AuthChallenges.Inc()
}

// RecordFault records a dispatcher termination.
func (m *Metrics) RecordFault(cause string) {
	if m == nil {
		return
	}
	m.DispatcherFaults.WithLabelValues(cause).Inc()
}

// RecordStreamOpen records a stream being opened.
func (m *Metrics) RecordStreamOpen() {
	if m == nil {
		return
	}
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
}

// RecordStreamReady records the first device response on a stream.
func (m *Metrics) RecordStreamReady(latencySeconds float64) {
	if m == nil {
		return
	}
	m.StreamOpenLatency.Observe(latencySeconds)
}

// RecordStreamClose records a stream leaving the live set.
func (m *Metrics) RecordStreamClose() {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
}

// RecordWriteAck records the latency of an acknowledged write.
func (m *Metrics) RecordWriteAck(latencySeconds float64) {
	if m == nil {
		return
	}
	m.WriteAckLatency.Observe(latencySeconds)
}

// RecordUnrouted records a stream message that matched no stream.
func (m *Metrics) RecordUnrouted(command string) {
	if m == nil {
		return
	}
	m.UnroutedMessages.WithLabelValues(command).Inc()
}

// RecordMessageSent records an outbound message.
func (m *Metrics) RecordMessageSent(command string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(command).Inc()
}

// RecordMessageReceived records an inbound message.
func (m *Metrics) RecordMessageReceived(command string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(command).Inc()
}

// RecordBytesSent records bytes written to the transport.
func (m *Metrics) RecordBytesSent(n int) {
	if m == nil {
		return
	}
	m.BytesSent.Add(float64(n))
}

// RecordBytesReceived records bytes read from the transport.
func (m *Metrics) RecordBytesReceived(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

// RecordTransportRetry records a retried transport operation.
func (m *Metrics) RecordTransportRetry(op string) {
	if m == nil {
		return
	}
	m.TransportRetries.WithLabelValues(op).Inc()
}

// RecordTransportFailure records a transport operation that exhausted its retries.
func (m *Metrics) RecordTransportFailure(op string) {
	if m == nil {
		return
	}
	m.TransportFailures.WithLabelValues(op).Inc()
}

// RecordShellCommand records a completed shell command.
func (m *Metrics) RecordShellCommand(result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ShellCommands.WithLabelValues(result).Inc()
	m.ShellDuration.Observe(durationSeconds)
}
