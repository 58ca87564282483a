// ABOUTME: Prometheus collectors for orchestration, streaming and connection activity
// ABOUTME: Registered on an injected registry; all recording methods are safe on a nil *Collector

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chorus"

// Dispatch outcomes.
const (
	OutcomeImmediate = "immediate"
	OutcomeQueued    = "queued"
	OutcomeError     = "error"
)

// Stream-end results.
const (
	StreamEndProcessed = "processed"
	StreamEndDuplicate = "duplicate"
	StreamEndUnknown   = "unknown"
)

// Collector holds the gateway's metrics.
type Collector struct {
	dispatches           *prometheus.CounterVec
	groupCompletions     *prometheus.CounterVec
	streamEnds           *prometheus.CounterVec
	pushes               *prometheus.CounterVec
	connections          prometheus.Gauge
	agentConnections     prometheus.Gauge
	generationDuration   *prometheus.HistogramVec
	ttsChunks            prometheus.Counter
	cancelledGenerations prometheus.Counter
}

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_dispatches_total",
				Help:      "Agent dispatches by agent and outcome",
			},
			[]string{"agent", "outcome"}, // outcome: immediate, queued, error
		),
		groupCompletions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "group_requests_completed_total",
				Help:      "Group requests that reached the completed state",
			},
			[]string{"mode"},
		),
		streamEnds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_ends_total",
				Help:      "External agent completions by result",
			},
			[]string{"result"},
		),
		pushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pushes_total",
				Help:      "Pushes to user connections by scope and result",
			},
			[]string{"scope", "result"},
		),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_connections",
			Help:      "Currently registered client connections",
		}),
		agentConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_connections",
			Help:      "Currently connected external agent runtimes",
		}),
		generationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "In-process generation duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"agent", "status"},
		),
		ttsChunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_chunks_total",
			Help:      "Text chunks duplicated to TTS sinks",
		}),
		cancelledGenerations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_cancelled_total",
			Help:      "Generations stopped by explicit cancel or disconnect",
		}),
	}
}

// RecordDispatch counts one route_to_agent call.
func (c *Collector) RecordDispatch(agent, outcome string) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(agent, outcome).Inc()
}

// RecordGroupCompleted counts a group request completion.
func (c *Collector) RecordGroupCompleted(mode string) {
	if c == nil {
		return
	}
	c.groupCompletions.WithLabelValues(mode).Inc()
}

// RecordStreamEnd counts an external completion by result.
func (c *Collector) RecordStreamEnd(result string) {
	if c == nil {
		return
	}
	c.streamEnds.WithLabelValues(result).Inc()
}

// RecordPush counts a push to a user's connections.
func (c *Collector) RecordPush(sessionScoped, delivered bool) {
	if c == nil {
		return
	}
	scope := "user"
	if sessionScoped {
		scope = "session"
	}
	result := "delivered"
	if !delivered {
		result = "undelivered"
	}
	c.pushes.WithLabelValues(scope, result).Inc()
}

// ConnectionOpened increments the client connection gauge.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

// ConnectionClosed decrements the client connection gauge.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}

// AgentConnected increments the agent connection gauge.
func (c *Collector) AgentConnected() {
	if c == nil {
		return
	}
	c.agentConnections.Inc()
}

// AgentDisconnected decrements the agent connection gauge.
func (c *Collector) AgentDisconnected() {
	if c == nil {
		return
	}
	c.agentConnections.Dec()
}

// ObserveGeneration records a finished in-process generation.
func (c *Collector) ObserveGeneration(agent, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.generationDuration.WithLabelValues(agent, status).Observe(d.Seconds())
}

// AddTTSChunks counts text chunks that reached a TTS sink.
func (c *Collector) AddTTSChunks(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.ttsChunks.Add(float64(n))
}

// RecordCancelled counts a cancelled generation.
func (c *Collector) RecordCancelled() {
	if c == nil {
		return
	}
	c.cancelledGenerations.Inc()
}
