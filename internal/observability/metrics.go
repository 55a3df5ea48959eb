package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session protocol metrics
	clientMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_client_messages_sent_total",
		Help: "Client messages written to the transport",
	}, []string{"type"}) // clientContent, realtimeInput, toolResponse, setup

	serverMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_server_messages_received_total",
		Help: "Classified server messages yielded to consumers",
	}, []string{"type"})

	serverMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_server_messages_dropped_total",
		Help: "Inbound messages skipped before classification",
	}, []string{"reason"}) // invalid, unknown, malformed, parse_failed

	mediaChunksSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_media_chunks_sent_total",
		Help: "Realtime media chunks sent",
	}, []string{"mime_type"})

	// Connection metrics
	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_connect_attempts_total",
		Help: "Transport connect and handshake attempts",
	}, []string{"status"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_active_sessions",
		Help: "Number of open live sessions",
	})

	// Conversation metrics
	activeConversations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "live_active_conversations",
		Help: "Active capture pipelines by kind",
	}, []string{"kind"}) // audio, video

	captureFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_capture_frames_dropped_total",
		Help: "Captured frames dropped instead of queued",
	}, []string{"kind", "reason"})

	toolCallsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_tool_calls_total",
		Help: "Tool call messages received during conversations",
	}, []string{"outcome"}) // answered, unanswered, failed

	captureInputLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_capture_input_rms",
		Help: "RMS level of the most recent captured audio frame (16-bit scale)",
	})

	// Playback metrics
	playbackBuffersScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_playback_buffers_scheduled_total",
		Help: "Audio buffers scheduled on the output clock",
	})

	playbackInterruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_playback_interruptions_total",
		Help: "Server interruptions that cleared playback",
	})

	playbackLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "live_playback_lag_seconds",
		Help:    "How far behind the clock the next start pointer was when a buffer was scheduled",
		Buckets: []float64{0, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "live_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// RecordClientMessage records an outbound frame of the given type
func RecordClientMessage(messageType string) {
	clientMessagesSent.WithLabelValues(messageType).Inc()
}

// RecordServerMessage records a classified inbound message
func RecordServerMessage(messageType string) {
	serverMessagesReceived.WithLabelValues(messageType).Inc()
}

// RecordDroppedMessage records an inbound message that was skipped
func RecordDroppedMessage(reason string) {
	serverMessagesDropped.WithLabelValues(reason).Inc()
}

// RecordMediaChunk records one realtime chunk on the wire
func RecordMediaChunk(mimeType string) {
	mediaChunksSent.WithLabelValues(mimeType).Inc()
}

// RecordConnectAttempt records the outcome of a connect+handshake attempt
func RecordConnectAttempt(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	connectAttempts.WithLabelValues(status).Inc()
}

// SessionOpened increments the open session gauge
func SessionOpened() {
	activeSessions.Inc()
}

// SessionClosed decrements the open session gauge
func SessionClosed() {
	activeSessions.Dec()
}

// ConversationStarted increments the active conversation gauge for kind
func ConversationStarted(kind string) {
	activeConversations.WithLabelValues(kind).Inc()
}

// ConversationEnded decrements the active conversation gauge for kind
func ConversationEnded(kind string) {
	activeConversations.WithLabelValues(kind).Dec()
}

// RecordCaptureDrop records a captured frame that was not forwarded
func RecordCaptureDrop(kind, reason string) {
	captureFramesDropped.WithLabelValues(kind, reason).Inc()
}

// RecordToolCall records how a tool call message was handled
func RecordToolCall(outcome string) {
	toolCallsHandled.WithLabelValues(outcome).Inc()
}

// RecordInputLevel records the RMS level of a captured frame
func RecordInputLevel(rms float64) {
	captureInputLevel.Set(rms)
}

// RecordPlaybackScheduled records a scheduled buffer and the lag behind the clock, in seconds
func RecordPlaybackScheduled(lag float64) {
	playbackBuffersScheduled.Inc()
	if lag < 0 {
		lag = 0
	}
	playbackLag.Observe(lag)
}

// RecordInterruption records a playback interruption
func RecordInterruption() {
	playbackInterruptions.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
