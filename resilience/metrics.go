package resilience

// MetricsCollector receives circuit breaker events. Implementations must be
// safe for concurrent use.
type MetricsCollector interface {
	// RecordSuccess records a successful request outcome for a host
	RecordSuccess(host string)

	// RecordFailure records a failed request outcome with its error category
	RecordFailure(host string, category string)

	// RecordStateChange records a circuit state transition
	RecordStateChange(host string, from, to string)

	// RecordRejection records a request rejected by an open circuit
	RecordRejection(host string)
}

// noopMetrics discards all metrics. Used when no collector is configured.
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(host string)                  {}
func (n *noopMetrics) RecordFailure(host string, category string) {}
func (n *noopMetrics) RecordStateChange(host, from, to string)    {}
func (n *noopMetrics) RecordRejection(host string)                {}

// NewNoOpMetrics returns a collector that discards everything.
func NewNoOpMetrics() MetricsCollector {
	return &noopMetrics{}
}
