package resilience

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// circuit state gauge values
const (
	stateValueClosed   = 0.0
	stateValueHalfOpen = 0.5
	stateValueOpen     = 1.0
)

// OTelMetrics exports circuit breaker metrics through the OpenTelemetry
// metric API. The actual exporter is whatever the host application installed
// as the global MeterProvider; without one, the API no-ops.
type OTelMetrics struct {
	requests     metric.Int64Counter
	transitions  metric.Int64Counter
	rejections   metric.Int64Counter
	stateGauge   metric.Float64Gauge
	meterFailure bool
}

// NewOTelMetrics creates an OpenTelemetry-backed collector.
func NewOTelMetrics() *OTelMetrics {
	meter := otel.Meter("actionexec/resilience")
	m := &OTelMetrics{}

	var err error
	m.requests, err = meter.Int64Counter("circuitbreaker.requests.total",
		metric.WithDescription("Request outcomes recorded by the circuit breaker"))
	if err != nil {
		m.meterFailure = true
	}
	m.transitions, err = meter.Int64Counter("circuitbreaker.transitions.total",
		metric.WithDescription("Circuit breaker state transitions"))
	if err != nil {
		m.meterFailure = true
	}
	m.rejections, err = meter.Int64Counter("circuitbreaker.rejections.total",
		metric.WithDescription("Requests rejected by an open circuit"))
	if err != nil {
		m.meterFailure = true
	}
	m.stateGauge, err = meter.Float64Gauge("circuitbreaker.state",
		metric.WithDescription("Current circuit state (0=closed, 0.5=half-open, 1=open)"))
	if err != nil {
		m.meterFailure = true
	}
	return m
}

func (m *OTelMetrics) RecordSuccess(host string) {
	if m.meterFailure {
		return
	}
	m.requests.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("host", host),
			attribute.String("outcome", "success"),
		))
}

func (m *OTelMetrics) RecordFailure(host string, category string) {
	if m.meterFailure {
		return
	}
	m.requests.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("host", host),
			attribute.String("outcome", "failure"),
			attribute.String("category", category),
		))
}

func (m *OTelMetrics) RecordStateChange(host, from, to string) {
	if m.meterFailure {
		return
	}
	m.transitions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("host", host),
			attribute.String("from", from),
			attribute.String("to", to),
		))

	var value float64
	switch to {
	case StateOpen.String():
		value = stateValueOpen
	case StateHalfOpen.String():
		value = stateValueHalfOpen
	default:
		value = stateValueClosed
	}
	m.stateGauge.Record(context.Background(), value,
		metric.WithAttributes(attribute.String("host", host)))
}

func (m *OTelMetrics) RecordRejection(host string) {
	if m.meterFailure {
		return
	}
	m.rejections.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("host", host)))
}
