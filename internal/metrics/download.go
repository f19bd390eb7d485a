// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics exposes the Prometheus instruments of the download engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	segmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8d_segments_total",
		Help: "Segment fetch attempts by outcome",
	}, []string{"outcome"}) // outcome=success|http_error|empty|decrypt_error|write_error

	segmentBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "m3u8d_segment_bytes_total",
		Help: "Decrypted segment bytes written to disk",
	})

	fetchesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "m3u8d_fetches_in_flight",
		Help: "Segment fetches currently holding a pool permit",
	})

	phaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8d_phase_transitions_total",
		Help: "Completed phase invocations by phase and result",
	}, []string{"phase", "result"}) // result=ok|error

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "m3u8d_phase_duration_seconds",
		Help:    "Wall time spent per phase invocation",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"phase"})

	sliceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "m3u8d_slice_retries_total",
		Help: "Re-entries into downloadSlice granted by the retry governor",
	})

	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8d_tasks_finished_total",
		Help: "Tasks that reached a terminal state",
	}, []string{"status"}) // status=downloadSuccess|downloadFail
)

// IncSegment records one segment outcome.
func IncSegment(outcome string) { segmentsTotal.WithLabelValues(outcome).Inc() }

// AddSegmentBytes records bytes persisted for successful segments.
func AddSegmentBytes(n int) { segmentBytesTotal.Add(float64(n)) }

// IncFetchInFlight marks a pool permit as acquired.
func IncFetchInFlight() { fetchesInFlight.Inc() }

// DecFetchInFlight marks a pool permit as released.
func DecFetchInFlight() { fetchesInFlight.Dec() }

// ObservePhase records the outcome and duration of one phase invocation.
func ObservePhase(phase string, seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	phaseTransitions.WithLabelValues(phase, result).Inc()
	phaseDuration.WithLabelValues(phase).Observe(seconds)
}

// IncSliceRetry records a granted downloadSlice retry.
func IncSliceRetry() { sliceRetries.Inc() }

// IncTaskFinished records a terminal task status.
func IncTaskFinished(status string) { tasksFinished.WithLabelValues(status).Inc() }
