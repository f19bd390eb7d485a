// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys shared across packages.
const (
	TaskIDKey       = "task.id"
	TaskMovieKey    = "task.movie"
	TaskSubtitleKey = "task.subtitle"
	PhaseKey        = "task.phase"
	NextPhaseKey    = "task.next_phase"

	SegmentsTotalKey     = "hls.segments.total"
	SegmentsRemainingKey = "hls.segments.remaining"
	EncryptionMethodKey  = "hls.encryption.method"

	MergeKeptKey    = "merge.index.kept"
	MergeDroppedKey = "merge.index.dropped"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// TaskAttributes identifies the task a span belongs to.
func TaskAttributes(id int64, movie, subtitle string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.Int64(TaskIDKey, id)}
	if movie != "" {
		attrs = append(attrs, attribute.String(TaskMovieKey, movie))
	}
	if subtitle != "" {
		attrs = append(attrs, attribute.String(TaskSubtitleKey, subtitle))
	}
	return attrs
}

// SegmentAttributes describes the ledger state seen by a phase.
func SegmentAttributes(total, remaining int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(SegmentsTotalKey, total),
		attribute.Int(SegmentsRemainingKey, remaining),
	}
}

// ErrorAttributes flags a span as failed with a coarse error class.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
