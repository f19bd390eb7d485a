// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldSessionID = "session_id"
	FieldTaskID    = "task_id"
	FieldTraceID   = "trace_id"
	FieldSpanID    = "span_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPhase     = "phase"
	FieldNextPhase = "next_phase"

	// Download fields
	FieldURL        = "url"
	FieldSegment    = "segment"
	FieldSegments   = "segments"
	FieldCompleted  = "completed"
	FieldRemaining  = "remaining"
	FieldRetryCount = "retry_count"
	FieldPath       = "path"

	// Transcoder fields
	FieldBinary   = "binary"
	FieldExitCode = "exit_code"
)
