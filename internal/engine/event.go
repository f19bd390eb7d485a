// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package engine

import (
	"context"

	"github.com/ManuGH/m3u8d/internal/task"
)

// Event kinds relayed to control clients in the mes_type field.
const (
	EventParseSourceEnd   = "parseSourceEnd"
	EventProgress         = "progress"
	EventDownloadSliceEnd = "downloadSliceEnd"
	EventCheckSourceEnd   = "checkSourceEnd"
	EventEnd              = "end"
)

// Event is one task notification. Status carries the phase the task moves
// to next, or the failing phase for a failed end event.
type Event struct {
	ID             int64  `json:"id"`
	Type           string `json:"mes_type"`
	Status         string `json:"status,omitempty"`
	Count          *int   `json:"count,omitempty"`
	DownloadCount  *int   `json:"download_count,omitempty"`
	DownloadStatus string `json:"download_status,omitempty"`
}

// Sink receives the events of a run. An Emit error aborts the run.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

func intPtr(n int) *int { return &n }

func parseSourceEnd(id int64, total int) *Event {
	return &Event{
		ID:             id,
		Type:           EventParseSourceEnd,
		Status:         task.DownloadSlice.String(),
		Count:          intPtr(total),
		DownloadStatus: task.StatusDownloading,
	}
}

func progressEvent(id int64, completed int) Event {
	return Event{ID: id, Type: EventProgress, DownloadCount: intPtr(completed)}
}

func downloadSliceEnd(id int64, completed int) *Event {
	return &Event{
		ID:            id,
		Type:          EventDownloadSliceEnd,
		Status:        task.CheckSource.String(),
		DownloadCount: intPtr(completed),
	}
}

func checkSourceEnd(id int64, next task.Phase) *Event {
	return &Event{ID: id, Type: EventCheckSourceEnd, Status: next.String()}
}

func endSuccess(id int64) *Event {
	return &Event{
		ID:             id,
		Type:           EventEnd,
		Status:         task.DownloadEnd.String(),
		DownloadStatus: task.StatusDownloadSuccess,
	}
}

func endFailure(id int64, phase task.Phase) *Event {
	return &Event{
		ID:             id,
		Type:           EventEnd,
		Status:         phase.String(),
		DownloadStatus: task.StatusDownloadFail,
	}
}
