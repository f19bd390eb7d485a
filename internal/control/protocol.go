// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package control

import (
	"encoding/json"

	"github.com/ManuGH/m3u8d/internal/task"
)

// Request message types.
const (
	MsgDownloadVideo = "downloadVideo"
	MsgQueuePop      = "get_download_info_by_queue"
	MsgRetryDownload = "retry_download"
)

// Reply message types. Engine events use their own mes_type values.
const (
	ReplyError     = "error"
	ReplyRejected  = "rejected"
	ReplyQueued    = "queued"
	ReplyQueueItem = "queueItem"
)

// Request is a client frame. ID is echoed verbatim in replies.
type Request struct {
	ID               json.RawMessage  `json:"id,omitempty"`
	MessageType      string           `json:"messageType"`
	DownloadTaskInfo *task.Descriptor `json:"downloadTaskInfo,omitempty"`
}

// Reply answers a request directly, as opposed to engine events which
// arrive asynchronously.
type Reply struct {
	ID               json.RawMessage  `json:"id,omitempty"`
	Type             string           `json:"mes_type"`
	Message          string           `json:"message,omitempty"`
	DownloadTaskInfo *task.Descriptor `json:"downloadTaskInfo"`
}

// MarshalJSON omits downloadTaskInfo except on queue items, where null
// means the queue was empty.
func (r Reply) MarshalJSON() ([]byte, error) {
	type plain Reply
	if r.Type == ReplyQueueItem {
		return json.Marshal(plain(r))
	}
	return json.Marshal(struct {
		ID      json.RawMessage `json:"id,omitempty"`
		Type    string          `json:"mes_type"`
		Message string          `json:"message,omitempty"`
	}{r.ID, r.Type, r.Message})
}
