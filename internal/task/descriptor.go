// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package task defines the download task model: the descriptor exchanged
// with clients, the phase enumeration and the on-disk task context.
package task

import "strconv"

// Download status values reported in Descriptor.DownloadStatus.
const (
	StatusWait            = "wait"
	StatusDownloading     = "downloading"
	StatusDownloadFail    = "downloadFail"
	StatusDownloadSuccess = "downloadSuccess"
)

// Descriptor is the task record shared with control clients and the task
// store. Field names follow the client wire format.
type Descriptor struct {
	ID             int64  `json:"id"`
	MovieName      string `json:"movie_name"`
	URL            string `json:"url"`
	SubTitleName   string `json:"sub_title_name"`
	Status         string `json:"status"`
	DownloadCount  int    `json:"download_count"`
	Count          int    `json:"count"`
	DownloadStatus string `json:"download_status"`
	SavePath       string `json:"save_path"`
}

// Key identifies the task in logs and registries.
func (d Descriptor) Key() string {
	return strconv.FormatInt(d.ID, 10)
}

// RetryKey is the retry-governor key: source URL and movie name.
func (d Descriptor) RetryKey() string {
	return d.URL + "_" + d.MovieName
}
