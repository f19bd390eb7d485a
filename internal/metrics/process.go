// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8d_proc_terminate_total",
		Help: "Signals sent to transcoder process groups by result",
	}, []string{"signal", "result"}) // result=sent|esrch|error

	procWait = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8d_proc_wait_total",
		Help: "Transcoder wait outcomes after termination",
	}, []string{"outcome"})

	mergeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "m3u8d_merge_duration_seconds",
		Help:    "Duration of transcoder concat runs",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"result"})

	mergePruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "m3u8d_merge_pruned_entries_total",
		Help: "Index entries dropped because their segment file was missing",
	})

	cleanupJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8d_cleanup_jobs_total",
		Help: "Deferred cleanup jobs by outcome",
	}, []string{"outcome"}) // outcome=done|cancelled|error

	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8d_publish_total",
		Help: "Uploads of merged outputs to object storage by outcome",
	}, []string{"outcome"})
)

func IncProcTerminate(signal, result string) { procTerminate.WithLabelValues(signal, result).Inc() }
func IncProcWait(outcome string)             { procWait.WithLabelValues(outcome).Inc() }

// ObserveMerge records one transcoder run.
func ObserveMerge(seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	mergeDuration.WithLabelValues(result).Observe(seconds)
}

func AddMergePruned(n int)      { mergePruned.Add(float64(n)) }
func IncCleanup(outcome string) { cleanupJobs.WithLabelValues(outcome).Inc() }
func IncPublish(outcome string) { publishTotal.WithLabelValues(outcome).Inc() }
