// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	controlSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "m3u8d_control_sessions",
		Help: "Open control channel connections",
	})

	controlMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8d_control_messages_total",
		Help: "Control requests received by message type",
	}, []string{"type"})

	controlEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8d_control_events_total",
		Help: "Events relayed to control clients by mes_type",
	}, []string{"mes_type"})

	activeTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "m3u8d_active_tasks",
		Help: "Tasks currently driven by the engine",
	})

	queueOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8d_queue_operations_total",
		Help: "Submission queue operations by op and result",
	}, []string{"op", "result"}) // op=push|pop result=ok|empty|error
)

func IncControlSessions()           { controlSessions.Inc() }
func DecControlSessions()           { controlSessions.Dec() }
func IncControlMessage(kind string) { controlMessages.WithLabelValues(kind).Inc() }
func IncControlEvent(kind string)   { controlEvents.WithLabelValues(kind).Inc() }
func SetActiveTasks(n int)          { activeTasks.Set(float64(n)) }
func IncQueueOp(op, result string)  { queueOps.WithLabelValues(op, result).Inc() }
