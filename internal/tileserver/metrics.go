package tileserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tilesServedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileserver_tiles_served_total",
		Help: "Total tile requests, partitioned by how they were served.",
	}, []string{"variant", "source"}) // source: cache, render, gray, error

	requestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileserver_request_errors_total",
		Help: "Total tile requests rejected before rendering, by reason.",
	}, []string{"variant", "reason"})

	renderQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileserver_render_queue_depth",
		Help: "Number of render requests currently buffered in the render pool.",
	})

	processorQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileserver_processor_queue_depth",
		Help: "Number of messages currently buffered ahead of the tile-processing actor.",
	})

	renderWorkerDegradations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileserver_render_worker_degradations",
		Help: "Cumulative count of render worker panics recovered by the supervisor.",
	})
)
