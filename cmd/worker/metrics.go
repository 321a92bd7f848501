package main

import (
	"context"
	"time"

	"github.com/guido-cesarano/opgeeweb/pkg/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for monitoring task processing.
var (
	// tasksProcessed counts outcomes by status ("success", "retry", "failed") and type.
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opgee_processed_total",
		Help: "The total number of processed tasks",
	}, []string{"status", "type"})

	// taskDuration is the wall time of a run, including storing the output.
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opgee_task_duration_seconds",
		Help:    "Duration of task processing",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"type"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "opgee_queue_depth",
		Help: "Number of tasks in each queue",
	}, []string{"queue"})

	// queueLatency is time.Now() - task.CreatedAt at pickup.
	queueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opgee_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

// collectQueueMetrics refreshes the queue depth gauges every 5 seconds.
func collectQueueMetrics(ctx context.Context, client *queue.Client) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, depth := range client.GetQueueDepths(ctx) {
				queueDepth.WithLabelValues(name).Set(float64(depth))
			}
		}
	}
}
