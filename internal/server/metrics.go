// -----------------------------------------------------------------------
// Metrics - Prometheus collector over queue and worker statistics
// -----------------------------------------------------------------------

package server

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ternarybob/agenda/internal/app"
)

var (
	jobsDesc = prometheus.NewDesc(
		"agenda_jobs",
		"Number of jobs in the queue by status.",
		[]string{"status"}, nil,
	)
	processedDesc = prometheus.NewDesc(
		"agenda_worker_processed_jobs_total",
		"Jobs processed by the worker pool since start.",
		nil, nil,
	)
	failedDesc = prometheus.NewDesc(
		"agenda_worker_failed_jobs_total",
		"Jobs that failed permanently since start.",
		nil, nil,
	)
	activeDesc = prometheus.NewDesc(
		"agenda_worker_active_jobs",
		"Jobs currently executing.",
		nil, nil,
	)
	uptimeDesc = prometheus.NewDesc(
		"agenda_worker_uptime_seconds",
		"Seconds since the worker pool started. Zero when stopped.",
		nil, nil,
	)
)

// queueCollector exports queue and worker gauges computed at scrape time.
// Stats come straight from GetStats, so scrapes see the same numbers the
// API reports.
type queueCollector struct {
	app *app.App
}

func newMetricsRegistry(application *app.App) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&queueCollector{app: application})
	return registry
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsDesc
	ch <- processedDesc
	ch <- failedDesc
	ch <- activeDesc
	ch <- uptimeDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if stats, err := c.app.QueueService.GetStats(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(stats.Pending), "pending")
		ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(stats.Processing), "processing")
		ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(stats.Completed), "completed")
		ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(stats.Failed), "failed")
	} else {
		c.app.Logger.Warn().Err(err).Msg("Metrics scrape failed to read queue stats")
	}

	worker := c.app.WorkerPool.Stats()
	ch <- prometheus.MustNewConstMetric(processedDesc, prometheus.CounterValue, float64(worker.ProcessedJobs))
	ch <- prometheus.MustNewConstMetric(failedDesc, prometheus.CounterValue, float64(worker.FailedJobs))
	ch <- prometheus.MustNewConstMetric(activeDesc, prometheus.GaugeValue, float64(worker.ActiveJobs))
	ch <- prometheus.MustNewConstMetric(uptimeDesc, prometheus.GaugeValue, worker.Uptime.Seconds())
}
