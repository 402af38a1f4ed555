// Package metrics is the process-wide Prometheus collector for the
// fragment processor: a custom Collector querying the job registry
// directly, matching this codebase's inventory-statistics pattern. The
// /metrics endpoint that exposes it is served by internal/server.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kubev2v/fragproc/internal/registry"
)

const namespace = "fragproc"

// jobStatsCollector queries the registry on every scrape rather than
// caching counters in memory, so a fresh process reports accurate state
// immediately after crash recovery.
type jobStatsCollector struct {
	reg registry.Registry

	jobsByStatus    *prometheus.Desc
	processedLines  *prometheus.Desc
	errorLines      *prometheus.Desc
}

// NewCollector returns a prometheus.Collector reporting job counts by
// status and cumulative line counts across all currently PROCESSING jobs.
func NewCollector(reg registry.Registry) prometheus.Collector {
	fqName := func(name string) string {
		return fmt.Sprintf("%s_%s", namespace, name)
	}

	return &jobStatsCollector{
		reg: reg,
		jobsByStatus: prometheus.NewDesc(
			fqName("jobs_by_status"),
			"Number of jobs currently in each status.",
			[]string{"status"},
			nil,
		),
		processedLines: prometheus.NewDesc(
			fqName("processing_lines_total"),
			"Lines processed so far across all PROCESSING jobs.",
			nil,
			nil,
		),
		errorLines: prometheus.NewDesc(
			fqName("processing_error_lines_total"),
			"Invalid lines found so far across all PROCESSING jobs.",
			nil,
			nil,
		),
	}
}

func (c *jobStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobsByStatus
	ch <- c.processedLines
	ch <- c.errorLines
}

func (c *jobStatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx := context.Background()
	statuses := []registry.Status{
		registry.StatusNew, registry.StatusQueued, registry.StatusProcessing,
		registry.StatusDone, registry.StatusError, registry.StatusCancelled,
	}

	var processing []registry.Job
	for _, status := range statuses {
		jobs, err := c.reg.ListByStatus(ctx, status, "", 0)
		if err != nil {
			zap.S().Named("metrics").Errorw("failed to collect job counts", "status", status, "error", err)
			return
		}
		ch <- prometheus.MustNewConstMetric(c.jobsByStatus, prometheus.GaugeValue, float64(len(jobs)), string(status))
		if status == registry.StatusProcessing {
			processing = jobs
		}
	}

	var lines, errs int64
	for _, j := range processing {
		lines += j.ProcessedLines
		errs += j.ErrorLines
	}
	ch <- prometheus.MustNewConstMetric(c.processedLines, prometheus.GaugeValue, float64(lines))
	ch <- prometheus.MustNewConstMetric(c.errorLines, prometheus.GaugeValue, float64(errs))
}
