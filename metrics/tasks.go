package metrics

import (
	"github.com/glimte/mmate-comms/internal/taskmanager"
	"github.com/prometheus/client_golang/prometheus"
)

// TaskCollector exposes task manager statistics, read on every scrape
type TaskCollector struct {
	stats func() taskmanager.Stats

	capacity  *prometheus.Desc
	active    *prometheus.Desc
	queued    *prometheus.Desc
	submitted *prometheus.Desc
	completed *prometheus.Desc
	failed    *prometheus.Desc
	timedOut  *prometheus.Desc
	offers    *prometheus.Desc
}

var _ prometheus.Collector = (*TaskCollector)(nil)

// NewTaskCollector creates a collector over stats. Register it with a
// prometheus.Registerer.
func NewTaskCollector(namespace string, stats func() taskmanager.Stats) *TaskCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "tasks", name), help, labels, nil)
	}
	return &TaskCollector{
		stats:     stats,
		capacity:  desc("capacity", "Maximum concurrent non-internal tasks."),
		active:    desc("active", "Running tasks.", "kind"),
		queued:    desc("queued", "Tasks waiting for a free slot."),
		submitted: desc("submitted_total", "Total number of submitted tasks."),
		completed: desc("completed_total", "Total number of completed tasks."),
		failed:    desc("failed_total", "Total number of failed tasks."),
		timedOut:  desc("timed_out_total", "Total number of tasks that exceeded their timeout."),
		offers:    desc("offers_total", "Total number of capacity offers made to consumers."),
	}
}

func (c *TaskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.active
	ch <- c.queued
	ch <- c.submitted
	ch <- c.completed
	ch <- c.failed
	ch <- c.timedOut
	ch <- c.offers
}

func (c *TaskCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.Capacity))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.Active), "external")
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.InternalActive), "internal")
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(s.Queued))
	ch <- prometheus.MustNewConstMetric(c.submitted, prometheus.CounterValue, float64(s.Submitted))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(s.Completed))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.Failed))
	ch <- prometheus.MustNewConstMetric(c.timedOut, prometheus.CounterValue, float64(s.TimedOut))
	ch <- prometheus.MustNewConstMetric(c.offers, prometheus.CounterValue, float64(s.Offers))
}
