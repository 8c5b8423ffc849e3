package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"trafficmon/internal/pipeline"
)

// sessionCollector reads the counters of every registered session at
// scrape time
type sessionCollector struct {
	mgr pipeline.SessionManager

	captured  *prometheus.Desc
	dropped   *prometheus.Desc
	processed *prometheus.Desc
	failures  *prometheus.Desc
	reconnect *prometheus.Desc
	latency   *prometheus.Desc
	up        *prometheus.Desc
}

func newSessionCollector(mgr pipeline.SessionManager) *sessionCollector {
	labels := []string{"stream"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "session", name), help, labels, nil)
	}
	return &sessionCollector{
		mgr:       mgr,
		captured:  desc("frames_captured_total", "Frames read from the source", labels),
		dropped:   desc("frames_dropped_total", "Frames overwritten in the relay before inference", labels),
		processed: desc("frames_processed_total", "Frames analysed", labels),
		failures:  desc("detector_failures_total", "Frames passed through after a failure", labels),
		reconnect: desc("reconnects_total", "Source reconnect attempts", labels),
		latency:   desc("inference_ms", "Moving average of detector latency", labels),
		up:        desc("up", "Session status (1 for the current status)", []string{"stream", "status"}),
	}
}

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.captured
	ch <- c.dropped
	ch <- c.processed
	ch <- c.failures
	ch <- c.reconnect
	ch <- c.latency
	ch <- c.up
}

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	for _, info := range c.mgr.List() {
		s := info.Stats
		ch <- prometheus.MustNewConstMetric(c.captured, prometheus.CounterValue, float64(s.FramesCaptured), info.ID)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.FramesDropped), info.ID)
		ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(s.FramesProcessed), info.ID)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(s.DetectorFailures), info.ID)
		ch <- prometheus.MustNewConstMetric(c.reconnect, prometheus.CounterValue, float64(s.Reconnects), info.ID)
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, s.AvgInferenceMs, info.ID)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1, info.ID, string(info.Status))
	}
}
