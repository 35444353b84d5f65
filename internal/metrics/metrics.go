package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chantrace/chantrace/internal/database/models"
	"github.com/chantrace/chantrace/internal/tracker"
)

// TrackerStatsProvider exposes a snapshot of the channel tracker.
type TrackerStatsProvider interface {
	Stats() tracker.Stats
}

// JournalCounter returns journaled call event counts by kind.
type JournalCounter interface {
	CountByKind(ctx context.Context, kind string) (int64, error)
}

// FeedClientCounter returns the number of connected feed subscribers.
type FeedClientCounter interface {
	ClientCount() int
}

// Collector is a prometheus.Collector that gathers chantrace metrics at scrape time.
type Collector struct {
	trackerStats TrackerStatsProvider
	journal      JournalCounter
	feed         FeedClientCounter
	startTime    time.Time

	// Metric descriptors.
	channelsDesc        *prometheus.Desc
	dialEdgesDesc       *prometheus.Desc
	eventsDesc          *prometheus.Desc
	eventsSkippedDesc   *prometheus.Desc
	callEventsDesc      *prometheus.Desc
	journaledEventsDesc *prometheus.Desc
	feedClientsDesc     *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	trackerStats TrackerStatsProvider,
	journal JournalCounter,
	feed FeedClientCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		trackerStats: trackerStats,
		journal:      journal,
		feed:         feed,
		startTime:    startTime,

		channelsDesc: prometheus.NewDesc(
			"chantrace_channels",
			"Number of channels currently tracked",
			nil, nil,
		),
		dialEdgesDesc: prometheus.NewDesc(
			"chantrace_dial_edges",
			"Number of open dial attempts in the dial graph",
			nil, nil,
		),
		eventsDesc: prometheus.NewDesc(
			"chantrace_ami_events_processed_total",
			"Total AMI events processed by the tracker",
			nil, nil,
		),
		eventsSkippedDesc: prometheus.NewDesc(
			"chantrace_ami_events_skipped_total",
			"Total AMI events skipped due to recoverable errors",
			nil, nil,
		),
		callEventsDesc: prometheus.NewDesc(
			"chantrace_call_events_total",
			"Total call events emitted since process start",
			[]string{"kind"}, nil,
		),
		journaledEventsDesc: prometheus.NewDesc(
			"chantrace_journaled_events",
			"Call events stored in the journal database",
			[]string{"kind"}, nil,
		),
		feedClientsDesc: prometheus.NewDesc(
			"chantrace_feed_clients",
			"Number of connected WebSocket feed subscribers",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"chantrace_uptime_seconds",
			"Seconds since the chantrace process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.channelsDesc
	ch <- c.dialEdgesDesc
	ch <- c.eventsDesc
	ch <- c.eventsSkippedDesc
	ch <- c.callEventsDesc
	ch <- c.journaledEventsDesc
	ch <- c.feedClientsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.trackerStats != nil {
		stats := c.trackerStats.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.channelsDesc, prometheus.GaugeValue, float64(stats.Channels),
		)
		ch <- prometheus.MustNewConstMetric(
			c.dialEdgesDesc, prometheus.GaugeValue, float64(stats.DialEdges),
		)
		ch <- prometheus.MustNewConstMetric(
			c.eventsDesc, prometheus.CounterValue, float64(stats.EventsProcessed),
		)
		ch <- prometheus.MustNewConstMetric(
			c.eventsSkippedDesc, prometheus.CounterValue, float64(stats.EventsSkipped),
		)
		ch <- prometheus.MustNewConstMetric(
			c.callEventsDesc, prometheus.CounterValue,
			float64(stats.BDials), models.CallEventBDial,
		)
		ch <- prometheus.MustNewConstMetric(
			c.callEventsDesc, prometheus.CounterValue,
			float64(stats.Transfers), models.CallEventTransfer,
		)
	}

	if c.journal != nil {
		for _, kind := range []string{models.CallEventBDial, models.CallEventTransfer} {
			count, err := c.journal.CountByKind(ctx, kind)
			if err != nil {
				slog.Error("metrics: failed to count journaled events", "kind", kind, "error", err)
				continue
			}
			ch <- prometheus.MustNewConstMetric(
				c.journaledEventsDesc, prometheus.GaugeValue,
				float64(count), kind,
			)
		}
	}

	if c.feed != nil {
		ch <- prometheus.MustNewConstMetric(
			c.feedClientsDesc, prometheus.GaugeValue,
			float64(c.feed.ClientCount()),
		)
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
