package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionStatusProvider exposes the DevLink3 link state.
type ConnectionStatusProvider interface {
	StatusString() string
	BadMagicCount() uint64
}

// StateProvider exposes live counts from the in-memory state core.
type StateProvider interface {
	ActiveCallCount() int
	AgentCount() int
	GroupCount() int
}

// BufferDepthProvider exposes the persistence backlog.
type BufferDepthProvider interface {
	Size() int
}

// CorrelationStatsProvider exposes SMDR reconciliation outcomes.
type CorrelationStatsProvider interface {
	Stats() (byID, byWindow, standalone, evicted uint64)
	ErrorCount() uint64
	PendingCount() int
}

// SmdrStatsProvider exposes SMDR listener counters.
type SmdrStatsProvider interface {
	Records() uint64
	ParseFailures() uint64
	ActiveConns() int64
}

// connection states reported as labelled gauges, 1 for the current one.
var connectionStates = []string{
	"closed", "dialing", "connected", "authenticated",
	"subscribed", "wait_backoff", "auth_failed",
}

// Collector is a prometheus.Collector that gathers collector metrics at
// scrape time. Any provider may be nil if the subsystem is disabled.
type Collector struct {
	connection  ConnectionStatusProvider
	state       StateProvider
	buffer      BufferDepthProvider
	correlation CorrelationStatsProvider
	smdr        SmdrStatsProvider
	startTime   time.Time

	connectionStatusDesc *prometheus.Desc
	badMagicDesc         *prometheus.Desc
	activeCallsDesc      *prometheus.Desc
	agentsDesc           *prometheus.Desc
	groupsDesc           *prometheus.Desc
	bufferDepthDesc      *prometheus.Desc
	correlationDesc      *prometheus.Desc
	correlationErrsDesc  *prometheus.Desc
	pendingMatchesDesc   *prometheus.Desc
	smdrRecordsDesc      *prometheus.Desc
	smdrFailuresDesc     *prometheus.Desc
	smdrConnsDesc        *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(
	connection ConnectionStatusProvider,
	state StateProvider,
	buffer BufferDepthProvider,
	correlation CorrelationStatsProvider,
	smdr SmdrStatsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		connection:  connection,
		state:       state,
		buffer:      buffer,
		correlation: correlation,
		smdr:        smdr,
		startTime:   startTime,

		connectionStatusDesc: prometheus.NewDesc(
			"callsight_devlink_connection_status",
			"DevLink3 connection state (1 for the current state)",
			[]string{"state"}, nil,
		),
		badMagicDesc: prometheus.NewDesc(
			"callsight_devlink_bad_magic_total",
			"Bytes discarded resynchronising the DevLink3 frame stream",
			nil, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"callsight_active_calls",
			"Number of live calls tracked in memory",
			nil, nil,
		),
		agentsDesc: prometheus.NewDesc(
			"callsight_agents",
			"Number of agents tracked in memory",
			nil, nil,
		),
		groupsDesc: prometheus.NewDesc(
			"callsight_hunt_groups",
			"Number of hunt groups tracked in memory",
			nil, nil,
		),
		bufferDepthDesc: prometheus.NewDesc(
			"callsight_persist_buffer_depth",
			"Call events waiting to be flushed to the database",
			nil, nil,
		),
		correlationDesc: prometheus.NewDesc(
			"callsight_smdr_correlated_total",
			"SMDR records reconciled, by matching outcome",
			[]string{"outcome"}, nil,
		),
		correlationErrsDesc: prometheus.NewDesc(
			"callsight_correlation_errors_total",
			"Correlation engine handler failures",
			nil, nil,
		),
		pendingMatchesDesc: prometheus.NewDesc(
			"callsight_correlation_pending",
			"Ended calls awaiting their SMDR record",
			nil, nil,
		),
		smdrRecordsDesc: prometheus.NewDesc(
			"callsight_smdr_records_total",
			"SMDR lines parsed successfully",
			nil, nil,
		),
		smdrFailuresDesc: prometheus.NewDesc(
			"callsight_smdr_parse_failures_total",
			"SMDR lines that could not be parsed",
			nil, nil,
		),
		smdrConnsDesc: prometheus.NewDesc(
			"callsight_smdr_connections",
			"Open SMDR delivery connections",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callsight_uptime_seconds",
			"Seconds since the collector process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectionStatusDesc
	ch <- c.badMagicDesc
	ch <- c.activeCallsDesc
	ch <- c.agentsDesc
	ch <- c.groupsDesc
	ch <- c.bufferDepthDesc
	ch <- c.correlationDesc
	ch <- c.correlationErrsDesc
	ch <- c.pendingMatchesDesc
	ch <- c.smdrRecordsDesc
	ch <- c.smdrFailuresDesc
	ch <- c.smdrConnsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.connection != nil {
		current := c.connection.StatusString()
		for _, s := range connectionStates {
			val := 0.0
			if s == current {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.connectionStatusDesc, prometheus.GaugeValue, val, s,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.badMagicDesc, prometheus.CounterValue,
			float64(c.connection.BadMagicCount()),
		)
	}

	if c.state != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.state.ActiveCallCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.agentsDesc, prometheus.GaugeValue,
			float64(c.state.AgentCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.groupsDesc, prometheus.GaugeValue,
			float64(c.state.GroupCount()),
		)
	}

	if c.buffer != nil {
		ch <- prometheus.MustNewConstMetric(
			c.bufferDepthDesc, prometheus.GaugeValue,
			float64(c.buffer.Size()),
		)
	}

	if c.correlation != nil {
		byID, byWindow, standalone, evicted := c.correlation.Stats()
		outcomes := []struct {
			name  string
			value uint64
		}{
			{"matched_by_id", byID},
			{"matched_by_window", byWindow},
			{"standalone", standalone},
			{"evicted", evicted},
		}
		for _, o := range outcomes {
			ch <- prometheus.MustNewConstMetric(
				c.correlationDesc, prometheus.CounterValue,
				float64(o.value), o.name,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.correlationErrsDesc, prometheus.CounterValue,
			float64(c.correlation.ErrorCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.pendingMatchesDesc, prometheus.GaugeValue,
			float64(c.correlation.PendingCount()),
		)
	}

	if c.smdr != nil {
		ch <- prometheus.MustNewConstMetric(
			c.smdrRecordsDesc, prometheus.CounterValue,
			float64(c.smdr.Records()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.smdrFailuresDesc, prometheus.CounterValue,
			float64(c.smdr.ParseFailures()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.smdrConnsDesc, prometheus.GaugeValue,
			float64(c.smdr.ActiveConns()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
