package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// telescopeCollector implements prometheus.Collector, reading controller
// stats on each scrape.
type telescopeCollector struct {
	srv *Server

	addresses          *prometheus.Desc
	darkBlocks         *prometheus.Desc
	darkBlocksInactive *prometheus.Desc

	ticksTotal           *prometheus.Desc
	incompleteTicksTotal *prometheus.Desc
	tickDuration         *prometheus.Desc
	lastTick             *prometheus.Desc

	transitionsTotal    *prometheus.Desc
	flagReadErrorsTotal *prometheus.Desc
	writeErrorsTotal    *prometheus.Desc
	pendingWrites       *prometheus.Desc

	darkResetsTotal      *prometheus.Desc
	darkResetErrorsTotal *prometheus.Desc
	darkReadErrorsTotal  *prometheus.Desc
	meterErrorsTotal     *prometheus.Desc

	eventsTotal *prometheus.Desc
}

func newCollector(srv *Server) *telescopeCollector {
	return &telescopeCollector{
		srv: srv,

		addresses: prometheus.NewDesc(
			"telescope_addresses",
			"Monitored addresses by liveness state.",
			[]string{"state"}, nil,
		),
		darkBlocks: prometheus.NewDesc(
			"telescope_dark_blocks",
			"Monitored /24 blocks with a dark meter.",
			nil, nil,
		),
		darkBlocksInactive: prometheus.NewDesc(
			"telescope_dark_blocks_inactive",
			"/24 blocks with at least one inactive address after the last tick.",
			nil, nil,
		),
		ticksTotal: prometheus.NewDesc(
			"telescope_ticks_total",
			"Completed liveness passes.",
			nil, nil,
		),
		incompleteTicksTotal: prometheus.NewDesc(
			"telescope_incomplete_ticks_total",
			"Liveness passes interrupted before completion.",
			nil, nil,
		),
		tickDuration: prometheus.NewDesc(
			"telescope_tick_duration_seconds",
			"Duration of the last liveness pass.",
			nil, nil,
		),
		lastTick: prometheus.NewDesc(
			"telescope_last_tick_timestamp_seconds",
			"Unix time the last liveness pass completed.",
			nil, nil,
		),
		transitionsTotal: prometheus.NewDesc(
			"telescope_transitions_total",
			"Address state changes written to the data plane.",
			[]string{"to"}, nil,
		),
		flagReadErrorsTotal: prometheus.NewDesc(
			"telescope_flag_read_errors_total",
			"Seen-flag reads that failed on every replica.",
			nil, nil,
		),
		writeErrorsTotal: prometheus.NewDesc(
			"telescope_active_write_errors_total",
			"Failed fast-path state writes.",
			nil, nil,
		),
		pendingWrites: prometheus.NewDesc(
			"telescope_pending_writes",
			"Fast-path state writes waiting to be retried.",
			nil, nil,
		),
		darkResetsTotal: prometheus.NewDesc(
			"telescope_dark_counter_resets_total",
			"Dark counters reset after crossing the overflow threshold.",
			nil, nil,
		),
		darkResetErrorsTotal: prometheus.NewDesc(
			"telescope_dark_counter_reset_errors_total",
			"Failed dark counter resets.",
			nil, nil,
		),
		darkReadErrorsTotal: prometheus.NewDesc(
			"telescope_dark_counter_read_errors_total",
			"Failed dark counter reads.",
			nil, nil,
		),
		meterErrorsTotal: prometheus.NewDesc(
			"telescope_meter_update_errors_total",
			"Failed dark meter updates during rebalancing.",
			nil, nil,
		),
		eventsTotal: prometheus.NewDesc(
			"telescope_events_total",
			"Events recorded in the event buffer.",
			nil, nil,
		),
	}
}

func (c *telescopeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.addresses
	ch <- c.darkBlocks
	ch <- c.darkBlocksInactive
	ch <- c.ticksTotal
	ch <- c.incompleteTicksTotal
	ch <- c.tickDuration
	ch <- c.lastTick
	ch <- c.transitionsTotal
	ch <- c.flagReadErrorsTotal
	ch <- c.writeErrorsTotal
	ch <- c.pendingWrites
	ch <- c.darkResetsTotal
	ch <- c.darkResetErrorsTotal
	ch <- c.darkReadErrorsTotal
	ch <- c.meterErrorsTotal
	ch <- c.eventsTotal
}

func (c *telescopeCollector) Collect(ch chan<- prometheus.Metric) {
	ctrl := c.srv.ctrl
	if ctrl == nil {
		return
	}
	st := ctrl.Stats()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.addresses, float64(st.Tracker.Fresh), "fresh")
	gauge(c.addresses, float64(st.Tracker.Decaying), "decaying")
	gauge(c.addresses, float64(st.Tracker.Inactive), "inactive")
	gauge(c.darkBlocks, float64(st.DarkBlocks))
	gauge(c.darkBlocksInactive, float64(st.InactiveBlocks))

	counter(c.ticksTotal, st.Tracker.Ticks)
	counter(c.incompleteTicksTotal, st.IncompleteTicks)
	gauge(c.tickDuration, st.Tracker.LastTick.Seconds())
	if !st.LastTickAt.IsZero() {
		gauge(c.lastTick, float64(st.LastTickAt.Unix()))
	}

	counter(c.transitionsTotal, st.Tracker.ToActive, "active")
	counter(c.transitionsTotal, st.Tracker.ToInactive, "inactive")
	counter(c.flagReadErrorsTotal, st.Tracker.ReadErrors)
	counter(c.writeErrorsTotal, st.Tracker.WriteErrors)
	gauge(c.pendingWrites, float64(st.Tracker.Pending))

	counter(c.darkResetsTotal, st.DarkResets)
	counter(c.darkResetErrorsTotal, st.DarkResetErrors)
	counter(c.darkReadErrorsTotal, st.DarkReadErrors)
	counter(c.meterErrorsTotal, st.MeterUpdateErrors)

	if c.srv.eventBuf != nil {
		counter(c.eventsTotal, c.srv.eventBuf.Total())
	}
}
