package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// dprtCollector implements prometheus.Collector, snapshotting the runtime
// on each scrape.
type dprtCollector struct {
	srv *Server

	// Per-task counters
	taskBursts       *prometheus.Desc
	taskRxPackets    *prometheus.Desc
	taskProcessed    *prometheus.Desc
	taskTxPackets    *prometheus.Desc
	taskBufBytes     *prometheus.Desc
	taskBufOverflows *prometheus.Desc

	// Resource gauges
	tasksRunning    *prometheus.Desc
	pipelinesLoaded *prometheus.Desc
	endpointsOpen   *prometheus.Desc
	buffersLive     *prometheus.Desc
	lcoresAvailable *prometheus.Desc

	// Pool gauges
	poolCapacity  *prometheus.Desc
	poolAvailable *prometheus.Desc
}

func newCollector(srv *Server) *dprtCollector {
	taskLabels := []string{"task", "lcore", "direction"}
	return &dprtCollector{
		srv: srv,

		taskBursts: prometheus.NewDesc(
			"dprt_task_bursts_total",
			"Non-empty bursts processed by the task.",
			taskLabels, nil,
		),
		taskRxPackets: prometheus.NewDesc(
			"dprt_task_rx_packets_total",
			"Packets received by the task.",
			taskLabels, nil,
		),
		taskProcessed: prometheus.NewDesc(
			"dprt_task_processed_packets_total",
			"Packets consumed by the task's pipeline.",
			taskLabels, nil,
		),
		taskTxPackets: prometheus.NewDesc(
			"dprt_task_tx_packets_total",
			"Packets transmitted by the task.",
			taskLabels, nil,
		),
		taskBufBytes: prometheus.NewDesc(
			"dprt_task_buffer_bytes_total",
			"Record bytes written to the task's buffer.",
			taskLabels, nil,
		),
		taskBufOverflows: prometheus.NewDesc(
			"dprt_task_buffer_overflows_total",
			"Records dropped because they did not fit the buffer.",
			taskLabels, nil,
		),

		tasksRunning: prometheus.NewDesc(
			"dprt_tasks_running",
			"Tasks with an active worker loop.",
			nil, nil,
		),
		pipelinesLoaded: prometheus.NewDesc(
			"dprt_pipelines_loaded",
			"Loaded pipelines.",
			nil, nil,
		),
		endpointsOpen: prometheus.NewDesc(
			"dprt_endpoints_open",
			"Open port endpoints.",
			nil, nil,
		),
		buffersLive: prometheus.NewDesc(
			"dprt_buffers_live",
			"Live device-visible buffers.",
			nil, nil,
		),
		lcoresAvailable: prometheus.NewDesc(
			"dprt_lcores_available",
			"Worker cores not currently assigned to a task.",
			nil, nil,
		),

		poolCapacity: prometheus.NewDesc(
			"dprt_pool_capacity",
			"Total packet buffers in the shared pool.",
			nil, nil,
		),
		poolAvailable: prometheus.NewDesc(
			"dprt_pool_available",
			"Free packet buffers in the shared pool.",
			nil, nil,
		),
	}
}

func (c *dprtCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.taskBursts
	ch <- c.taskRxPackets
	ch <- c.taskProcessed
	ch <- c.taskTxPackets
	ch <- c.taskBufBytes
	ch <- c.taskBufOverflows
	ch <- c.tasksRunning
	ch <- c.pipelinesLoaded
	ch <- c.endpointsOpen
	ch <- c.buffersLive
	ch <- c.lcoresAvailable
	ch <- c.poolCapacity
	ch <- c.poolAvailable
}

func (c *dprtCollector) Collect(ch chan<- prometheus.Metric) {
	rt := c.srv.rt

	running := 0
	for _, t := range rt.Tasks() {
		if t.Running {
			running++
		}
		direction := "deparser"
		if t.Parser {
			direction = "parser"
		}
		labels := []string{t.Name, strconv.Itoa(t.Lcore), direction}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
		}
		counter(c.taskBursts, t.Stats.Bursts)
		counter(c.taskRxPackets, t.Stats.RxPackets)
		counter(c.taskProcessed, t.Stats.Processed)
		counter(c.taskTxPackets, t.Stats.TxPackets)
		counter(c.taskBufBytes, t.Stats.BufBytes)
		counter(c.taskBufOverflows, t.Stats.BufOverflows)
	}

	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	gauge(c.tasksRunning, running)
	gauge(c.pipelinesLoaded, len(rt.Pipelines()))
	gauge(c.endpointsOpen, len(rt.Endpoints()))
	gauge(c.buffersLive, len(rt.Buffers()))
	gauge(c.lcoresAvailable, rt.AvailableLcores())

	capacity, available := rt.PoolStats()
	gauge(c.poolCapacity, capacity)
	gauge(c.poolAvailable, available)
}
