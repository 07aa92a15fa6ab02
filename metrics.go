package blkmap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	blocksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blkmap_blocks_written",
		Help: "The total number of blocks written",
	})

	blocksRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blkmap_blocks_read",
		Help: "The total number of blocks read",
	})

	shortTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blkmap_short_transfers",
		Help: "The number of reads or writes that transferred fewer blocks than requested",
	})

	blocksReadLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blkmap_blocks_read_time",
		Help:    "Time spent dispatching reads",
		Buckets: prometheus.DefBuckets,
	})

	blocksWriteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blkmap_blocks_write_time",
		Help:    "Time spent dispatching writes",
		Buckets: prometheus.DefBuckets,
	})

	iops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blkmap_iops",
		Help: "The total number of iops",
	})

	liveDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blkmap_devices",
		Help: "The number of live block-map devices",
	})

	liveSlices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blkmap_slices",
		Help: "The number of slices across all live devices",
	})
)

func counterValue(c prometheus.Counter) int64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}

	return int64(m.GetCounter().GetValue())
}

func gaugeValue(g prometheus.Gauge) int64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}

	return int64(m.GetGauge().GetValue())
}
