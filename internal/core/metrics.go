package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// loadsTotal counts finished loads by table and outcome ("ok" or the error kind).
	loadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csvmerge_loads_total",
			Help: "Total number of loads by table and outcome",
		},
		[]string{"table", "outcome"},
	)

	// rowsTotal counts rows by table and operation (staged, updated, inserted).
	rowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csvmerge_rows_total",
			Help: "Total number of rows processed by committed loads",
		},
		[]string{"table", "op"},
	)

	loadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "csvmerge_load_duration_seconds",
			Help:    "Duration of loads from begin to commit or rollback",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"table"},
	)

	loadsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "csvmerge_loads_in_flight",
			Help: "Number of loads currently holding a limiter slot",
		},
	)
)

func observeLoad(table string, res *Result, err error, elapsed time.Duration) {
	loadDuration.WithLabelValues(table).Observe(elapsed.Seconds())
	if err != nil {
		loadsTotal.WithLabelValues(table, KindOf(err).String()).Inc()
		return
	}
	loadsTotal.WithLabelValues(table, "ok").Inc()
	rowsTotal.WithLabelValues(table, "staged").Add(float64(res.RowsStaged))
	rowsTotal.WithLabelValues(table, "updated").Add(float64(res.RowsUpdated))
	rowsTotal.WithLabelValues(table, "inserted").Add(float64(res.RowsInserted))
}
