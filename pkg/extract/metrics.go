package extract

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datapull_extract_units_total",
			Help: "Total number of extraction units by outcome",
		},
		[]string{"source", "status"},
	)

	RowsStagedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datapull_rows_staged_total",
			Help: "Total number of rows staged by source and table",
		},
		[]string{"source", "table"},
	)
)
