// Package metrics defines Prometheus collectors for the sync engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors for the sync client and storage layer.
var (
	SyncLinesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powersync_sync_lines_total",
		Help: "Cumulative number of sync lines consumed, by line type.",
	}, []string{"type"})
	OplogOpsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "powersync_oplog_ops_total",
		Help: "Cumulative number of operations appended to the bucket oplog.",
	})
	ChecksumFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "powersync_checksum_failures_total",
		Help: "Cumulative number of buckets dropped due to checksum mismatches.",
	})
	SyncLocalTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powersync_sync_local_total",
		Help: "Cumulative number of sync_local attempts, by outcome.",
	}, []string{"outcome"})
	CrudTransactionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "powersync_crud_transactions_total",
		Help: "Cumulative number of local write transactions that captured CRUD entries.",
	})
)

func init() {
	prometheus.MustRegister(
		SyncLinesTotal,
		OplogOpsTotal,
		ChecksumFailuresTotal,
		SyncLocalTotal,
		CrudTransactionsTotal,
	)
}
