// Package metrics exposes Prometheus collectors for synchronization runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ChunksScanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "mechsync", Name: "chunks_scanned_total", Help: "Block ranges fetched from the log source"},
		[]string{"contract", "event"},
	)
	EventsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "mechsync", Name: "events_stored_total", Help: "Events inserted into the checkpoint document"},
		[]string{"contract", "event"},
	)
	ContractScans = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "mechsync", Name: "contract_scans_total", Help: "Contract scans by outcome"},
		[]string{"contract", "outcome"},
	)
	LastProcessedBlock = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "mechsync", Name: "last_processed_block", Help: "Checkpoint cursor position"},
		[]string{"contract", "event"},
	)
	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: "mechsync", Name: "sync_duration_seconds", Help: "Duration of a full synchronization run", Buckets: prometheus.ExponentialBuckets(1, 2, 12)},
	)
)

func init() {
	prometheus.MustRegister(ChunksScanned, EventsStored, ContractScans, LastProcessedBlock, SyncDuration)
}
