// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-opgpcard.
//
// go-opgpcard is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for the card store.
// It exposes flash wear counters, compaction counts, and data-object
// dispatch outcomes so a host application embedding the store can watch
// flash consumption and protocol error rates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all card store metrics
	Namespace = "opgpcard"

	// Label names
	LabelOperation = "operation"
	LabelStatus    = "status"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Operation names
	OpGetData   = "get_data"
	OpPutData   = "put_data"
	OpPublicKey = "public_key"
	OpKeyImport = "key_import"
	OpKeyLoad   = "key_load"
	OpRekey     = "rekey"
	OpCompact   = "compact"
)

var (
	// FlashProgramsTotal counts bytes programmed into flash. Flash cells
	// tolerate a limited number of write cycles, so this is the primary
	// wear indicator.
	FlashProgramsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "flash_programmed_bytes_total",
			Help:      "Total number of bytes programmed into flash",
		},
	)

	// FlashReleasesTotal counts tombstoned records.
	FlashReleasesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "flash_releases_total",
			Help:      "Total number of flash records tombstoned",
		},
	)

	// CompactionsTotal counts data pool compactions.
	CompactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "compactions_total",
			Help:      "Total number of data pool compactions",
		},
	)

	// OperationsTotal tracks dispatcher and custody operations by
	// operation name and status. Use RecordOperation to increment.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of card store operations by type and status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// LiveDataBytes tracks the byte footprint of all live data object
	// payloads in the pool.
	LiveDataBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "live_data_bytes",
			Help:      "Byte footprint of live data object payloads",
		},
	)

	// PrivateKeys tracks the number of private keys currently present.
	PrivateKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "private_keys",
			Help:      "Number of private keys currently present",
		},
	)
)

// RecordOperation increments OperationsTotal with a success/error status
// derived from err.
func RecordOperation(operation string, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	OperationsTotal.WithLabelValues(operation, status).Inc()
}
