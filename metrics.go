package vectorlite

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    addCounter      prometheus.Counter
//	    searchHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordAdd(duration time.Duration, err error) {
//	    p.addCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordAdd is called after each add operation.
	// duration is the total time taken, err is nil if successful.
	RecordAdd(duration time.Duration, err error)

	// RecordBatchAdd is called after each batch add operation.
	// count is the number of entries attempted, failed is the number that
	// failed, duration is the total time taken.
	RecordBatchAdd(count, failed int, duration time.Duration)

	// RecordSearch is called after each search operation.
	// k is the number of results requested, duration is the time taken,
	// err is nil if successful.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordDelete is called after each soft-delete operation.
	RecordDelete(duration time.Duration, err error)

	// RecordRebuild is called after each index rebuild.
	RecordRebuild(duration time.Duration, err error)

	// RecordImport is called after each JSON import.
	// count is the number of entries imported.
	RecordImport(count int, duration time.Duration, err error)

	// RecordExport is called after each JSON export.
	// count is the number of entries exported.
	RecordExport(count int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAdd(time.Duration, error)         {}
func (NoopMetricsCollector) RecordBatchAdd(int, int, time.Duration) {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)      {}
func (NoopMetricsCollector) RecordRebuild(time.Duration, error)     {}
func (NoopMetricsCollector) RecordImport(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordExport(int, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AddCount         atomic.Int64
	AddErrors        atomic.Int64
	AddTotalNanos    atomic.Int64
	BatchAddCount    atomic.Int64
	BatchAddItems    atomic.Int64
	BatchAddFailed   atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	RebuildCount     atomic.Int64
	RebuildErrors    atomic.Int64
	ImportCount      atomic.Int64
	ImportItems      atomic.Int64
	ImportErrors     atomic.Int64
	ExportCount      atomic.Int64
	ExportItems      atomic.Int64
	ExportErrors     atomic.Int64
}

// RecordAdd implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAdd(duration time.Duration, err error) {
	b.AddCount.Add(1)
	b.AddTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AddErrors.Add(1)
	}
}

// RecordBatchAdd implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatchAdd(count, failed int, duration time.Duration) {
	b.BatchAddCount.Add(1)
	b.BatchAddItems.Add(int64(count))
	b.BatchAddFailed.Add(int64(failed))
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordRebuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRebuild(duration time.Duration, err error) {
	b.RebuildCount.Add(1)
	if err != nil {
		b.RebuildErrors.Add(1)
	}
}

// RecordImport implements MetricsCollector.
func (b *BasicMetricsCollector) RecordImport(count int, duration time.Duration, err error) {
	b.ImportCount.Add(1)
	b.ImportItems.Add(int64(count))
	if err != nil {
		b.ImportErrors.Add(1)
	}
}

// RecordExport implements MetricsCollector.
func (b *BasicMetricsCollector) RecordExport(count int, duration time.Duration, err error) {
	b.ExportCount.Add(1)
	b.ExportItems.Add(int64(count))
	if err != nil {
		b.ExportErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		AddCount:       b.AddCount.Load(),
		AddErrors:      b.AddErrors.Load(),
		AddAvgNanos:    b.getAvgAddNanos(),
		BatchAddCount:  b.BatchAddCount.Load(),
		BatchAddItems:  b.BatchAddItems.Load(),
		BatchAddFailed: b.BatchAddFailed.Load(),
		SearchCount:    b.SearchCount.Load(),
		SearchErrors:   b.SearchErrors.Load(),
		SearchAvgNanos: b.getAvgSearchNanos(),
		DeleteCount:    b.DeleteCount.Load(),
		DeleteErrors:   b.DeleteErrors.Load(),
		RebuildCount:   b.RebuildCount.Load(),
		RebuildErrors:  b.RebuildErrors.Load(),
		ImportCount:    b.ImportCount.Load(),
		ImportItems:    b.ImportItems.Load(),
		ImportErrors:   b.ImportErrors.Load(),
		ExportCount:    b.ExportCount.Load(),
		ExportItems:    b.ExportItems.Load(),
		ExportErrors:   b.ExportErrors.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgAddNanos() int64 {
	count := b.AddCount.Load()
	if count == 0 {
		return 0
	}
	return b.AddTotalNanos.Load() / count
}

func (b *BasicMetricsCollector) getAvgSearchNanos() int64 {
	count := b.SearchCount.Load()
	if count == 0 {
		return 0
	}
	return b.SearchTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	AddCount       int64
	AddErrors      int64
	AddAvgNanos    int64
	BatchAddCount  int64
	BatchAddItems  int64
	BatchAddFailed int64
	SearchCount    int64
	SearchErrors   int64
	SearchAvgNanos int64
	DeleteCount    int64
	DeleteErrors   int64
	RebuildCount   int64
	RebuildErrors  int64
	ImportCount    int64
	ImportItems    int64
	ImportErrors   int64
	ExportCount    int64
	ExportItems    int64
	ExportErrors   int64
}
