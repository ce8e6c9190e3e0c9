package metrics

import (
	"sync"
	"time"
)

// OperationType names a FUSE callback this filesystem actually
// implements (internal/fuse/filesystem.go); there is no write path, so
// no write/create/rename/etc. variants exist here.
type OperationType string

const (
	OpLookup  OperationType = "lookup"
	OpGetattr OperationType = "getattr"
	OpReaddir OperationType = "readdir"
	OpOpen    OperationType = "open"
	OpRead    OperationType = "read"
	OpRelease OperationType = "release"
)

// CacheSourceType records which of the three read strategies served a
// read: straight from the source fd (NO_CACHED), from the local cache
// file (CACHED/CACHING), or from a file the prefetch controller warmed
// ahead of any reader reaching it.
type CacheSourceType string

const (
	CacheSourceDirect   CacheSourceType = "direct"
	CacheSourceCached   CacheSourceType = "cached"
	CacheSourcePrefetch CacheSourceType = "prefetch"
)

// DetailedOperationMetrics tracks latency/throughput for one operation
// type across the process lifetime.
type DetailedOperationMetrics struct {
	Count             int64         `json:"count"`
	TotalLatency      time.Duration `json:"total_latency"`
	MinLatency        time.Duration `json:"min_latency"`
	MaxLatency        time.Duration `json:"max_latency"`
	AverageLatency    time.Duration `json:"average_latency"`
	ErrorCount        int64         `json:"error_count"`
	BytesProcessed    int64         `json:"bytes_processed"`
	CacheHits         int64         `json:"cache_hits"`
	CacheMisses       int64         `json:"cache_misses"`
	CacheHitRate      float64       `json:"cache_hit_rate"`
	AvgBytesPerOp     float64       `json:"avg_bytes_per_op"`
	ThroughputMBps    float64       `json:"throughput_mbps"`
	LastOperationTime time.Time     `json:"last_operation_time"`
}

// FileOperationMetrics tracks read activity for a single source path,
// bounded by DetailedPerformanceMetrics.MaxTrackedFiles.
type FileOperationMetrics struct {
	Path          string                                      `json:"path"`
	Operations    map[OperationType]*DetailedOperationMetrics `json:"operations"`
	TotalAccesses int64                                       `json:"total_accesses"`
	FirstAccess   time.Time                                   `json:"first_access"`
	LastAccess    time.Time                                   `json:"last_access"`
	BytesRead     int64                                       `json:"bytes_read"`
	CacheHitRate  float64                                     `json:"cache_hit_rate"`
	AvgLatency    time.Duration                                `json:"avg_latency"`
	mu            sync.RWMutex                                `json:"-"`
}

// CacheBreakdownMetrics tracks, per operation type, which of the three
// read strategies served each call.
type CacheBreakdownMetrics struct {
	OperationType  OperationType `json:"operation_type"`
	DirectReads    int64         `json:"direct_reads"`
	CachedReads    int64         `json:"cached_reads"`
	PrefetchReads  int64         `json:"prefetch_reads"`
	TotalRequests  int64         `json:"total_requests"`
	CachedHitRate  float64       `json:"cached_hit_rate"`
	OverallHitRate float64       `json:"overall_hit_rate"`
}

// SourceAccessMetrics tracks how many bytes were served from the
// power-managed source versus the local cache — the figure that
// determines how often source media has to stay spun up.
type SourceAccessMetrics struct {
	BytesFromSource       int64     `json:"bytes_from_source"`
	BytesFromCache        int64     `json:"bytes_from_cache"`
	SourceReadRateMBps    float64   `json:"source_read_rate_mbps"`
	PeakSourceReadRateMBps float64  `json:"peak_source_read_rate_mbps"`
	RequestCount          int64     `json:"request_count"`
	LastUpdateTime        time.Time `json:"last_update_time"`
}

// DetailedPerformanceMetrics aggregates per-operation, per-file, and
// source-access detail behind the /debug/* endpoints; the headline
// counters exposed to Prometheus live in Collector itself.
type DetailedPerformanceMetrics struct {
	mu                  sync.RWMutex
	OperationMetrics    map[OperationType]*DetailedOperationMetrics `json:"operation_metrics"`
	FileMetrics         map[string]*FileOperationMetrics            `json:"-"`
	CacheBreakdown      map[OperationType]*CacheBreakdownMetrics    `json:"cache_breakdown"`
	SourceAccess        *SourceAccessMetrics                        `json:"source_access"`
	StartTime           time.Time                                   `json:"start_time"`
	LastUpdateTime      time.Time                                   `json:"last_update_time"`
	TotalOperations     int64                                       `json:"total_operations"`
	TotalErrors         int64                                       `json:"total_errors"`
	TotalBytesProcessed int64                                       `json:"total_bytes_processed"`
	OverallCacheHitRate float64                                     `json:"overall_cache_hit_rate"`
	OverallErrorRate    float64                                     `json:"overall_error_rate"`
	TopFilesEnabled     bool                                        `json:"top_files_enabled"`
	MaxTrackedFiles     int                                         `json:"max_tracked_files"`
}

// NewDetailedPerformanceMetrics creates a detail tracker. trackFiles
// enables per-path bookkeeping; pass false for deployments where that
// much detail isn't wanted.
func NewDetailedPerformanceMetrics(maxTrackedFiles int, trackFiles bool) *DetailedPerformanceMetrics {
	return &DetailedPerformanceMetrics{
		OperationMetrics: make(map[OperationType]*DetailedOperationMetrics),
		FileMetrics:      make(map[string]*FileOperationMetrics),
		CacheBreakdown:   make(map[OperationType]*CacheBreakdownMetrics),
		SourceAccess:     &SourceAccessMetrics{},
		StartTime:        time.Now(),
		LastUpdateTime:   time.Now(),
		TopFilesEnabled:  trackFiles,
		MaxTrackedFiles:  maxTrackedFiles,
	}
}

// RecordOperation records one FUSE callback's outcome for path (path
// may be empty for callbacks that aren't path-scoped).
func (dpm *DetailedPerformanceMetrics) RecordOperation(
	opType OperationType,
	path string,
	latency time.Duration,
	bytes int64,
	cacheSource CacheSourceType,
	err error,
) {
	dpm.mu.Lock()
	defer dpm.mu.Unlock()

	now := time.Now()
	dpm.LastUpdateTime = now
	dpm.TotalOperations++
	dpm.TotalBytesProcessed += bytes

	if dpm.OperationMetrics[opType] == nil {
		dpm.OperationMetrics[opType] = &DetailedOperationMetrics{MinLatency: latency}
	}
	om := dpm.OperationMetrics[opType]
	om.Count++
	om.TotalLatency += latency
	om.LastOperationTime = now
	om.BytesProcessed += bytes

	if latency < om.MinLatency || om.MinLatency == 0 {
		om.MinLatency = latency
	}
	if latency > om.MaxLatency {
		om.MaxLatency = latency
	}
	om.AverageLatency = time.Duration(int64(om.TotalLatency) / om.Count)

	if cacheSource == CacheSourceCached || cacheSource == CacheSourcePrefetch {
		om.CacheHits++
	} else {
		om.CacheMisses++
	}
	if total := om.CacheHits + om.CacheMisses; total > 0 {
		om.CacheHitRate = float64(om.CacheHits) / float64(total)
	}

	if err != nil {
		om.ErrorCount++
		dpm.TotalErrors++
	}

	if om.Count > 0 {
		om.AvgBytesPerOp = float64(om.BytesProcessed) / float64(om.Count)
	}
	if om.TotalLatency > 0 {
		om.ThroughputMBps = (float64(om.BytesProcessed) / (1024 * 1024)) / om.TotalLatency.Seconds()
	}

	dpm.updateCacheBreakdown(opType, cacheSource)

	if dpm.TopFilesEnabled && path != "" {
		dpm.updateFileMetrics(path, opType, latency, bytes, cacheSource, err)
	}

	dpm.updateOverallMetrics()
}

// RecordSourceAccess records one read's worth of bytes against whichever
// of the source or the local cache actually served it.
func (dpm *DetailedPerformanceMetrics) RecordSourceAccess(fromSource bool, bytes int64, duration time.Duration) {
	dpm.mu.Lock()
	defer dpm.mu.Unlock()

	sa := dpm.SourceAccess
	if fromSource {
		sa.BytesFromSource += bytes
	} else {
		sa.BytesFromCache += bytes
	}
	sa.RequestCount++
	sa.LastUpdateTime = time.Now()

	if fromSource && duration > 0 {
		rate := (float64(bytes) / (1024 * 1024)) / duration.Seconds()
		if rate > sa.PeakSourceReadRateMBps {
			sa.PeakSourceReadRateMBps = rate
		}
		if sa.RequestCount == 1 {
			sa.SourceReadRateMBps = rate
		} else {
			sa.SourceReadRateMBps = (sa.SourceReadRateMBps * 0.9) + (rate * 0.1)
		}
	}
}

// GetOperationMetrics returns a copy of the metrics for one operation
// type, or nil if it has never been recorded.
func (dpm *DetailedPerformanceMetrics) GetOperationMetrics(opType OperationType) *DetailedOperationMetrics {
	dpm.mu.RLock()
	defer dpm.mu.RUnlock()

	if om, exists := dpm.OperationMetrics[opType]; exists {
		omCopy := *om
		return &omCopy
	}
	return nil
}

// GetTopFiles returns up to n FileOperationMetrics, most-accessed first.
func (dpm *DetailedPerformanceMetrics) GetTopFiles(n int) []*FileOperationMetrics {
	dpm.mu.RLock()
	defer dpm.mu.RUnlock()

	if !dpm.TopFilesEnabled {
		return nil
	}

	files := make([]*FileOperationMetrics, 0, len(dpm.FileMetrics))
	for _, fm := range dpm.FileMetrics {
		files = append(files, &FileOperationMetrics{
			Path:          fm.Path,
			TotalAccesses: fm.TotalAccesses,
			FirstAccess:   fm.FirstAccess,
			LastAccess:    fm.LastAccess,
			BytesRead:     fm.BytesRead,
			CacheHitRate:  fm.CacheHitRate,
			AvgLatency:    fm.AvgLatency,
		})
	}

	for i := 0; i < len(files)-1; i++ {
		for j := i + 1; j < len(files); j++ {
			if files[j].TotalAccesses > files[i].TotalAccesses {
				files[i], files[j] = files[j], files[i]
			}
		}
	}

	if n > len(files) {
		n = len(files)
	}
	return files[:n]
}

// GetSummary returns a snapshot of the headline figures, used by the
// /debug/metrics endpoint.
func (dpm *DetailedPerformanceMetrics) GetSummary() map[string]interface{} {
	dpm.mu.RLock()
	defer dpm.mu.RUnlock()

	uptime := time.Since(dpm.StartTime)
	return map[string]interface{}{
		"uptime_seconds":         uptime.Seconds(),
		"total_operations":       dpm.TotalOperations,
		"total_errors":           dpm.TotalErrors,
		"total_bytes_processed":  dpm.TotalBytesProcessed,
		"overall_cache_hit_rate": dpm.OverallCacheHitRate,
		"overall_error_rate":     dpm.OverallErrorRate,
		"operations_per_second":  float64(dpm.TotalOperations) / uptime.Seconds(),
		"bytes_from_source":      dpm.SourceAccess.BytesFromSource,
		"bytes_from_cache":       dpm.SourceAccess.BytesFromCache,
		"tracked_files_count":    len(dpm.FileMetrics),
		"last_update":            dpm.LastUpdateTime.Format(time.RFC3339),
	}
}

// Reset clears all accumulated detail, used by tests and by a restart
// of the metrics subsystem.
func (dpm *DetailedPerformanceMetrics) Reset() {
	dpm.mu.Lock()
	defer dpm.mu.Unlock()

	dpm.OperationMetrics = make(map[OperationType]*DetailedOperationMetrics)
	dpm.FileMetrics = make(map[string]*FileOperationMetrics)
	dpm.CacheBreakdown = make(map[OperationType]*CacheBreakdownMetrics)
	dpm.SourceAccess = &SourceAccessMetrics{}
	dpm.StartTime = time.Now()
	dpm.LastUpdateTime = time.Now()
	dpm.TotalOperations = 0
	dpm.TotalErrors = 0
	dpm.TotalBytesProcessed = 0
	dpm.OverallCacheHitRate = 0
	dpm.OverallErrorRate = 0
}

func (dpm *DetailedPerformanceMetrics) updateCacheBreakdown(opType OperationType, source CacheSourceType) {
	if dpm.CacheBreakdown[opType] == nil {
		dpm.CacheBreakdown[opType] = &CacheBreakdownMetrics{OperationType: opType}
	}
	cb := dpm.CacheBreakdown[opType]
	cb.TotalRequests++

	switch source {
	case CacheSourceDirect:
		cb.DirectReads++
	case CacheSourceCached:
		cb.CachedReads++
	case CacheSourcePrefetch:
		cb.PrefetchReads++
	}

	if cb.TotalRequests > 0 {
		cb.CachedHitRate = float64(cb.CachedReads) / float64(cb.TotalRequests)
		hits := cb.CachedReads + cb.PrefetchReads
		cb.OverallHitRate = float64(hits) / float64(cb.TotalRequests)
	}
}

func (dpm *DetailedPerformanceMetrics) updateFileMetrics(
	path string,
	opType OperationType,
	latency time.Duration,
	bytes int64,
	cacheSource CacheSourceType,
	err error,
) {
	if len(dpm.FileMetrics) >= dpm.MaxTrackedFiles && dpm.FileMetrics[path] == nil {
		return
	}

	if dpm.FileMetrics[path] == nil {
		dpm.FileMetrics[path] = &FileOperationMetrics{
			Path:        path,
			Operations:  make(map[OperationType]*DetailedOperationMetrics),
			FirstAccess: time.Now(),
		}
	}

	fm := dpm.FileMetrics[path]
	fm.mu.Lock()
	defer fm.mu.Unlock()

	fm.TotalAccesses++
	fm.LastAccess = time.Now()
	if opType == OpRead {
		fm.BytesRead += bytes
	}

	if fm.Operations[opType] == nil {
		fm.Operations[opType] = &DetailedOperationMetrics{MinLatency: latency}
	}
	opMetrics := fm.Operations[opType]
	opMetrics.Count++
	opMetrics.TotalLatency += latency
	opMetrics.BytesProcessed += bytes

	if latency < opMetrics.MinLatency || opMetrics.MinLatency == 0 {
		opMetrics.MinLatency = latency
	}
	if latency > opMetrics.MaxLatency {
		opMetrics.MaxLatency = latency
	}
	opMetrics.AverageLatency = time.Duration(int64(opMetrics.TotalLatency) / opMetrics.Count)

	if cacheSource == CacheSourceCached || cacheSource == CacheSourcePrefetch {
		opMetrics.CacheHits++
	} else {
		opMetrics.CacheMisses++
	}
	if err != nil {
		opMetrics.ErrorCount++
	}

	totalOps, totalHits := int64(0), int64(0)
	var totalLatency time.Duration
	for _, om := range fm.Operations {
		totalOps += om.Count
		totalHits += om.CacheHits
		totalLatency += om.TotalLatency
	}
	if totalOps > 0 {
		fm.CacheHitRate = float64(totalHits) / float64(totalOps)
		fm.AvgLatency = time.Duration(int64(totalLatency) / totalOps)
	}
}

func (dpm *DetailedPerformanceMetrics) updateOverallMetrics() {
	hits, misses := int64(0), int64(0)
	for _, om := range dpm.OperationMetrics {
		hits += om.CacheHits
		misses += om.CacheMisses
	}
	if total := hits + misses; total > 0 {
		dpm.OverallCacheHitRate = float64(hits) / float64(total)
	}
	if dpm.TotalOperations > 0 {
		dpm.OverallErrorRate = float64(dpm.TotalErrors) / float64(dpm.TotalOperations)
	}
}
