package memory

import "sync/atomic"

// Metrics captures lightweight runtime counters for observability.
type Metrics struct {
	stored           atomic.Int64
	storeFailures    atomic.Int64
	retrievals       atomic.Int64
	retrieved        atomic.Int64
	crossSession     atomic.Int64
	summaries        atomic.Int64
	summaryFallbacks atomic.Int64
	degraded         atomic.Int64
}

func (m *Metrics) IncStored()          { m.stored.Add(1) }
func (m *Metrics) IncStoreFailure()    { m.storeFailures.Add(1) }
func (m *Metrics) IncRetrieved(n int)  { m.retrievals.Add(1); m.retrieved.Add(int64(n)) }
func (m *Metrics) IncCrossSession()    { m.crossSession.Add(1) }
func (m *Metrics) IncSummaries()       { m.summaries.Add(1) }
func (m *Metrics) IncSummaryFallback() { m.summaryFallbacks.Add(1) }
func (m *Metrics) IncDegraded()        { m.degraded.Add(1) }

// MetricsSnapshot holds the current values for reporting/logging.
type MetricsSnapshot struct {
	Stored           int64 `json:"stored"`
	StoreFailures    int64 `json:"store_failures"`
	Retrievals       int64 `json:"retrievals"`
	Retrieved        int64 `json:"retrieved"`
	CrossSession     int64 `json:"cross_session"`
	Summaries        int64 `json:"summaries"`
	SummaryFallbacks int64 `json:"summary_fallbacks"`
	Degraded         int64 `json:"degraded"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Stored:           m.stored.Load(),
		StoreFailures:    m.storeFailures.Load(),
		Retrievals:       m.retrievals.Load(),
		Retrieved:        m.retrieved.Load(),
		CrossSession:     m.crossSession.Load(),
		Summaries:        m.summaries.Load(),
		SummaryFallbacks: m.summaryFallbacks.Load(),
		Degraded:         m.degraded.Load(),
	}
}
