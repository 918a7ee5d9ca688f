package privaxy

import (
	"sync"
	"sync/atomic"
)

// topEntryLimit caps how many distinct paths and clients the aggregator
// tracks. Beyond the cap, new keys are ignored rather than evicting hot
// ones.
const topEntryLimit = 500

// Statistics is an immutable snapshot of the aggregate counters, pushed to
// the statistics topic at a fixed interval.
type Statistics struct {
	ProxiedRequests   uint64            `json:"proxied_requests"`
	BlockedRequests   uint64            `json:"blocked_requests"`
	ModifiedResponses uint64            `json:"modified_responses"`
	TopBlockedPaths   map[string]uint64 `json:"top_blocked_paths"`
	TopClients        map[string]uint64 `json:"top_clients"`
}

// StatisticsAggregator accumulates engine activity counters. The scalar
// counters are lock-free so the engine can bump them from its request hot
// path; the per-key maps sit behind a narrow mutex.
type StatisticsAggregator struct {
	proxiedRequests   atomic.Uint64
	blockedRequests   atomic.Uint64
	modifiedResponses atomic.Uint64

	mu              sync.Mutex
	topBlockedPaths map[string]uint64
	topClients      map[string]uint64
}

// NewStatisticsAggregator creates an empty aggregator.
func NewStatisticsAggregator() *StatisticsAggregator {
	return &StatisticsAggregator{
		topBlockedPaths: make(map[string]uint64),
		topClients:      make(map[string]uint64),
	}
}

// RecordProxied records one proxied request from the given client address.
func (a *StatisticsAggregator) RecordProxied(client string) {
	a.proxiedRequests.Add(1)
	a.bump(a.topClients, client)
}

// RecordBlocked records one blocked request for the given path.
func (a *StatisticsAggregator) RecordBlocked(path string) {
	a.blockedRequests.Add(1)
	a.bump(a.topBlockedPaths, path)
}

// RecordModified records one response rewritten by the engine.
func (a *StatisticsAggregator) RecordModified() {
	a.modifiedResponses.Add(1)
}

func (a *StatisticsAggregator) bump(m map[string]uint64, key string) {
	if key == "" {
		return
	}
	a.mu.Lock()
	if _, ok := m[key]; ok || len(m) < topEntryLimit {
		m[key]++
	}
	a.mu.Unlock()
}

// Snapshot returns an immutable copy of the current counters. The returned
// maps do not alias the aggregator's state.
func (a *StatisticsAggregator) Snapshot() Statistics {
	a.mu.Lock()
	paths := make(map[string]uint64, len(a.topBlockedPaths))
	for k, v := range a.topBlockedPaths {
		paths[k] = v
	}
	clients := make(map[string]uint64, len(a.topClients))
	for k, v := range a.topClients {
		clients[k] = v
	}
	a.mu.Unlock()

	return Statistics{
		ProxiedRequests:   a.proxiedRequests.Load(),
		BlockedRequests:   a.blockedRequests.Load(),
		ModifiedResponses: a.modifiedResponses.Load(),
		TopBlockedPaths:   paths,
		TopClients:        clients,
	}
}
