package main

import "sync/atomic"

// Metrics are lock-free counters reported by INFO.
type Metrics struct {
	TotalConnections atomic.Uint64
	TotalCommands    atomic.Uint64
	ItemsAdded       atomic.Uint64 // adds that set at least one new bit
	ItemsPresent     atomic.Uint64 // adds reported as already present
	CapacityErrors   atomic.Uint64
	Lookups          atomic.Uint64
	Rewrites         atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}
