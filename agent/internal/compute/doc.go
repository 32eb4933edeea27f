// Package compute holds the measurement core of the agent.
//
// drift.go provides the Compensator, a stateful filter that tracks the
// long-run baseline of the load cell and, once a drift larger than the
// configured threshold is seen, accumulates a bounded correction offset.
// The activation latch is one-way: once active the filter stays active.
//
// stabilize.go provides the Detector, a fixed ring buffer of the last K
// compensated readings that is evaluated every time the write index wraps.
// A full window is Stable when its maximum absolute deviation from the mean
// is within the stability threshold and the mean is above the minimum weight
// floor; a flat window at or below the floor is StableButEmpty.
//
// aggregate.go provides the Aggregator, an append-only run of N readings,
// and report.go the pure Finalize step that turns a full run into a Report
// with a quality verdict: excellent <0.1%, good <0.5%, acceptable <1%, poor.
//
// None of the types here are safe for concurrent use; a run is driven by a
// single goroutine (see package run).
package compute
