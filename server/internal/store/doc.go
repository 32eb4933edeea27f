// Package store keeps the collector's in-memory view of every device: the
// latest run status plus a bounded history of completed reports. Devices that
// stop reporting are evicted after a TTL. Nothing is persisted.
package store
