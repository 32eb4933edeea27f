// Package source provides the non-blocking reading sources a run polls.
//
// Every source delivers readings into a one-slot mailbox: a newer reading
// overwrites an unread older one and TryRead takes the slot if it is full.
// TryRead never blocks, so a tick without a new reading is a no-op for the
// run.
//
// Implemented sources: MQTT subscription (mqtt.go), Prometheus exposition
// polling (prometheus.go), and a deterministic simulated load cell
// (simulated.go). Factory: New(ctx, config.SourceConfig).
package source
