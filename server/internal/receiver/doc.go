// Package receiver accepts run events published by ecoscale agents.
//
// Receiver.Subscribe listens on the broker's events topic filter (one topic
// level per device); Receiver.ServeHTTP accepts the same JSON event as a POST
// body. Both paths go through Handle, which rejects payloads that do not decode
// or lack a device_id, applies the event to the device store and, for
// completed runs, evaluates the alert rules against the report.
package receiver
