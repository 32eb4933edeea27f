// Package shipper delivers run events off the agent.
//
// Shipper implements run.Reporter. Report converts each event to its JSON
// wire form (types.Event) and places it in an in-memory channel (default
// capacity 1000) without blocking the run. When the buffer is full the
// oldest event is evicted so the latest state is always preserved.
//
// Shipper.Run drains the buffer to every configured Publisher, retrying
// transient failures with truncated exponential backoff (1s to 60s, ±25%
// jitter). Errors wrapped with Permanent discard the event immediately. On
// shutdown the remaining events get a single delivery attempt.
//
// Publishers:
//   - MQTTPublisher: <prefix>/<device>/events for every event, and the
//     retained <prefix>/<device>/report for completed runs
//   - HTTPSubmitter: POST of completed runs to a collection endpoint; 4xx
//     responses (other than 408 and 429) are permanent
package shipper
