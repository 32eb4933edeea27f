// Package types defines the JSON wire types exchanged between the
// measurement agent and the collector. The agent publishes Events over MQTT
// (and submits completed ones over HTTP); the collector decodes the same
// types. These are deliberately separate from the agent's in-memory compute
// types so the wire format can stay stable.
package types
