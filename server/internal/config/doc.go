// Package config loads the collector configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Config fields:
//   - HTTPPort          port for the REST API and WebSocket hub (default 8080)
//   - BroadcastInterval WebSocket snapshot period (default 5s)
//   - MQTT              broker, topic filter (default "ecoscale/+/events"), client ID
//   - Auth              "apikey" or "none"; key from KeyEnv, header default "x-api-key"
//   - Snapshot.TTL      how long a device stays listed after its last event
//   - History           number of completed reports kept per device
//   - Alerts            report rules and webhook targets
//
// Load(path) applies defaults before unmarshalling, then validates.
package config
