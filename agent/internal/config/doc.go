// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{Agent}: full config tree parsed from YAML
//   - AgentConfig: device_id, tick_interval, stabilize_timeout, repeat, run,
//     source, publish, http
//   - RunConfig: sample_count, warmup_samples, drift, stability; Orchestrator()
//     converts it to run.Config
//   - SourceConfig: type (mqtt|prometheus|simulated) plus one block per type
//   - PublishConfig: buffer_size, mqtt (events) and http (report submission)
//   - AuthConfig: mode (mtls|apikey|bearer|basic|none); Key(), Token() and
//     Password() resolve secrets from environment variables
//
// Load(path) reads the YAML file, applies defaults (the compute package
// parameters, 100ms ticks, 1000 event buffer), then validates.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. The agent applies a reloaded config
// at the start of its next run; a run in progress keeps its parameters.
package config
