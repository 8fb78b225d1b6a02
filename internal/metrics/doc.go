// Package metrics defines the Prometheus instrumentation for the playout
// service: ingest volume, session lifecycle, the audio pipeline, delivery to
// the device, cue-based advancement and cleanup.
package metrics
