// Package playback contains the playout core: the per-session scheduler that
// plays transcoded chunks on the device strictly in order with pipelined
// preparation and event-or-timer advancement, the cleanup worker pool that
// deletes consumed remote files, and the notifier that reports first-audio
// and terminal session states to the orchestrator.
package playback
