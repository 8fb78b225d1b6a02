// Package device is the delivery channel to the remote playback device. It
// wraps the device's HTTP API (upload, play, delete of audio files) with
// bounded retries and transient/permanent failure classification, and
// exposes the device's WebSocket event feed for playback-complete
// notifications.
package device
