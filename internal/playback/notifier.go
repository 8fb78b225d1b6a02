package playback

// Events bridges scheduler state back to the orchestrator. All callbacks are
// optional; nil callbacks are skipped. OnFirstAudio fires at most once per
// session, when the first chunk actually starts playing on the device; it
// marks the perceived-latency boundary. Exactly one of OnSessionComplete and
// OnSessionAborted fires per session.
type Events struct {
	OnFirstAudio      func(sessionID string)
	OnSessionComplete func(sessionID string)
	OnSessionAborted  func(sessionID string, reason string)
}

func (e Events) fireFirstAudio(sessionID string) {
	if e.OnFirstAudio != nil {
		e.OnFirstAudio(sessionID)
	}
}

func (e Events) fireSessionComplete(sessionID string) {
	if e.OnSessionComplete != nil {
		e.OnSessionComplete(sessionID)
	}
}

func (e Events) fireSessionAborted(sessionID, reason string) {
	if e.OnSessionAborted != nil {
		e.OnSessionAborted(sessionID, reason)
	}
}
