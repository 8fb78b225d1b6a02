package playback

import (
	"context"
	"sync"
	"time"

	"github.com/robovoice/playout/internal/audio"
	"github.com/robovoice/playout/internal/device"
)

// Status is the lifecycle state of a playback session.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAborted    Status = "aborted"
)

// chunkState tracks a chunk through the pipeline.
type chunkState int

const (
	chunkReceived chunkState = iota
	chunkTranscoded
	chunkUploading
	chunkReadyToPlay
	chunkPlaying
	chunkPlayed
	chunkFailed
)

// chunkJob is one chunk's mutable pipeline state. All fields are guarded by
// the owning session's mutex except blob and playable, which are written once
// by the preparing goroutine before the state advances past chunkTranscoded.
type chunkJob struct {
	chunk    audio.Chunk
	state    chunkState
	blob     []byte
	playable time.Duration
	handle   device.Handle

	// preparing is set while a transcode+upload goroutine owns the job.
	preparing bool

	// settled flips exactly once, on whichever advancement cue wins.
	settled bool
}

// Session is one logical spoken response: an ordered chunk sequence played
// on the device one chunk at a time. All mutable state is serialized by mu;
// I/O runs in goroutines that re-acquire the lock to publish transitions.
type Session struct {
	ID        string
	StartTime time.Time

	mu           sync.Mutex
	lastActivity time.Time
	status       Status
	abortReason  string

	// ctx is cancelled on abort so in-flight uploads observe it before
	// their next transition.
	ctx    context.Context
	cancel context.CancelFunc

	// queue holds chunks not yet playing, in index order. playing is the
	// exclusive slot: at most one chunk per session.
	queue   []*chunkJob
	playing *chunkJob

	finalSeen  bool
	firstAudio bool

	deltasReceived uint64
	bytesReceived  uint64
	chunksPlayed   int
	chunksFailed   int
}

// SessionInfo is a point-in-time session snapshot for monitoring APIs.
type SessionInfo struct {
	ID             string        `json:"id"`
	Status         Status        `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	StartTime      time.Time     `json:"start_time"`
	LastActivity   time.Time     `json:"last_activity"`
	Duration       time.Duration `json:"duration"`
	DeltasReceived uint64        `json:"deltas_received"`
	BytesReceived  uint64        `json:"bytes_received"`
	ChunksPlayed   int           `json:"chunks_played"`
	ChunksFailed   int           `json:"chunks_failed"`
	ChunksPending  int           `json:"chunks_pending"`
	Playing        bool          `json:"playing"`
	FinalSeen      bool          `json:"final_seen"`
}

// Info returns a snapshot of the session state.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		ID:             s.ID,
		Status:         s.status,
		Reason:         s.abortReason,
		StartTime:      s.StartTime,
		LastActivity:   s.lastActivity,
		Duration:       time.Since(s.StartTime),
		DeltasReceived: s.deltasReceived,
		BytesReceived:  s.bytesReceived,
		ChunksPlayed:   s.chunksPlayed,
		ChunksFailed:   s.chunksFailed,
		ChunksPending:  len(s.queue),
		Playing:        s.playing != nil,
		FinalSeen:      s.finalSeen,
	}
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
