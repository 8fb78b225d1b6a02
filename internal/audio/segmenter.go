package audio

import (
	"sync"
	"time"
)

// Chunk is one bounded slice of a session's speech stream, treated as a
// single playable unit downstream. Index is monotonic per session and Final
// marks the last chunk of the session; a Final chunk may carry zero bytes,
// which still drives session completion.
type Chunk struct {
	SessionID string
	Index     int
	PCM       []byte
	Final     bool
}

// SegmenterConfig controls how the delta stream is sliced.
type SegmenterConfig struct {
	// ChunkDuration is the target playable length of one chunk at the
	// source rate. Larger chunks mean fewer playback transitions but a
	// longer wait for first audio.
	ChunkDuration time.Duration

	// SampleRate is the rate of the incoming PCM16 mono stream.
	SampleRate int

	// Chunking false bypasses slicing entirely: the whole stream is
	// emitted as one final chunk on end-of-stream (single-blob mode).
	Chunking bool
}

// Segmenter slices incoming PCM deltas of arbitrary size into chunks of a
// fixed duration-based byte threshold. It is a pure synchronous transform:
// bytes in, chunks out, order preserved, nothing lost, no errors.
type Segmenter struct {
	chunkBytes int // 0 means unbounded (single-blob mode)

	mu       sync.Mutex
	sessions map[string]*segmentState
}

type segmentState struct {
	buf   []byte
	next  int
	ended bool
}

// NewSegmenter creates a segmenter for the given slicing policy.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	s := &Segmenter{sessions: make(map[string]*segmentState)}
	if cfg.Chunking {
		// Whole int16 samples only.
		n := int(cfg.ChunkDuration * time.Duration(cfg.SampleRate) / time.Second)
		if n < 1 {
			n = 1
		}
		s.chunkBytes = n * 2
	}
	return s
}

// PushDelta appends a delta to the session buffer and returns every chunk
// that became complete, in order. Deltas arriving after EndOfStream are
// discarded: once a session's final chunk exists nothing may follow it.
func (s *Segmenter) PushDelta(sessionID string, delta []byte) []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(sessionID)
	if st.ended || len(delta) == 0 {
		return nil
	}
	st.buf = append(st.buf, delta...)

	if s.chunkBytes == 0 {
		return nil
	}

	var out []Chunk
	for len(st.buf) >= s.chunkBytes {
		pcm := make([]byte, s.chunkBytes)
		copy(pcm, st.buf)
		st.buf = st.buf[s.chunkBytes:]
		out = append(out, Chunk{SessionID: sessionID, Index: st.next, PCM: pcm})
		st.next++
	}
	return out
}

// EndOfStream flushes whatever remains in the session buffer as the final
// chunk and forgets the session. The returned chunk may be empty; an empty
// final chunk is a valid completion marker.
func (s *Segmenter) EndOfStream(sessionID string) Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(sessionID)
	final := Chunk{SessionID: sessionID, Index: st.next, PCM: st.buf, Final: true}
	// Keep a tombstone so late deltas are rejected rather than starting a
	// fresh buffer. Drop removes it.
	st.ended = true
	st.buf = nil
	st.next++
	return final
}

// Drop discards any buffered audio for the session without emitting a final
// chunk. Used on abort.
func (s *Segmenter) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// BufferedBytes reports how much unsegmented audio the session currently
// holds, for monitoring.
func (s *Segmenter) BufferedBytes(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return len(st.buf)
	}
	return 0
}

func (s *Segmenter) state(sessionID string) *segmentState {
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &segmentState{}
		s.sessions[sessionID] = st
	}
	return st
}
