package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robovoice/playout/internal/audio"
	"github.com/robovoice/playout/internal/device"
	"github.com/robovoice/playout/internal/metrics"
)

// Deliverer is the slice of the delivery channel the scheduler drives.
type Deliverer interface {
	Upload(ctx context.Context, blob []byte) (device.Handle, error)
	Play(ctx context.Context, h device.Handle) error
}

// CompletionFeed supplies per-handle playback-complete notifications. The
// feed is unreliable; the scheduler always races it against a fallback timer.
type CompletionFeed interface {
	PlaybackDone(name string) <-chan struct{}
	Forget(name string)
}

// Transcoder converts a raw PCM chunk into a device-playable blob.
type Transcoder interface {
	Transcode(pcm []byte) ([]byte, time.Duration, error)
}

// Config contains playback scheduler configuration.
type Config struct {
	// Pipelining overlaps preparation of chunk i+1 with playback of chunk
	// i. Off means strictly sequential prepare-then-play, for debugging.
	Pipelining bool

	// AdvanceMargin is added to a chunk's exact playable duration when
	// arming the fallback timer. A fixed amount calibrated to the device's
	// call overhead, not a multiplier of duration.
	AdvanceMargin time.Duration

	// StrictMode aborts the session on any chunk error instead of
	// skipping the chunk.
	StrictMode bool

	// SessionIdleTimeout is how long a session may sit without activity
	// before the sweep removes it (aborting it first if still in progress).
	SessionIdleTimeout time.Duration
}

// Stats are scheduler-level aggregate counters for the monitoring API.
type Stats struct {
	SessionsCreated   uint64 `json:"sessions_created"`
	SessionsCompleted uint64 `json:"sessions_completed"`
	SessionsAborted   uint64 `json:"sessions_aborted"`
	ChunksPlayed      uint64 `json:"chunks_played"`
	ChunksSkipped     uint64 `json:"chunks_skipped"`
	DeltasReceived    uint64 `json:"deltas_received"`
}

// Scheduler is the core state machine. It owns the session registry and, per
// session, enforces the exclusive playing slot, strict index-order playback,
// pipelined preparation and exactly-one advancement per chunk.
type Scheduler struct {
	config     Config
	segmenter  *audio.Segmenter
	transcoder Transcoder
	deliverer  Deliverer
	feed       CompletionFeed
	cleaner    *Cleaner
	events     Events
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	sessionsCreated   atomic.Uint64
	sessionsCompleted atomic.Uint64
	sessionsAborted   atomic.Uint64
	chunksPlayed      atomic.Uint64
	chunksSkipped     atomic.Uint64
	deltasReceived    atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	sweepDone chan struct{}
}

// NewScheduler creates a playback scheduler and starts its idle-session
// sweep routine.
func NewScheduler(config Config, segmenter *audio.Segmenter, transcoder Transcoder,
	deliverer Deliverer, feed CompletionFeed, cleaner *Cleaner, events Events,
	m *metrics.Metrics, logger *slog.Logger) *Scheduler {

	if config.AdvanceMargin <= 0 {
		config.AdvanceMargin = 250 * time.Millisecond
	}
	if config.SessionIdleTimeout <= 0 {
		config.SessionIdleTimeout = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		config:     config,
		segmenter:  segmenter,
		transcoder: transcoder,
		deliverer:  deliverer,
		feed:       feed,
		cleaner:    cleaner,
		events:     events,
		metrics:    m,
		logger:     logger,
		sessions:   make(map[string]*Session),
		ctx:        ctx,
		cancel:     cancel,
		sweepDone:  make(chan struct{}),
	}

	go s.sweepRoutine()

	return s
}

// PushDelta feeds raw PCM bytes into a session, creating it on first use.
// Chunks emitted by the segmenter enter the playback queue immediately.
func (s *Scheduler) PushDelta(sessionID string, delta []byte) error {
	sess := s.getOrCreate(sessionID)

	sess.mu.Lock()
	if sess.status != StatusInProgress {
		sess.mu.Unlock()
		return fmt.Errorf("session %s is %s, not accepting deltas", sessionID, sess.status)
	}
	if sess.finalSeen {
		sess.mu.Unlock()
		return fmt.Errorf("session %s stream already ended", sessionID)
	}

	sess.lastActivity = time.Now()
	sess.deltasReceived++
	sess.bytesReceived += uint64(len(delta))
	s.deltasReceived.Add(1)
	s.metrics.RecordDelta(len(delta))

	for _, chunk := range s.segmenter.PushDelta(sessionID, delta) {
		s.enqueueLocked(sess, chunk)
	}
	s.pumpLocked(sess)
	sess.mu.Unlock()

	return nil
}

// EndOfStream marks a session's audio stream complete. The segmenter flushes
// its remainder as the final chunk; a zero-length final chunk is a valid
// completion marker that still drives the session to a terminal state.
func (s *Scheduler) EndOfStream(sessionID string) error {
	sess := s.getOrCreate(sessionID)

	sess.mu.Lock()
	if sess.status != StatusInProgress {
		sess.mu.Unlock()
		return fmt.Errorf("session %s is %s", sessionID, sess.status)
	}
	if sess.finalSeen {
		sess.mu.Unlock()
		return fmt.Errorf("session %s stream already ended", sessionID)
	}

	sess.lastActivity = time.Now()
	sess.finalSeen = true
	s.enqueueLocked(sess, s.segmenter.EndOfStream(sessionID))
	s.pumpLocked(sess)
	notify := s.maybeFinishLocked(sess)
	sess.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// Abort cancels a session: in-flight uploads observe the cancellation,
// not-yet-started chunks never play, and every uploaded handle is swept
// into cleanup.
func (s *Scheduler) Abort(sessionID, reason string) error {
	s.mu.RLock()
	sess, exists := s.sessions[sessionID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("session %s not found", sessionID)
	}

	sess.mu.Lock()
	notify := s.abortLocked(sess, reason)
	sess.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// Info returns a snapshot of one session.
func (s *Scheduler) Info(sessionID string) (SessionInfo, bool) {
	s.mu.RLock()
	sess, exists := s.sessions[sessionID]
	s.mu.RUnlock()

	if !exists {
		return SessionInfo{}, false
	}
	return sess.Info(), true
}

// Snapshot returns snapshots of all registered sessions.
func (s *Scheduler) Snapshot() []SessionInfo {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

// ActiveCount returns the number of registered sessions.
func (s *Scheduler) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats returns aggregate lifetime counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		SessionsCreated:   s.sessionsCreated.Load(),
		SessionsCompleted: s.sessionsCompleted.Load(),
		SessionsAborted:   s.sessionsAborted.Load(),
		ChunksPlayed:      s.chunksPlayed.Load(),
		ChunksSkipped:     s.chunksSkipped.Load(),
		DeltasReceived:    s.deltasReceived.Load(),
	}
}

// Stop aborts all in-progress sessions and stops the sweep routine.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping playback scheduler...")

	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		notify := s.abortLocked(sess, "shutdown")
		sess.mu.Unlock()
		if notify != nil {
			notify()
		}
	}

	s.cancel()
	<-s.sweepDone

	s.logger.Info("Playback scheduler stopped",
		slog.Uint64("sessions_completed", s.sessionsCompleted.Load()),
		slog.Uint64("sessions_aborted", s.sessionsAborted.Load()),
		slog.Uint64("chunks_played", s.chunksPlayed.Load()),
	)
}

func (s *Scheduler) getOrCreate(sessionID string) *Session {
	s.mu.RLock()
	sess, exists := s.sessions[sessionID]
	s.mu.RUnlock()
	if exists {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, exists = s.sessions[sessionID]; exists {
		return sess
	}

	ctx, cancel := context.WithCancel(s.ctx)
	now := time.Now()
	sess = &Session{
		ID:           sessionID,
		StartTime:    now,
		lastActivity: now,
		status:       StatusInProgress,
		ctx:          ctx,
		cancel:       cancel,
	}
	s.sessions[sessionID] = sess

	s.sessionsCreated.Add(1)
	s.metrics.RecordSessionCreated()
	s.metrics.SetActiveSessions(len(s.sessions))
	s.logger.Info("Created playback session", slog.String("session_id", sessionID))

	return sess
}

// enqueueLocked appends a chunk to the session queue. Caller holds sess.mu.
func (s *Scheduler) enqueueLocked(sess *Session, chunk audio.Chunk) {
	sess.queue = append(sess.queue, &chunkJob{chunk: chunk})
	s.metrics.RecordChunkSegmented()

	s.logger.Debug("Chunk queued",
		slog.String("session_id", sess.ID),
		slog.Int("index", chunk.Index),
		slog.Int("bytes", len(chunk.PCM)),
		slog.Bool("final", chunk.Final),
	)
}

// pumpLocked drives the session forward: starts playback when the playing
// slot is free and the head chunk is ready, and starts preparation of the
// next chunk per the pipelining rule. Caller holds sess.mu. Terminal
// transitions are not taken here; they happen in settle/skip paths so their
// notifications fire outside the lock.
func (s *Scheduler) pumpLocked(sess *Session) {
	if sess.status != StatusInProgress {
		return
	}

	if sess.playing == nil && len(sess.queue) > 0 {
		head := sess.queue[0]

		// A zero-length final marker never plays or uploads; consuming
		// it leaves the queue empty so the finish check can fire.
		if head.chunk.Final && len(head.chunk.PCM) == 0 {
			sess.queue = sess.queue[1:]
			return
		}

		if head.state == chunkReadyToPlay {
			sess.queue = sess.queue[1:]
			head.state = chunkPlaying
			sess.playing = head
			go s.playAndWait(sess, head)
		}
	}

	// Preparation target: the queue head, either because nothing is
	// playing yet or because pipelining hides its latency behind the
	// current playback.
	if len(sess.queue) == 0 {
		return
	}
	if sess.playing != nil && !s.config.Pipelining {
		return
	}

	next := sess.queue[0]
	if next.state != chunkReceived || next.preparing {
		return
	}
	if next.chunk.Final && len(next.chunk.PCM) == 0 {
		return
	}

	next.preparing = true
	go s.prepare(sess, next)
}

// prepare transcodes and uploads one chunk, then publishes it as ready.
func (s *Scheduler) prepare(sess *Session, job *chunkJob) {
	blob, playable, err := s.transcoder.Transcode(job.chunk.PCM)
	if err != nil {
		s.skipChunk(sess, job, fmt.Errorf("transcode: %w", err))
		return
	}

	sess.mu.Lock()
	if sess.status != StatusInProgress {
		sess.mu.Unlock()
		return
	}
	job.state = chunkTranscoded
	job.blob = blob
	job.playable = playable
	job.state = chunkUploading
	sess.mu.Unlock()

	s.metrics.RecordChunkTranscoded(playable.Seconds(), len(blob))

	start := time.Now()
	handle, err := s.deliverer.Upload(sess.ctx, blob)
	if err != nil {
		if sess.ctx.Err() != nil {
			// Abort won the race; the sweep already ran.
			return
		}

		class := "transient"
		var perm *device.PermanentError
		if errors.As(err, &perm) {
			class = "permanent"
		}
		s.metrics.RecordUploadFailure(class)
		s.skipChunk(sess, job, fmt.Errorf("upload (%s): %w", class, err))
		return
	}
	s.metrics.RecordUploadSuccess(time.Since(start).Seconds())

	sess.mu.Lock()
	if sess.status != StatusInProgress {
		sess.mu.Unlock()
		// Uploaded after the abort sweep; the file is ours to reap.
		s.cleaner.Enqueue(handle)
		return
	}
	job.handle = handle
	job.state = chunkReadyToPlay
	job.preparing = false
	s.pumpLocked(sess)
	sess.mu.Unlock()
}

// playAndWait starts playback of a chunk and blocks its goroutine on the
// advancement race: completion event vs fallback timer, first wins.
func (s *Scheduler) playAndWait(sess *Session, job *chunkJob) {
	// Register the waiter before play so an instant completion event
	// cannot slip past us.
	waiter := s.feed.PlaybackDone(job.handle.Name)

	if err := s.deliverer.Play(sess.ctx, job.handle); err != nil {
		s.feed.Forget(job.handle.Name)
		s.playFailed(sess, job, err)
		return
	}

	s.metrics.RecordPlaybackStarted()

	sess.mu.Lock()
	first := !sess.firstAudio
	sess.firstAudio = true
	latency := time.Since(sess.StartTime)
	sess.mu.Unlock()

	if first {
		s.metrics.RecordFirstAudio(latency.Seconds())
		s.logger.Info("First audio playing",
			slog.String("session_id", sess.ID),
			slog.Duration("latency", latency),
		)
		s.events.fireFirstAudio(sess.ID)
	}

	s.logger.Debug("Chunk playing",
		slog.String("session_id", sess.ID),
		slog.Int("index", job.chunk.Index),
		slog.String("file", job.handle.Name),
		slog.Duration("playable", job.playable),
	)

	timer := time.NewTimer(job.playable + s.config.AdvanceMargin)
	defer timer.Stop()

	select {
	case <-waiter:
		s.settle(sess, job, "event")
	case <-timer.C:
		s.settle(sess, job, "timer")
	case <-sess.ctx.Done():
		s.feed.Forget(job.handle.Name)
	}
}

// settle records one advancement for a played chunk. The settled flag under
// the session lock guarantees exactly one advancement even if both cues fire.
func (s *Scheduler) settle(sess *Session, job *chunkJob, cue string) {
	sess.mu.Lock()
	if job.settled || sess.status != StatusInProgress {
		sess.mu.Unlock()
		return
	}
	job.settled = true
	job.state = chunkPlayed
	sess.playing = nil
	sess.chunksPlayed++
	sess.lastActivity = time.Now()
	s.chunksPlayed.Add(1)

	s.feed.Forget(job.handle.Name)
	s.cleaner.Enqueue(job.handle)
	s.metrics.RecordAdvancement(cue)

	s.logger.Debug("Chunk finished",
		slog.String("session_id", sess.ID),
		slog.Int("index", job.chunk.Index),
		slog.String("cue", cue),
	)

	s.pumpLocked(sess)
	notify := s.maybeFinishLocked(sess)
	sess.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// playFailed handles a play call the device rejected: the chunk did not
// play and is never retried, because a duplicate play would produce
// duplicate audio.
func (s *Scheduler) playFailed(sess *Session, job *chunkJob, err error) {
	sess.mu.Lock()
	if job.settled || sess.status != StatusInProgress {
		sess.mu.Unlock()
		return
	}
	job.settled = true
	job.state = chunkFailed
	sess.playing = nil

	// The file made it to the device even though play failed.
	s.cleaner.Enqueue(job.handle)

	notify := s.skipLocked(sess, job, fmt.Errorf("play: %w", err))
	sess.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// skipChunk removes a failed queued chunk and moves on. A brief gap is
// preferable to a stalled session.
func (s *Scheduler) skipChunk(sess *Session, job *chunkJob, err error) {
	sess.mu.Lock()
	job.preparing = false
	if sess.status != StatusInProgress {
		sess.mu.Unlock()
		return
	}
	job.state = chunkFailed

	for i, queued := range sess.queue {
		if queued == job {
			sess.queue = append(sess.queue[:i], sess.queue[i+1:]...)
			break
		}
	}

	notify := s.skipLocked(sess, job, err)
	sess.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// skipLocked is the shared tail of every skip path: count the failure,
// honor strict mode, otherwise pump and check for termination. Caller holds
// sess.mu and runs the returned notification closure after unlock.
func (s *Scheduler) skipLocked(sess *Session, job *chunkJob, err error) func() {
	sess.chunksFailed++
	sess.lastActivity = time.Now()
	s.chunksSkipped.Add(1)
	s.metrics.RecordChunkSkipped()

	s.logger.Warn("Skipping chunk",
		slog.String("session_id", sess.ID),
		slog.Int("index", job.chunk.Index),
		slog.String("error", err.Error()),
	)

	if s.config.StrictMode {
		return s.abortLocked(sess, fmt.Sprintf("chunk %d failed: %v", job.chunk.Index, err))
	}

	s.pumpLocked(sess)
	return s.maybeFinishLocked(sess)
}

// maybeFinishLocked terminates the session once the stream has ended and
// every chunk is accounted for: nothing playing, nothing queued. Until then
// it is a no-op, so a final chunk that fails while an earlier chunk is still
// playing completes the session only after that playback settles.
func (s *Scheduler) maybeFinishLocked(sess *Session) func() {
	if sess.status != StatusInProgress || !sess.finalSeen {
		return nil
	}
	if sess.playing != nil || len(sess.queue) > 0 {
		return nil
	}
	return s.finishLocked(sess)
}

// finishLocked takes the session to its terminal state after the final chunk
// settled or was skipped. A session where nothing ever played but something
// failed ends as an explicit "unable to respond" abort rather than a
// completion. Caller holds sess.mu; the returned closure fires the notifier
// and must run after unlock.
func (s *Scheduler) finishLocked(sess *Session) func() {
	if sess.status != StatusInProgress {
		return nil
	}

	sess.cancel()
	s.segmenter.Drop(sess.ID)

	duration := time.Since(sess.StartTime)

	if sess.chunksPlayed == 0 && sess.chunksFailed > 0 {
		sess.status = StatusAborted
		sess.abortReason = "unable to respond"
		s.sessionsAborted.Add(1)
		s.metrics.RecordSessionAborted(duration.Seconds())

		s.logger.Warn("Session unable to respond",
			slog.String("session_id", sess.ID),
			slog.Int("chunks_failed", sess.chunksFailed),
		)

		sessionID := sess.ID
		return func() { s.events.fireSessionAborted(sessionID, "unable to respond") }
	}

	sess.status = StatusCompleted
	s.sessionsCompleted.Add(1)
	s.metrics.RecordSessionCompleted(duration.Seconds())

	s.logger.Info("Session completed",
		slog.String("session_id", sess.ID),
		slog.Int("chunks_played", sess.chunksPlayed),
		slog.Int("chunks_failed", sess.chunksFailed),
		slog.Duration("duration", duration),
	)

	sessionID := sess.ID
	return func() { s.events.fireSessionComplete(sessionID) }
}

// abortLocked cancels a session and sweeps every uploaded handle into
// cleanup. Caller holds sess.mu; the returned closure fires the notifier.
func (s *Scheduler) abortLocked(sess *Session, reason string) func() {
	if sess.status != StatusInProgress {
		return nil
	}

	sess.status = StatusAborted
	sess.abortReason = reason
	sess.lastActivity = time.Now()
	sess.cancel()

	if sess.playing != nil {
		if sess.playing.handle.Name != "" {
			s.feed.Forget(sess.playing.handle.Name)
			s.cleaner.Enqueue(sess.playing.handle)
		}
		sess.playing = nil
	}
	for _, job := range sess.queue {
		if job.handle.Name != "" {
			s.cleaner.Enqueue(job.handle)
		}
	}
	sess.queue = nil

	s.segmenter.Drop(sess.ID)

	duration := time.Since(sess.StartTime)
	s.sessionsAborted.Add(1)
	s.metrics.RecordSessionAborted(duration.Seconds())

	s.logger.Info("Session aborted",
		slog.String("session_id", sess.ID),
		slog.String("reason", reason),
		slog.Int("chunks_played", sess.chunksPlayed),
		slog.Duration("duration", duration),
	)

	sessionID := sess.ID
	return func() { s.events.fireSessionAborted(sessionID, reason) }
}

// sweepRoutine removes idle sessions on a ticker, the registry's equivalent
// of a GC pass. Terminal sessions stay visible to the monitoring API until
// the idle timeout passes.
func (s *Scheduler) sweepRoutine() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdleSessions()
		}
	}
}

func (s *Scheduler) sweepIdleSessions() {
	now := time.Now()

	s.mu.RLock()
	expired := make([]*Session, 0)
	for _, sess := range s.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastActivity)
		sess.mu.Unlock()
		if idle > s.config.SessionIdleTimeout {
			expired = append(expired, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range expired {
		sess.mu.Lock()
		notify := s.abortLocked(sess, "session timeout")
		sess.mu.Unlock()
		if notify != nil {
			notify()
		}

		s.mu.Lock()
		delete(s.sessions, sess.ID)
		s.metrics.SetActiveSessions(len(s.sessions))
		s.mu.Unlock()

		s.logger.Info("Removed idle session", slog.String("session_id", sess.ID))
	}
}
