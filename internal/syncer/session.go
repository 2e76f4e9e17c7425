package syncer

import (
	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// frameRef identifies the debug session's currently active stack frame.
type frameRef struct {
	// index is the position in the stack trace; 0 is the innermost frame.
	index int

	// frameID is the host's identifier for the frame, used as the register
	// evaluation context.
	frameID int

	// ipRef is the precomputed instruction-pointer reference supplied by the
	// host for non-innermost frames. Empty for the innermost frame, whose
	// address is read live from the program counter register instead.
	ipRef string
}

// Session holds the synchronization state of one debug session.
// All fields are guarded by the owning engine's mutex.
type Session struct {
	engine *Engine
	id     string
	host   Host
	log    logr.Logger

	enabled              bool
	ended                bool
	detectedRegister     string
	failureEpisodeActive bool
	currentFrame         *frameRef

	// pendingAddress is the most recent address that could not be delivered.
	// It is non-empty exactly while retry is armed.
	pendingAddress string
	retry          *retryTask

	// retryPolicy supplies successive retry intervals. It lives for the
	// duration of one failure episode.
	retryPolicy backoff.BackOff

	// attemptSeq numbers forward attempts so that completions of superseded
	// attempts cannot clobber state belonging to a newer address.
	attemptSeq uint64
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// HandleStopped reports that execution stopped with the given innermost
// frame identifier.
func (s *Session) HandleStopped(frameID int) {
	s.HandleFrameSelected(0, frameID, "")
}

// HandleFrameSelected reports that the active stack frame changed.
// ipRef may be empty; it is only consulted for non-innermost frames.
func (s *Session) HandleFrameSelected(index int, frameID int, ipRef string) {
	s.engine.mu.Lock()
	if s.ended {
		s.engine.mu.Unlock()
		return
	}

	// The frame is recorded even while disabled so that toggling back on
	// can immediately sync it.
	s.currentFrame = &frameRef{index: index, frameID: frameID, ipRef: ipRef}

	if !s.enabled {
		s.engine.mu.Unlock()
		return
	}

	action := s.syncCurrentLocked()
	s.engine.mu.Unlock()

	if action != nil {
		action()
	}
}

// End resets all per-session state and unregisters the session.
// It is idempotent; events arriving after End are ignored.
func (s *Session) End() {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()

	if s.ended {
		return
	}

	s.ended = true
	s.clearRetryLocked()
	s.failureEpisodeActive = false
	s.retryPolicy = nil
	s.detectedRegister = ""
	s.currentFrame = nil
	delete(s.engine.sessions, s.id)

	s.log.V(1).Info("Debug session ended, synchronization state reset")
}

// SetEnabled toggles synchronization for this session only.
func (s *Session) SetEnabled(on bool) {
	s.engine.mu.Lock()
	action := s.setEnabledLocked(on)
	s.engine.mu.Unlock()

	if action != nil {
		action()
	}
}

// setEnabledLocked applies a toggle and returns the deferred I/O action to
// run once the engine mutex is released, if any.
//
// Toggling off cancels any in-flight retry and discards the pending address,
// but preserves the detected register (session-scoped, not toggle-scoped)
// and the failure-episode flag. Toggling on immediately re-syncs the current
// frame instead of waiting for the next event.
func (s *Session) setEnabledLocked(on bool) func() {
	if s.ended || s.enabled == on {
		return nil
	}

	s.enabled = on
	if !on {
		s.clearRetryLocked()
		return nil
	}
	return s.syncCurrentLocked()
}

// syncCurrentLocked picks the address source for the current frame and
// returns the deferred action that initiates resolution or forwarding.
// Returns nil when there is nothing to sync.
func (s *Session) syncCurrentLocked() func() {
	f := s.currentFrame
	if f == nil {
		return nil
	}

	if f.index == 0 {
		// Only the innermost frame's program counter is reliably live-readable.
		return s.resolveProgramCounterLocked(f.frameID)
	}

	if f.ipRef != "" {
		return s.startForwardLocked(f.ipRef)
	}

	return nil
}

// startForwardLocked registers a new forward attempt for addr and returns
// the action that performs it.
func (s *Session) startForwardLocked(addr string) func() {
	s.attemptSeq++
	seq := s.attemptSeq

	return func() {
		s.engine.fwd.Forward(addr, func(result ForwardResult) {
			s.completeForward(seq, addr, result)
		})
	}
}

// completeForward processes the outcome of a forward attempt.
func (s *Session) completeForward(seq uint64, addr string, result ForwardResult) {
	s.engine.mu.Lock()

	if s.ended {
		s.engine.mu.Unlock()
		return
	}

	if result == ForwardDelivered {
		s.failureEpisodeActive = false
		s.retryPolicy = nil
		// Only the latest attempt may clear pending state: a success racing
		// with a newer attempt must not discard the newer pending address.
		if seq == s.attemptSeq {
			s.clearRetryLocked()
		}
		s.engine.mu.Unlock()
		s.log.V(1).Info("Address synchronized", "address", addr)
		return
	}

	if result == ForwardSkipped {
		// The address is unusable, not the viewer. This is not a failure
		// episode and retrying the same address would never succeed.
		s.engine.mu.Unlock()
		s.log.V(1).Info("Address not forwardable, skipping sync for this event", "address", addr)
		return
	}

	if seq != s.attemptSeq {
		// A newer attempt superseded this one; its completion handles state.
		s.engine.mu.Unlock()
		return
	}

	if !s.enabled {
		// Toggled off while the attempt was in flight; nothing to retry.
		s.engine.mu.Unlock()
		return
	}

	message := s.enterFailureEpisodeLocked()
	s.scheduleRetryLocked(addr)
	s.engine.mu.Unlock()

	if message != "" {
		s.host.Notify(message)
	}
}
