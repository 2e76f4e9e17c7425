package syncer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryTask re-attempts delivery of the session's pending address on a
// single-shot timer. At most one retryTask is armed per session at any time.
type retryTask struct {
	session   *Session
	timer     *time.Timer
	cancelled bool
}

// scheduleRetryLocked stores addr as the pending address, cancels any armed
// timer, and arms a fresh single-shot timer. Successive intervals are drawn
// from the session's episode-scoped retry policy (a constant backoff: no
// growth, no attempt limit).
func (s *Session) scheduleRetryLocked(addr string) {
	s.pendingAddress = addr

	if s.retry != nil {
		s.retry.stopLocked()
	}
	if s.retryPolicy == nil {
		s.retryPolicy = backoff.NewConstantBackOff(s.engine.cfg.RetryInterval)
	}

	rt := &retryTask{session: s}
	rt.timer = time.AfterFunc(s.retryPolicy.NextBackOff(), rt.fire)
	s.retry = rt
}

// clearRetryLocked discards the pending address and cancels the armed timer,
// if any.
func (s *Session) clearRetryLocked() {
	s.pendingAddress = ""
	if s.retry != nil {
		s.retry.stopLocked()
		s.retry = nil
	}
}

func (rt *retryTask) stopLocked() {
	rt.cancelled = true
	rt.timer.Stop()
}

// fire runs when the retry timer elapses. The firing is a no-op if the task
// was cancelled, superseded, or the session was disabled, reset, or ended in
// the interim. Otherwise it re-attempts the currently pending address, which
// is not necessarily the one this task was originally scheduled with.
func (rt *retryTask) fire() {
	s := rt.session
	s.engine.mu.Lock()

	if rt.cancelled || s.retry != rt || s.ended || !s.enabled || s.pendingAddress == "" {
		s.engine.mu.Unlock()
		return
	}

	addr := s.pendingAddress
	s.log.V(1).Info("Retrying address forward", "address", addr)
	action := s.startForwardLocked(addr)
	s.engine.mu.Unlock()

	action()
}
