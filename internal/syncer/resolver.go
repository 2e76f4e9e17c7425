package syncer

import (
	"github.com/hl037/nvim-dap-ghidra-sync/pkg/concurrency"
)

// resolveProgramCounterLocked returns the action that obtains the innermost
// frame's execution address through the session host.
//
// When a program counter register has already been detected for this session
// only that register is read. A failed read skips the current event without
// invalidating the detection: the cached register is trusted until the
// session ends.
//
// Otherwise every candidate register is read concurrently and the first
// successful response wins: its name is cached for the rest of the session
// and later-arriving responses are discarded.
func (s *Session) resolveProgramCounterLocked(frameID int) func() {
	if s.detectedRegister != "" {
		reg := s.detectedRegister
		return func() {
			s.host.Evaluate("$"+reg, frameID, func(value string, err error) {
				if err != nil || value == "" {
					// Transient read glitch; the next stop event will try again.
					s.log.V(1).Info("Program counter read failed, skipping sync for this event",
						"register", reg)
					return
				}
				s.forwardResolved(value)
			})
		}
	}

	candidates := append([]string(nil), s.engine.cfg.Registers...)
	winner := concurrency.NewFirstWins[string]()

	return func() {
		for _, reg := range candidates {
			s.host.Evaluate("$"+reg, frameID, func(value string, err error) {
				if err != nil || value == "" {
					return
				}
				if !winner.Offer(reg) {
					// Another candidate already won the race.
					return
				}
				s.recordDetectedRegister(reg)
				s.forwardResolved(value)
			})
		}
	}
}

// recordDetectedRegister caches the winning register name for the session.
func (s *Session) recordDetectedRegister(reg string) {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()

	if s.ended || s.detectedRegister != "" {
		return
	}

	s.detectedRegister = reg
	s.log.Info("Detected program counter register", "register", reg)
}

// forwardResolved hands a freshly resolved address to the forward step.
func (s *Session) forwardResolved(addr string) {
	s.engine.mu.Lock()

	if s.ended || !s.enabled {
		s.engine.mu.Unlock()
		return
	}

	action := s.startForwardLocked(addr)
	s.engine.mu.Unlock()

	action()
}
