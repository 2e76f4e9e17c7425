package syncer

import (
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// enterFailureEpisodeLocked marks the start of a connection-failure episode
// and returns the user-visible warning for it. While the episode remains
// active, subsequent calls return "" so the user is warned exactly once per
// episode. The episode ends on the next successful forward or session reset.
func (s *Session) enterFailureEpisodeLocked() string {
	if s.failureEpisodeActive {
		return ""
	}

	s.failureEpisodeActive = true

	cfg := s.engine.cfg
	// The retry policy is episode-scoped: created here, consulted for every
	// re-arm of the retry timer, discarded when the episode ends.
	s.retryPolicy = backoff.NewConstantBackOff(cfg.RetryInterval)
	message := fmt.Sprintf(
		"Could not reach the Ghidra goto server at %s. Retrying every %s in the background. "+
			"In Ghidra, run the goto server script (Tools > GOTO-server > Start Server); "+
			"use the script-path command to locate it.",
		cfg.Endpoint(), cfg.RetryInterval)

	s.log.Info("Goto server unreachable, entering retry loop",
		"endpoint", cfg.Endpoint(), "retryInterval", cfg.RetryInterval)

	return message
}
