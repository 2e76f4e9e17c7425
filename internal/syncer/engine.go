package syncer

import (
	"errors"
	"sync"

	"github.com/go-logr/logr"

	"github.com/hl037/nvim-dap-ghidra-sync/internal/config"
)

var (
	ErrSessionNotFound      = errors.New("debug session not found")
	ErrSessionAlreadyExists = errors.New("debug session already exists")
)

// ForwardResult classifies the outcome of a single forward attempt.
type ForwardResult int

const (
	// ForwardDelivered means the viewer accepted the address.
	ForwardDelivered ForwardResult = iota

	// ForwardFailed means the viewer could not be reached. Delivery is worth
	// retrying.
	ForwardFailed

	// ForwardSkipped means the address itself is unusable (no canonical
	// hexadecimal form). Retrying cannot help; the event is dropped without
	// notifying the user.
	ForwardSkipped
)

// Forwarder delivers a single address to the external viewer.
// Implementations must invoke onResult exactly once per call and must not
// retry on their own. ForwardFailed is reserved for transport-level
// failures; an unusable address is reported as ForwardSkipped.
type Forwarder interface {
	Forward(address string, onResult func(result ForwardResult))
}

// Host gives a Session access to its debug session: asynchronous expression
// evaluation against a stack frame, and delivery of user-visible messages.
type Host interface {
	// Evaluate evaluates expression in the context of the given frame and
	// reports the result through onResult. onResult is invoked at most once.
	Evaluate(expression string, frameID int, onResult func(value string, err error))

	// Notify surfaces a message to the user driving the debug session.
	Notify(message string)
}

// Engine coordinates address synchronization across active debug sessions.
type Engine struct {
	fwd Forwarder
	log logr.Logger

	// mu guards cfg, enabledDefault, sessions, and all Session state.
	mu             sync.Mutex
	cfg            config.Config
	enabledDefault bool
	sessions       map[string]*Session
}

func NewEngine(cfg config.Config, fwd Forwarder, log logr.Logger) *Engine {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Engine{
		fwd:            fwd,
		log:            log,
		cfg:            cfg,
		enabledDefault: cfg.AutoEnable,
		sessions:       make(map[string]*Session),
	}
}

// NewSession registers a debug session with the engine. The returned Session
// starts enabled or disabled according to the current toggle state.
func (e *Engine) NewSession(id string, host Host) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.sessions[id]; exists {
		return nil, ErrSessionAlreadyExists
	}

	s := &Session{
		engine:  e,
		id:      id,
		host:    host,
		log:     e.log.WithValues("session", id),
		enabled: e.enabledDefault,
	}
	e.sessions[id] = s

	e.log.V(1).Info("Registered debug session", "session", id, "enabled", s.enabled)
	return s, nil
}

// ApplyConfig replaces the engine configuration wholesale. Since the viewer
// endpoint may have changed, connection-failure and retry state of every
// session is reset; enablement and detected registers are preserved.
func (e *Engine) ApplyConfig(cfg config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cfg = cfg
	for _, s := range e.sessions {
		s.clearRetryLocked()
		s.failureEpisodeActive = false
		s.retryPolicy = nil
	}

	e.log.Info("Applied new configuration", "endpoint", cfg.Endpoint(), "retryInterval", cfg.RetryInterval)
}

// Toggle flips synchronization on or off for all sessions (and for sessions
// registered later) and returns the new state. Toggling a session on
// immediately re-syncs its current frame.
func (e *Engine) Toggle() bool {
	e.mu.Lock()
	e.enabledDefault = !e.enabledDefault
	on := e.enabledDefault

	var actions []func()
	for _, s := range e.sessions {
		if action := s.setEnabledLocked(on); action != nil {
			actions = append(actions, action)
		}
	}
	e.mu.Unlock()

	for _, action := range actions {
		action()
	}

	e.log.Info("Toggled address synchronization", "enabled", on)
	return on
}

// SyncNow manually triggers a sync of the currently selected frame. With an
// empty sessionID every active session is synced.
func (e *Engine) SyncNow(sessionID string) error {
	e.mu.Lock()

	var targets []*Session
	if sessionID == "" {
		for _, s := range e.sessions {
			targets = append(targets, s)
		}
	} else {
		s, found := e.sessions[sessionID]
		if !found {
			e.mu.Unlock()
			return ErrSessionNotFound
		}
		targets = append(targets, s)
	}

	var actions []func()
	for _, s := range targets {
		if !s.enabled {
			continue
		}
		if action := s.syncCurrentLocked(); action != nil {
			actions = append(actions, action)
		}
	}
	e.mu.Unlock()

	for _, action := range actions {
		action()
	}
	return nil
}

// SessionStatus is a point-in-time snapshot of one session's sync state.
type SessionStatus struct {
	ID               string `json:"id"`
	Enabled          bool   `json:"enabled"`
	DetectedRegister string `json:"detectedRegister,omitempty"`
	PendingAddress   string `json:"pendingAddress,omitempty"`
	RetryArmed       bool   `json:"retryArmed"`
	FailureEpisode   bool   `json:"failureEpisode"`
}

// Status reports the engine toggle state and a snapshot of every session.
func (e *Engine) Status() (enabled bool, sessions []SessionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sessions = make([]SessionStatus, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, SessionStatus{
			ID:               s.id,
			Enabled:          s.enabled,
			DetectedRegister: s.detectedRegister,
			PendingAddress:   s.pendingAddress,
			RetryArmed:       s.retry != nil,
			FailureEpisode:   s.failureEpisodeActive,
		})
	}
	return e.enabledDefault, sessions
}
