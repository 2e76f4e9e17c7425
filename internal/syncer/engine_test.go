package syncer

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hl037/nvim-dap-ghidra-sync/internal/config"
	"github.com/hl037/nvim-dap-ghidra-sync/pkg/testutil"
)

const (
	testRetryInterval = 25 * time.Millisecond
	waitTimeout       = 10 * time.Second
	waitTick          = 5 * time.Millisecond
)

// fakeForwarder records forwarded addresses and answers with scripted
// outcomes. Callbacks are invoked synchronously, which the engine contract
// explicitly permits.
type fakeForwarder struct {
	mu    sync.Mutex
	calls []string
	// failFirst makes the first N calls fail; later calls succeed.
	failFirst int
	// failAll makes every call fail regardless of failFirst.
	failAll bool
	// skipNonHex mimics the real client: addresses without a hexadecimal
	// prefix are reported as skipped.
	skipNonHex bool
}

func (f *fakeForwarder) Forward(address string, onResult func(result ForwardResult)) {
	f.mu.Lock()
	f.calls = append(f.calls, address)
	result := ForwardDelivered
	switch {
	case f.skipNonHex && !strings.HasPrefix(address, "0x"):
		result = ForwardSkipped
	case f.failAll || len(f.calls) <= f.failFirst:
		result = ForwardFailed
	}
	f.mu.Unlock()
	onResult(result)
}

func (f *fakeForwarder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeForwarder) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeForwarder) setFailAll(failAll bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = failAll
}

type pendingEval struct {
	expression string
	frameID    int
	onResult   func(value string, err error)
}

// fakeHost records evaluation requests and notifications. When respond is
// set, evaluations are answered synchronously; otherwise they are collected
// for the test to complete in a controlled order.
type fakeHost struct {
	mu      sync.Mutex
	evals   []pendingEval
	respond func(expression string, frameID int) (string, error)
	notices []string
}

func (h *fakeHost) Evaluate(expression string, frameID int, onResult func(value string, err error)) {
	h.mu.Lock()
	h.evals = append(h.evals, pendingEval{expression: expression, frameID: frameID, onResult: onResult})
	respond := h.respond
	h.mu.Unlock()

	if respond != nil {
		onResult(respond(expression, frameID))
	}
}

func (h *fakeHost) Notify(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, message)
}

func (h *fakeHost) noticeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notices)
}

func (h *fakeHost) notice(i int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notices[i]
}

func (h *fakeHost) evalExpressions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	exprs := make([]string, len(h.evals))
	for i, e := range h.evals {
		exprs[i] = e.expression
	}
	return exprs
}

func (h *fakeHost) takeEvals() []pendingEval {
	h.mu.Lock()
	defer h.mu.Unlock()
	evals := h.evals
	h.evals = nil
	return evals
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RetryInterval = testRetryInterval
	return cfg
}

func newTestEngine(t *testing.T, fwd Forwarder) *Engine {
	t.Helper()
	return NewEngine(testConfig(), fwd, testutil.NewLogForTesting(t.Name()))
}

func sessionStatus(t *testing.T, e *Engine, id string) SessionStatus {
	t.Helper()
	_, sessions := e.Status()
	for _, s := range sessions {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("session %s not found in engine status", id)
	return SessionStatus{}
}

// respondOnly answers a single register's evaluation and fails all others.
func respondOnly(register string, value string) func(string, int) (string, error) {
	return func(expression string, _ int) (string, error) {
		if expression == "$"+register {
			return value, nil
		}
		return "", fmt.Errorf("unknown register %s", expression)
	}
}

func TestStopOnInnermostFrameDetectsRegisterAndForwards(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{}
	host := &fakeHost{respond: respondOnly("eip", "0x8048000")}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	s.HandleStopped(1001)

	// All candidates were tried concurrently.
	require.ElementsMatch(t, []string{"$rip", "$eip", "$pc"}, host.evalExpressions())
	// The single successful candidate's value was forwarded.
	require.Equal(t, []string{"0x8048000"}, fwd.recorded())
	// And its name is cached for the session.
	require.Equal(t, "eip", sessionStatus(t, e, "s1").DetectedRegister)

	// The next stop reads only the cached register.
	host.takeEvals()
	s.HandleStopped(1002)
	require.Equal(t, []string{"$eip"}, host.evalExpressions())
	require.Equal(t, []string{"0x8048000", "0x8048000"}, fwd.recorded())
}

func TestRegisterDetectionFirstCompletedWins(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{}
	host := &fakeHost{} // manual completion
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	s.HandleStopped(1001)
	evals := host.takeEvals()
	require.Len(t, evals, 3)

	// The candidate at index 2 responds first and wins, even though it is
	// last in the configured order.
	evals[2].onResult("0xcafe0000", nil)
	require.Equal(t, "pc", sessionStatus(t, e, "s1").DetectedRegister)

	// Later-arriving responses from the other candidates are discarded.
	evals[0].onResult("0x11111111", nil)
	evals[1].onResult("0x22222222", nil)

	require.Equal(t, "pc", sessionStatus(t, e, "s1").DetectedRegister)
	require.Equal(t, []string{"0xcafe0000"}, fwd.recorded())
}

func TestNoCandidateResolvesIsSilentNoop(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{}
	host := &fakeHost{respond: func(string, int) (string, error) {
		return "", fmt.Errorf("evaluation failed")
	}}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	s.HandleStopped(1001)

	require.Zero(t, fwd.callCount())
	require.Zero(t, host.noticeCount())
	require.Empty(t, sessionStatus(t, e, "s1").DetectedRegister)
}

func TestCachedRegisterReadFailureSkipsEventWithoutInvalidating(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{}
	host := &fakeHost{respond: respondOnly("rip", "0x400000")}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	s.HandleStopped(1001)
	require.Equal(t, "rip", sessionStatus(t, e, "s1").DetectedRegister)
	require.Equal(t, 1, fwd.callCount())

	// The cached register now fails to read: the event is skipped, the
	// cache is untouched, and nothing is surfaced to the user.
	host.mu.Lock()
	host.respond = func(string, int) (string, error) { return "", fmt.Errorf("read error") }
	host.mu.Unlock()

	s.HandleStopped(1002)
	require.Equal(t, 1, fwd.callCount())
	require.Equal(t, "rip", sessionStatus(t, e, "s1").DetectedRegister)
	require.Zero(t, host.noticeCount())

	// A later healthy read syncs again with the same register.
	host.mu.Lock()
	host.respond = respondOnly("rip", "0x400040")
	host.mu.Unlock()

	s.HandleStopped(1003)
	require.Equal(t, []string{"0x400000", "0x400040"}, fwd.recorded())
}

func TestOuterFrameUsesInstructionPointerReference(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{}
	host := &fakeHost{}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	s.HandleFrameSelected(2, 1003, "0x401050")

	// No register read for outer frames.
	require.Empty(t, host.evalExpressions())
	require.Equal(t, []string{"0x401050"}, fwd.recorded())
}

func TestOuterFrameWithoutReferenceIsNoop(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{}
	host := &fakeHost{}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	s.HandleFrameSelected(3, 1004, "")

	require.Empty(t, host.evalExpressions())
	require.Zero(t, fwd.callCount())
}

func TestNonCanonicalAddressIsSilentSkip(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{skipNonHex: true}
	host := &fakeHost{}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	// A decimal instruction pointer reference cannot be forwarded. The event
	// is dropped: no failure episode, no notification, no retry loop.
	s.HandleFrameSelected(1, 1001, "4198432")
	require.Equal(t, 1, fwd.callCount())

	st := sessionStatus(t, e, "s1")
	require.False(t, st.FailureEpisode)
	require.False(t, st.RetryArmed)
	require.Empty(t, st.PendingAddress)
	require.Zero(t, host.noticeCount())

	// Give any misarmed timer a chance to fire; nothing must be retried.
	time.Sleep(3 * testRetryInterval)
	require.Equal(t, 1, fwd.callCount())

	// A later canonical address syncs normally.
	s.HandleFrameSelected(1, 1002, "0x401050")
	require.Equal(t, []string{"4198432", "0x401050"}, fwd.recorded())
	require.Zero(t, host.noticeCount())
}

func TestFailureEpisodeNotifiesOnce(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{failAll: true}
	host := &fakeHost{}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	s.HandleFrameSelected(1, 1001, "0x401000")
	require.Equal(t, 1, host.noticeCount())
	require.Contains(t, host.notice(0), "127.0.0.1:18888")

	// Let several retries fail; no further notifications appear.
	require.Eventually(t, func() bool { return fwd.callCount() >= 4 }, waitTimeout, waitTick)
	require.Equal(t, 1, host.noticeCount())

	// The viewer comes up; the next retry succeeds and clears all state.
	fwd.setFailAll(false)
	require.Eventually(t, func() bool {
		st := sessionStatus(t, e, "s1")
		return !st.RetryArmed && st.PendingAddress == "" && !st.FailureEpisode
	}, waitTimeout, waitTick)

	// A fresh failure afterwards starts a new episode with a new notification.
	fwd.setFailAll(true)
	s.HandleFrameSelected(1, 1001, "0x401000")
	require.Equal(t, 2, host.noticeCount())

	s.End()
}

func TestRetryForwardsLatestPendingAddress(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{failAll: true}
	host := &fakeHost{}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	// First address fails and enters the retry loop.
	s.HandleFrameSelected(1, 1001, "0x00000001")
	require.Equal(t, "0x00000001", sessionStatus(t, e, "s1").PendingAddress)

	// A newer address supersedes it before delivery succeeds.
	s.HandleFrameSelected(1, 1002, "0x00000002")
	require.Equal(t, "0x00000002", sessionStatus(t, e, "s1").PendingAddress)

	fwd.setFailAll(false)
	require.Eventually(t, func() bool {
		return sessionStatus(t, e, "s1").PendingAddress == ""
	}, waitTimeout, waitTick)

	calls := fwd.recorded()
	// The successful delivery carried the newest address.
	require.Equal(t, "0x00000002", calls[len(calls)-1])
	// The superseded address is never re-scheduled once the newer one exists:
	// it can appear at most twice (the original attempt plus one retry that
	// was already in flight when the newer address arrived).
	older := 0
	for _, addr := range calls {
		if addr == "0x00000001" {
			older++
		}
	}
	require.LessOrEqual(t, older, 2)

	st := sessionStatus(t, e, "s1")
	require.False(t, st.RetryArmed)
	require.False(t, st.FailureEpisode)
}

func TestRepeatedSchedulingArmsSingleRetry(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{failAll: true}
	host := &fakeHost{}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	for i := range 5 {
		s.HandleFrameSelected(1, 1001, fmt.Sprintf("0x%08x", i+1))
	}

	st := sessionStatus(t, e, "s1")
	require.True(t, st.RetryArmed)
	require.Equal(t, "0x00000005", st.PendingAddress)

	e.mu.Lock()
	require.NotNil(t, s.retry)
	require.False(t, s.retry.cancelled)
	e.mu.Unlock()

	s.End()
}

func TestRetryPolicySpansFailureEpisode(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{failAll: true}
	host := &fakeHost{}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	s.HandleFrameSelected(1, 1001, "0x401000")

	e.mu.Lock()
	episodePolicy := s.retryPolicy
	e.mu.Unlock()
	require.NotNil(t, episodePolicy)

	// The same policy object serves every re-arm within the episode.
	require.Eventually(t, func() bool { return fwd.callCount() >= 3 }, waitTimeout, waitTick)
	e.mu.Lock()
	samePolicy := s.retryPolicy == episodePolicy
	e.mu.Unlock()
	require.True(t, samePolicy)

	// A successful delivery ends the episode and discards the policy.
	fwd.setFailAll(false)
	require.Eventually(t, func() bool {
		return !sessionStatus(t, e, "s1").FailureEpisode
	}, waitTimeout, waitTick)
	e.mu.Lock()
	cleared := s.retryPolicy == nil
	e.mu.Unlock()
	require.True(t, cleared)

	// The next episode gets a fresh policy.
	fwd.setFailAll(true)
	s.HandleFrameSelected(1, 1002, "0x401040")
	e.mu.Lock()
	freshPolicy := s.retryPolicy
	e.mu.Unlock()
	require.NotNil(t, freshPolicy)
	require.NotSame(t, episodePolicy, freshPolicy)

	s.End()
}

func TestRegisterDetectionLogsOnce(t *testing.T) {
	t.Parallel()

	logSink := &testutil.MockLoggerSink{}
	logSink.On("Init", mock.AnythingOfType("logr.RuntimeInfo")).Return()
	logSink.On("WithValues", mock.Anything).Return(logSink)
	// Only informational output is captured; debug lines are filtered out.
	logSink.On("Enabled", 0).Return(true)
	logSink.On("Enabled", 1).Return(false)
	logSink.On("Info", 0, "Detected program counter register", mock.Anything).Return()

	fwd := &fakeForwarder{}
	host := &fakeHost{respond: respondOnly("rip", "0x400000")}
	e := NewEngine(testConfig(), fwd, logr.New(logSink))

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	// Detection happens on the first stop; the second stop reuses the cache
	// and must not announce the register again.
	s.HandleStopped(1001)
	s.HandleStopped(1002)

	require.Equal(t, 2, fwd.callCount())
	logSink.AssertNumberOfCalls(t, "Info", 1)
}

func TestSessionEndResetsAllState(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{failAll: true}
	host := &fakeHost{respond: respondOnly("rip", "0x7fff0001")}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	s.HandleStopped(1001)
	st := sessionStatus(t, e, "s1")
	require.True(t, st.RetryArmed)
	require.True(t, st.FailureEpisode)
	require.Equal(t, "rip", st.DetectedRegister)

	// Terminate mid-retry.
	s.End()
	_, sessions := e.Status()
	require.Empty(t, sessions)

	// Let any attempt that was already in flight at termination settle,
	// then verify no timer fires a forward afterwards.
	time.Sleep(2 * testRetryInterval)
	before := fwd.callCount()
	time.Sleep(4 * testRetryInterval)
	require.Equal(t, before, fwd.callCount())

	// End is idempotent and a fresh session under the same ID starts clean.
	s.End()
	s2, err := e.NewSession("s1", host)
	require.NoError(t, err)
	st = sessionStatus(t, e, "s1")
	require.Empty(t, st.DetectedRegister)
	require.False(t, st.RetryArmed)
	require.False(t, st.FailureEpisode)
	s2.End()
}

func TestEventsAfterEndAreIgnored(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{}
	host := &fakeHost{}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)
	s.End()

	s.HandleStopped(1001)
	s.HandleFrameSelected(1, 1002, "0x401000")
	require.Zero(t, fwd.callCount())
	require.Empty(t, host.evalExpressions())
}

func TestToggleOffCancelsRetryButKeepsRegister(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{failAll: true}
	host := &fakeHost{respond: respondOnly("rip", "0x7fff0001")}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	s.HandleStopped(1001)
	require.True(t, sessionStatus(t, e, "s1").RetryArmed)

	require.False(t, e.Toggle())

	st := sessionStatus(t, e, "s1")
	require.False(t, st.Enabled)
	require.False(t, st.RetryArmed)
	require.Empty(t, st.PendingAddress)
	// The detected register is session-scoped, not toggle-scoped.
	require.Equal(t, "rip", st.DetectedRegister)

	// Events while disabled are ignored.
	before := fwd.callCount()
	s.HandleStopped(1002)
	require.Equal(t, before, fwd.callCount())

	// Toggling back on re-syncs the current frame immediately, without
	// waiting for any retry interval.
	fwd.setFailAll(false)
	require.True(t, e.Toggle())
	require.Equal(t, before+1, fwd.callCount())

	s.End()
}

func TestSyncNow(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{}
	host := &fakeHost{}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	require.ErrorIs(t, e.SyncNow("nope"), ErrSessionNotFound)

	// Nothing to sync before any event arrived.
	require.NoError(t, e.SyncNow("s1"))
	require.Zero(t, fwd.callCount())

	s.HandleFrameSelected(1, 1001, "0x401000")
	require.Equal(t, 1, fwd.callCount())

	require.NoError(t, e.SyncNow("s1"))
	require.Equal(t, 2, fwd.callCount())

	// Empty session ID syncs every session.
	require.NoError(t, e.SyncNow(""))
	require.Equal(t, 3, fwd.callCount())
}

func TestApplyConfigResetsRetryAndEpisodeOnly(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{failAll: true}
	host := &fakeHost{respond: respondOnly("rip", "0x7fff0001")}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	s.HandleStopped(1001)
	st := sessionStatus(t, e, "s1")
	require.True(t, st.RetryArmed)
	require.True(t, st.FailureEpisode)

	cfg := testConfig()
	cfg.ViewerPort = 28888
	e.ApplyConfig(cfg)

	st = sessionStatus(t, e, "s1")
	require.False(t, st.RetryArmed)
	require.Empty(t, st.PendingAddress)
	require.False(t, st.FailureEpisode)
	// Enablement and the detected register survive reconfiguration.
	require.True(t, st.Enabled)
	require.Equal(t, "rip", st.DetectedRegister)

	// The next failure episode mentions the new endpoint.
	s.HandleStopped(1002)
	require.Equal(t, 2, host.noticeCount())
	require.Contains(t, host.notice(1), "127.0.0.1:28888")

	s.End()
}

func TestDuplicateSessionIDRejected(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &fakeForwarder{})
	_, err := e.NewSession("s1", &fakeHost{})
	require.NoError(t, err)
	_, err = e.NewSession("s1", &fakeHost{})
	require.ErrorIs(t, err, ErrSessionAlreadyExists)
}

// Full scenario from the design discussion: frame 0, register rip resolves,
// viewer initially down, then comes up.
func TestStopWithViewerDownThenUp(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{failFirst: 2}
	host := &fakeHost{respond: respondOnly("rip", "0x7fff0001")}
	e := newTestEngine(t, fwd)

	s, err := e.NewSession("s1", host)
	require.NoError(t, err)

	s.HandleStopped(1001)

	// One notification for the episode, retry armed.
	require.Equal(t, 1, host.noticeCount())
	require.True(t, sessionStatus(t, e, "s1").RetryArmed)

	// Timer-driven retries eventually succeed; exactly one successful
	// forward of the resolved address, then fully cleared state.
	require.Eventually(t, func() bool {
		st := sessionStatus(t, e, "s1")
		return !st.RetryArmed && !st.FailureEpisode && st.PendingAddress == ""
	}, waitTimeout, waitTick)

	require.Equal(t, 1, host.noticeCount())
	for _, addr := range fwd.recorded() {
		require.Equal(t, "0x7fff0001", addr)
	}
	require.Equal(t, 3, fwd.callCount())

	s.End()
}
