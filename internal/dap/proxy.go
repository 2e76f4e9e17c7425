package dap

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/hl037/nvim-dap-ghidra-sync/internal/syncer"
)

// injectedSeqBase is the start of the sequence-number range reserved for
// requests originated by the proxy itself. Responses in this range are
// consumed instead of being forwarded to the client. DAP clients number
// their requests from 1, so collisions would require a client to issue
// over a billion requests in one session.
const injectedSeqBase = 1 << 30

// frameInfo is what the proxy remembers about a stack frame from the most
// recent stackTrace response.
type frameInfo struct {
	index int
	ipRef string
}

// Proxy forwards DAP traffic between a client and a debug adapter while
// feeding execution-location changes to a sync session. It also implements
// syncer.Host on behalf of that session.
type Proxy struct {
	ide     Transport
	adapter Transport
	log     logr.Logger

	// session is set by Run before any traffic flows.
	session *syncer.Session

	mu           sync.Mutex
	frames       map[int]frameInfo
	stopPending  bool
	nextSeq      int
	pendingEvals map[int]func(value string, err error)
}

// ProxyConfig configures a Proxy.
type ProxyConfig struct {
	// IDE is the transport connected to the editor's DAP client.
	IDE Transport

	// Adapter is the transport connected to the debug adapter.
	Adapter Transport

	// Logger for proxy operations.
	Logger logr.Logger
}

func NewProxy(config ProxyConfig) *Proxy {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Proxy{
		ide:          config.IDE,
		adapter:      config.Adapter,
		log:          log,
		frames:       make(map[int]frameInfo),
		nextSeq:      injectedSeqBase,
		pendingEvals: make(map[int]func(string, error)),
	}
}

var _ syncer.Host = (*Proxy)(nil)

// Run pumps messages between the client and the adapter until either side
// disconnects or ctx is cancelled. The sync session is ended before Run
// returns, whatever the cause.
func (p *Proxy) Run(ctx context.Context, session *syncer.Session) error {
	p.session = session
	defer session.End()

	stop := context.AfterFunc(ctx, func() {
		_ = p.ide.Close()
		_ = p.adapter.Close()
	})
	defer stop()

	errCh := make(chan error, 2)
	go p.pumpClientToAdapter(errCh)
	go p.pumpAdapterToClient(errCh)

	pumpErr := <-errCh

	// Closing both transports releases the other pump.
	_ = p.ide.Close()
	_ = p.adapter.Close()
	<-errCh

	p.failPendingEvaluations()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return pumpErr
}

func (p *Proxy) pumpClientToAdapter(errCh chan<- error) {
	for {
		msg, readErr := p.ide.ReadMessage()
		if readErr != nil {
			errCh <- fmt.Errorf("client connection ended: %w", readErr)
			return
		}

		p.observeClientMessage(msg)

		if writeErr := p.adapter.WriteMessage(msg); writeErr != nil {
			errCh <- fmt.Errorf("adapter connection ended: %w", writeErr)
			return
		}
	}
}

func (p *Proxy) pumpAdapterToClient(errCh chan<- error) {
	for {
		msg, readErr := p.adapter.ReadMessage()
		if readErr != nil {
			errCh <- fmt.Errorf("adapter connection ended: %w", readErr)
			return
		}

		if !p.observeAdapterMessage(msg) {
			continue
		}

		if writeErr := p.ide.WriteMessage(msg); writeErr != nil {
			errCh <- fmt.Errorf("client connection ended: %w", writeErr)
			return
		}
	}
}

// observeClientMessage inspects client → adapter traffic. A scopes request
// names the frame the user selected, which is the only client-side signal
// the sync engine cares about. All client messages are forwarded unchanged.
func (p *Proxy) observeClientMessage(msg dap.Message) {
	scopes, ok := msg.(*dap.ScopesRequest)
	if !ok {
		return
	}

	frameID := scopes.Arguments.FrameId

	p.mu.Lock()
	frame, known := p.frames[frameID]
	p.mu.Unlock()

	if !known {
		p.log.V(1).Info("Scopes request for unknown frame", "frameId", frameID)
		return
	}

	p.session.HandleFrameSelected(frame.index, frameID, frame.ipRef)
}

// observeAdapterMessage inspects adapter → client traffic and reports
// whether the message should be forwarded to the client.
func (p *Proxy) observeAdapterMessage(msg dap.Message) bool {
	if rm, isResponse := msg.(dap.ResponseMessage); isResponse && rm.GetResponse().RequestSeq >= injectedSeqBase {
		p.dispatchInjectedResponse(rm)
		return false
	}

	switch m := msg.(type) {

	case *dap.StoppedEvent:
		p.mu.Lock()
		p.stopPending = true
		p.mu.Unlock()

	case *dap.ContinuedEvent:
		p.mu.Lock()
		p.stopPending = false
		p.mu.Unlock()

	case *dap.StackTraceResponse:
		p.recordStackTrace(m)

	case *dap.TerminatedEvent, *dap.ExitedEvent:
		p.session.End()
	}

	return true
}

// recordStackTrace refreshes the frame table from a stackTrace response.
// The first response after a stop doubles as the stop notification: only at
// that point is the innermost frame's identifier known, which the engine
// needs as the register evaluation context.
func (p *Proxy) recordStackTrace(resp *dap.StackTraceResponse) {
	if !resp.Success || len(resp.Body.StackFrames) == 0 {
		return
	}

	p.mu.Lock()
	p.frames = make(map[int]frameInfo, len(resp.Body.StackFrames))
	for i, frame := range resp.Body.StackFrames {
		p.frames[frame.Id] = frameInfo{index: i, ipRef: frame.InstructionPointerReference}
	}
	notifyStop := p.stopPending
	p.stopPending = false
	innermost := resp.Body.StackFrames[0].Id
	p.mu.Unlock()

	if notifyStop {
		p.session.HandleStopped(innermost)
	}
}

// Evaluate implements syncer.Host by injecting an evaluate request toward
// the adapter. The matching response is consumed by the adapter pump and
// never reaches the client.
func (p *Proxy) Evaluate(expression string, frameID int, onResult func(value string, err error)) {
	p.mu.Lock()
	seq := p.nextSeq
	p.nextSeq++
	p.pendingEvals[seq] = onResult
	p.mu.Unlock()

	req := &dap.EvaluateRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
			Command:         "evaluate",
		},
		Arguments: dap.EvaluateArguments{
			Expression: expression,
			FrameId:    frameID,
			Context:    "repl",
		},
	}

	if writeErr := p.adapter.WriteMessage(req); writeErr != nil {
		p.mu.Lock()
		delete(p.pendingEvals, seq)
		p.mu.Unlock()
		onResult("", fmt.Errorf("failed to send evaluate request: %w", writeErr))
	}
}

func (p *Proxy) dispatchInjectedResponse(rm dap.ResponseMessage) {
	resp := rm.GetResponse()

	p.mu.Lock()
	onResult, found := p.pendingEvals[resp.RequestSeq]
	delete(p.pendingEvals, resp.RequestSeq)
	p.mu.Unlock()

	if !found {
		p.log.V(1).Info("Dropping response with no pending request", "requestSeq", resp.RequestSeq)
		return
	}

	evalResp, isEval := rm.(*dap.EvaluateResponse)
	switch {
	case isEval && resp.Success:
		onResult(evalResp.Body.Result, nil)
	case resp.Message != "":
		onResult("", fmt.Errorf("evaluation failed: %s", resp.Message))
	default:
		onResult("", fmt.Errorf("evaluation failed"))
	}
}

// failPendingEvaluations releases callbacks that will never get a response.
func (p *Proxy) failPendingEvaluations() {
	p.mu.Lock()
	pending := p.pendingEvals
	p.pendingEvals = make(map[int]func(string, error))
	p.mu.Unlock()

	for _, onResult := range pending {
		onResult("", fmt.Errorf("debug session ended"))
	}
}

// Notify implements syncer.Host by surfacing a message in the client's
// debug console.
func (p *Proxy) Notify(message string) {
	event := &dap.OutputEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Type: "event"},
			Event:           "output",
		},
		Body: dap.OutputEventBody{
			Category: "console",
			Output:   message + "\n",
		},
	}

	if writeErr := p.ide.WriteMessage(event); writeErr != nil {
		p.log.V(1).Info("Could not deliver notification to client", "error", writeErr.Error())
	}
}
