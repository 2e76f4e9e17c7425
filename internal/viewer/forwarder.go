package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/hl037/nvim-dap-ghidra-sync/internal/config"
	"github.com/hl037/nvim-dap-ghidra-sync/internal/syncer"
)

const (
	// defaultForwardTimeout bounds a single navigation request.
	// There are no retries at this level; retrying is the caller's concern.
	defaultForwardTimeout = 10 * time.Second
)

type gotoRequest struct {
	Address string `json:"address"`
}

// Client forwards addresses to the Ghidra-side goto server.
// A Forward call issues exactly one HTTP request and reports the outcome
// through its callback; it never blocks the caller.
type Client struct {
	log        logr.Logger
	httpClient *http.Client

	mu      sync.Mutex
	gotoURL string
}

func NewClient(cfg config.Config, log logr.Logger) *Client {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	dialer := &net.Dialer{
		Timeout: defaultForwardTimeout,
	}
	transport := &http.Transport{
		DialContext:        dialer.DialContext,
		DisableKeepAlives:  true,
		DisableCompression: true,
	}

	return &Client{
		log: log,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   defaultForwardTimeout,
		},
		gotoURL: cfg.GotoURL(),
	}
}

// SetConfig points the client at a (possibly new) goto server endpoint.
// In-flight requests are unaffected.
func (c *Client) SetConfig(cfg config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gotoURL = cfg.GotoURL()
}

// Forward strips any annotation from address and sends the canonical form to
// the goto server. onResult is invoked exactly once, from another goroutine.
// A connection failure, a transport error, or a non-2xx response all count as
// ForwardFailed. An address with no canonical hexadecimal prefix is reported
// as ForwardSkipped without contacting the server: the address is the
// problem, not the connection, and retrying would never succeed.
func (c *Client) Forward(address string, onResult func(result syncer.ForwardResult)) {
	canonical := CanonicalAddress(address)

	c.mu.Lock()
	gotoURL := c.gotoURL
	c.mu.Unlock()

	go func() {
		if canonical == "" {
			c.log.V(1).Info("Dropping address with no canonical hexadecimal prefix", "address", address)
			onResult(syncer.ForwardSkipped)
			return
		}
		if c.send(gotoURL, canonical) {
			onResult(syncer.ForwardDelivered)
		} else {
			onResult(syncer.ForwardFailed)
		}
	}()
}

var _ syncer.Forwarder = (*Client)(nil)

func (c *Client) send(gotoURL string, address string) bool {
	body, marshalErr := json.Marshal(gotoRequest{Address: address})
	if marshalErr != nil {
		// Should never happen
		c.log.Error(marshalErr, "Could not serialize goto request")
		return false
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), defaultForwardTimeout)
	defer cancel()

	req, reqErr := http.NewRequestWithContext(reqCtx, http.MethodPost, gotoURL, bytes.NewReader(body))
	if reqErr != nil {
		c.log.Error(reqErr, "Could not create goto request", "url", gotoURL)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, respErr := c.httpClient.Do(req)
	if respErr != nil {
		c.log.V(1).Info("Goto server request failed", "url", gotoURL, "error", respErr.Error())
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.log.V(1).Info("Goto server rejected navigation request", "url", gotoURL, "status", resp.StatusCode)
		return false
	}

	c.log.V(1).Info("Forwarded address to goto server", "address", address)
	return true
}
