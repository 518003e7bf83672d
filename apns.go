// Package apns delivers alert notifications to Apple devices over the
// APNs HTTP/2 provider API, authenticating with ES256 provider tokens.
package apns

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/pushgate/apns/registry"
	"github.com/pushgate/apns/token"
)

// Provider gateways, selected by the sandbox flag.
const (
	productionHost = "https://api.push.apple.com"
	sandboxHost    = "https://api.development.push.apple.com"
)

// DefaultTimeout bounds connection establishment and response receipt
// for a single delivery attempt.
const DefaultTimeout = 20 * time.Second

// TokenSource supplies the provider authentication token. *token.Issuer
// implements it.
type TokenSource interface {
	Bearer(ctx context.Context) (string, error)
}

// Config configures a Client.
type Config struct {
	// Topic is the apns-topic header value: the app's bundle
	// identifier.
	Topic string
	// Sandbox selects the development gateway instead of production.
	Sandbox bool
	// Timeout bounds each delivery attempt. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Client sends notifications to the provider and records successful
// deliveries in the device registry.
//
// The HTTP/2 transport is built once and reused across sends, so
// broadcasts multiplex over a warm connection instead of paying a TLS
// handshake per device. A broken connection surfaces as a retryable
// connection error on the affected sends and is redialed transparently.
type Client struct {
	tokens  TokenSource
	store   registry.Store
	topic   string
	host    string
	timeout time.Duration

	httpClient *http.Client
}

// NewClient creates a delivery client. The registry is consulted for
// broadcast targets and updated on successful deliveries.
func NewClient(tokens TokenSource, store registry.Store, cfg Config) *Client {
	host := productionHost
	if cfg.Sandbox {
		host = sandboxHost
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		tokens:     tokens,
		store:      store,
		topic:      cfg.Topic,
		host:       host,
		timeout:    timeout,
		httpClient: &http.Client{Transport: &http2.Transport{}},
	}
}

// WithHTTPClient replaces the underlying HTTP client. Intended for tests
// and for embedders that manage their own transport.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

// WithHost overrides the provider host, e.g. to point at a mock provider
// in tests.
func (c *Client) WithHost(host string) *Client {
	c.host = host
	return c
}

// Close drops idle provider connections.
func (c *Client) Close() {
	if t, ok := c.httpClient.Transport.(*http2.Transport); ok {
		t.CloseIdleConnections()
	}
}

// Result is the outcome of one delivery attempt.
type Result struct {
	// Device is the destination endpoint token that was attempted.
	Device string
	// ID is the apns-id of the attempt, echoed by the provider when a
	// response arrived.
	ID string
	// Err is nil on success, and a classified *Error otherwise.
	Err *Error
}

// Send delivers one notification to one destination and reports the
// outcome. Send never retries; retry policy belongs to the caller, keyed
// off Result.Err.Retryable().
func (c *Client) Send(ctx context.Context, device string, n *Notification) Result {
	res := Result{Device: device}
	log := clog.FromContext(ctx).With("device", device)

	if err := registry.ValidateToken(device); err != nil {
		res.Err = &Error{Class: ClassPermanent, Err: err}
		return res
	}
	payload, err := n.Payload()
	if err != nil {
		res.Err = &Error{Class: ClassPermanent, Err: err}
		return res
	}
	bearer, err := c.tokens.Bearer(ctx)
	if err != nil {
		class := ClassConnection
		if errors.Is(err, token.ErrConfig) {
			class = ClassConfiguration
		}
		res.Err = &Error{Class: class, Err: err}
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.host+"/3/device/"+device, bytes.NewReader(payload))
	if err != nil {
		res.Err = &Error{Class: ClassConnection, Err: err}
		return res
	}
	res.ID = uuid.NewString()
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-id", res.ID)
	req.Header.Set("apns-topic", c.topic)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-priority", "10")
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warnf("delivery failed before a response: %v", err)
		res.Err = &Error{Class: ClassConnection, Err: err}
		return res
	}
	defer resp.Body.Close()

	// Read the body fully before deciding the outcome; error responses
	// carry a JSON reason.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		res.Err = &Error{Class: ClassConnection, StatusCode: resp.StatusCode, Err: err}
		return res
	}
	if id := resp.Header.Get("apns-id"); id != "" {
		res.ID = id
	}

	if resp.StatusCode == http.StatusOK {
		// Best effort: the device may have been unregistered while
		// the request was in flight.
		if err := c.store.Touch(ctx, device, time.Now()); err != nil {
			log.Warnf("recording delivery: %v", err)
		}
		log.Debugf("delivered notification %s", res.ID)
		return res
	}

	res.Err = classify(resp.StatusCode, body)
	log.With("status", resp.StatusCode, "reason", res.Err.Reason).
		Warnf("provider rejected notification")
	return res
}

// BroadcastResult aggregates a fan-out delivery.
type BroadcastResult struct {
	Total      int
	Successful int
	Results    []Result
}

// Broadcast sends the notification to every registered device. The
// registry is snapshotted once, each destination gets exactly one
// concurrent attempt, and one destination's failure never stops the
// rest. Per-destination outcomes are reported in Results.
func (c *Client) Broadcast(ctx context.Context, n *Notification) (*BroadcastResult, error) {
	devices, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}

	out := &BroadcastResult{
		Total:   len(devices),
		Results: make([]Result, len(devices)),
	}
	var wg sync.WaitGroup
	for i, d := range devices {
		wg.Add(1)
		go func(i int, device string) {
			defer wg.Done()
			out.Results[i] = c.Send(ctx, device, n)
		}(i, d.Token)
	}
	wg.Wait()

	for _, r := range out.Results {
		if r.Err == nil {
			out.Successful++
		}
	}
	return out, nil
}
