package orion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"mqtt-orion-gateway/config"
)

// ErrEntityNotFound signals a 404 from the Context Broker: the target
// entity does not exist. Terminal for the event that produced it.
var ErrEntityNotFound = errors.New("entity not found")

// StatusError is a non-2xx response from the Context Broker.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	return fmt.Sprintf("context broker returned %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying at some later
// point. 408, 429 and every 5xx count as transient; the gateway logs and
// counts these without retrying in the event path.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// Attribute is one typed attribute value in a Context Broker update.
type Attribute struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// Attributes is the body of an entity attribute update.
type Attributes map[string]Attribute

// Number builds the attribute body the gateway sends for every extracted
// datapoint. The declared type is always "Number" regardless of the
// value's shape, matching the wire format the Context Broker consumers
// expect.
func Number(v interface{}) Attribute {
	return Attribute{Type: "Number", Value: v}
}

// Client dispatches attribute updates to the Context Broker. Each worker
// owns its own Client so HTTP connection reuse never crosses workers.
type Client struct {
	baseURL     string
	service     string
	servicePath string
	http        *http.Client
}

// NewClient builds a dispatcher from the Context Broker configuration.
// The connect timeout bounds dialing; the request timeout bounds the
// whole exchange.
func NewClient(cfg config.OrionConfig) *Client {
	connectTimeout := config.Duration(cfg.ConnectTimeout)
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	requestTimeout := config.Duration(cfg.RequestTimeout)
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL:     cfg.URL,
		service:     cfg.Service,
		servicePath: cfg.ServicePath,
		http: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
	}
}

// UpdateAttributes PATCHes the given attributes onto an entity. The
// Context Broker applies them last-writer-wins, which makes the call
// idempotent and safe to repeat.
func (c *Client) UpdateAttributes(ctx context.Context, entityID, entityType string, attrs Attributes) error {
	body, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/entities/%s/attrs?type=%s",
		c.baseURL, url.PathEscape(entityID), url.QueryEscape(entityType))

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("fiware-service", c.service)
	req.Header.Set("fiware-servicepath", c.servicePath)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("context broker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("entity %s: %w", entityID, ErrEntityNotFound)
	}

	// Bounded read so a misbehaving broker cannot balloon log lines.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
}

// Classify maps a dispatch error onto the result label used by the
// updates metric.
func Classify(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrEntityNotFound) {
		return "not_found"
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= 500 {
			return "server_error"
		}
		return "client_error"
	}
	return "network_error"
}
