package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"carshare-box/internal/logger"
	"carshare-box/internal/metrics"
	"carshare-box/internal/task"
)

const (
	EndpointTouch     = "touch"
	EndpointTelemetry = "telemetry"
)

var (
	// ErrTransport covers anything that kept a response from arriving.
	ErrTransport = errors.New("transport failure")
	// ErrStatus is returned for non-2xx responses.
	ErrStatus = errors.New("unexpected status")
)

// Identity is what every request tells the server about the box.
type Identity struct {
	BoxID           string
	Secret          string
	FirmwareVersion string
	UserAgent       string
	// ETag reports the operator list version currently held.
	ETag func() int
}

// SetHeaders writes the box headers onto h.
func (id Identity) SetHeaders(h http.Header) {
	h.Set("Accept", "application/json")
	h.Set("X-Carshare-Box-ID", id.BoxID)
	h.Set("X-Carshare-Box-Secret", id.Secret)
	h.Set("X-Carshare-Firmware-Version", id.FirmwareVersion)
	if id.UserAgent != "" {
		h.Set("User-Agent", id.UserAgent)
	}
	etag := -1
	if id.ETag != nil {
		etag = id.ETag()
	}
	h.Set("X-Carshare-Operator-Card-List-ETag", strconv.Itoa(etag))
}

// PendingRequest is one POST to the remote service.
type PendingRequest struct {
	Endpoint string
	Payload  []byte

	// OnResponse receives the raw body of a 2xx response.
	OnResponse func(body []byte)

	// AlertOnFailure asks for OnFailure to run when no response arrived.
	AlertOnFailure bool
	OnFailure      func(err error)
}

type Client struct {
	http     *http.Client
	root     string
	identity Identity
	logger   *logger.Logger
}

// NewClient talks to the service under root, which must end in "/".
func NewClient(root string, timeout time.Duration, identity Identity, l *logger.Logger) *Client {
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		root:     root,
		identity: identity,
		logger:   l,
	}
}

func (c *Client) Identity() Identity {
	return c.identity
}

// Post sends payload to endpoint and returns the response body.
func (c *Client) Post(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	url := c.root + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	c.identity.SetHeaders(req.Header)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RequestLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: POST %s: %v", ErrTransport, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %v", ErrTransport, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, fmt.Errorf("%w: POST %s returned %d", ErrStatus, endpoint, resp.StatusCode)
	}

	c.logger.Debugf("POST %s -> %d (%d bytes)", endpoint, resp.StatusCode, len(body))
	return body, nil
}

// Dispatch performs req on its own goroutine and routes the result to
// its callbacks. Only transport failures reach OnFailure; a bad status
// still hands its body to OnResponse so the caller can decide.
func (c *Client) Dispatch(ctx context.Context, req PendingRequest) *task.Handle {
	return task.Go("request-"+req.Endpoint, func() error {
		body, err := c.Post(ctx, req.Endpoint, req.Payload)
		if err != nil && !errors.Is(err, ErrStatus) {
			c.logger.Warnf("Request to %s failed: %v", req.Endpoint, err)
			if req.AlertOnFailure && req.OnFailure != nil {
				req.OnFailure(err)
			}
			return err
		}
		if err != nil {
			c.logger.Warnf("%v", err)
		}
		if req.OnResponse != nil {
			req.OnResponse(body)
		}
		return err
	})
}
