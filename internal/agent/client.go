package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/xerrors"

	"workpulse/internal/presence"
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// Client submits heartbeats to the API server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// NewBackOff builds the retry policy of one Send. Nil uses an
	// exponential backoff capped at 30 seconds.
	NewBackOff func() backoff.BackOff
}

// NewClient creates a client with a request timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if c.NewBackOff != nil {
		b = c.NewBackOff()
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = 30 * time.Second
		b = eb
	}
	return backoff.WithContext(b, ctx)
}

// Send posts one heartbeat. Transport failures and 5xx answers are retried;
// 4xx answers are returned immediately.
func (c *Client) Send(ctx context.Context, e presence.HeartbeatEvent) (presence.Device, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return presence.Device{}, xerrors.Errorf("marshal heartbeat: %w", err)
	}
	return backoff.RetryWithData(func() (presence.Device, error) {
		d, err := c.post(ctx, body)
		var se *StatusError
		if xerrors.As(err, &se) && se.Code < http.StatusInternalServerError {
			return d, backoff.Permanent(err)
		}
		return d, err
	}, c.backOff(ctx))
}

func (c *Client) post(ctx context.Context, body []byte) (presence.Device, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/heartbeat", bytes.NewReader(body))
	if err != nil {
		return presence.Device{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return presence.Device{}, xerrors.Errorf("heartbeat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return presence.Device{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
	}

	var d presence.Device
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return presence.Device{}, xerrors.Errorf("decode heartbeat response: %w", err)
	}
	return d, nil
}
