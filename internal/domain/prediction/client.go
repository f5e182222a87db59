package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// FailureReason classifies why the ML service call did not yield a usable
// prediction.
type FailureReason string

const (
	ReasonNetwork      FailureReason = "network"
	ReasonTimeout      FailureReason = "timeout"
	ReasonRemoteStatus FailureReason = "remote-status"
	ReasonRemoteBody   FailureReason = "remote-body"
)

// ErrNotConfigured is returned when no ML service endpoint is set.
var ErrNotConfigured = errors.New("ml service not configured")

// RemoteError describes a failed ML service call.
type RemoteError struct {
	Reason     FailureReason
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ml service %s (status %d): %v", e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ml service %s: %v", e.Reason, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// MLClient is the remote prediction backend.
type MLClient interface {
	Predict(ctx context.Context, data PatientData) (*PredictionOutcome, error)
}

type mlRequest struct {
	PatientData PatientData `json:"patientData"`
}

type mlResponse struct {
	Prediction  Category `json:"prediction"`
	Probability *float64 `json:"probability"`
}

// maxErrorBody caps how much of a non-2xx response body ends up in logs.
const maxErrorBody = 512

// HTTPClient calls the ML service over HTTP. It makes exactly one attempt
// per call; deadlines come from the caller's context.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) { h.httpClient = c }
}

// NewHTTPClient creates a client for the ML endpoint. An empty endpoint is
// allowed; every call then fails with ErrNotConfigured.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	h := &HTTPClient{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Endpoint returns the configured ML service URL.
func (h *HTTPClient) Endpoint() string { return h.endpoint }

func (h *HTTPClient) Predict(ctx context.Context, data PatientData) (*PredictionOutcome, error) {
	if h.endpoint == "" {
		return nil, &RemoteError{Reason: ReasonNetwork, Err: ErrNotConfigured}
	}

	payload, err := json.Marshal(mlRequest{PatientData: data})
	if err != nil {
		return nil, fmt.Errorf("encode ml request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &RemoteError{Reason: ReasonNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{Reason: classifyTransportError(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &RemoteError{
			Reason:     ReasonRemoteStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", bytes.TrimSpace(body)),
		}
	}

	var out mlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, &RemoteError{Reason: classifyTransportError(ctx.Err()), Err: err}
		}
		return nil, &RemoteError{Reason: ReasonRemoteBody, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !out.Prediction.Valid() {
		return nil, &RemoteError{Reason: ReasonRemoteBody, StatusCode: resp.StatusCode, Err: fmt.Errorf("unknown prediction %q", out.Prediction)}
	}
	if out.Probability == nil {
		return nil, &RemoteError{Reason: ReasonRemoteBody, StatusCode: resp.StatusCode, Err: errors.New("missing probability")}
	}

	return &PredictionOutcome{Prediction: out.Prediction, Probability: *out.Probability}, nil
}

func classifyTransportError(err error) FailureReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return ReasonNetwork
}
