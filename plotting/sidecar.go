package plotting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tsawler/chunktrain/training"
)

// SidecarConfig configures the HTTP plotting sidecar client.
type SidecarConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
	// RenderTimeout bounds one Render call, retries included. Zero means
	// twice RetryDelay, or Timeout when that is zero too.
	RenderTimeout time.Duration `json:"render_timeout"`
	ModelName     string        `json:"model_name"`
	SessionID     string        `json:"session_id"`
}

// DefaultSidecarConfig returns default configuration for the plotting sidecar
func DefaultSidecarConfig() SidecarConfig {
	return SidecarConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
		RenderTimeout: 2 * time.Second,
	}
}

// PlottingResponse represents the response from the plotting service
type PlottingResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PlotURL   string `json:"plot_url,omitempty"`
	ViewURL   string `json:"view_url,omitempty"`
	PlotID    string `json:"plot_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// SidecarPublisher posts training curves to a plotting sidecar. As a
// Visualizer it never fails the session: publish errors are only logged.
type SidecarPublisher struct {
	config     SidecarConfig
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

var _ training.Visualizer = (*SidecarPublisher)(nil)

// NewSidecarPublisher creates a new plotting sidecar client
func NewSidecarPublisher(config SidecarConfig, logger *zap.SugaredLogger) *SidecarPublisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SidecarPublisher{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

// Render publishes history as training curves.
func (sp *SidecarPublisher) Render(history training.MetricHistory) error {
	data := NewTrainingCurves(sp.config.ModelName, history)
	data.SessionID = sp.config.SessionID

	ctx, cancel := context.WithTimeout(context.Background(), sp.renderTimeout())
	defer cancel()
	resp, err := sp.Publish(ctx, data)
	if err != nil {
		sp.logger.Warnw("plot sidecar publish failed", "url", sp.config.BaseURL, "error", err)
		return nil
	}
	sp.logger.Debugw("plot published", "plot_id", resp.PlotID, "view_url", resp.ViewURL)
	return nil
}

func (sp *SidecarPublisher) renderTimeout() time.Duration {
	if sp.config.RenderTimeout > 0 {
		return sp.config.RenderTimeout
	}
	if sp.config.RetryDelay > 0 {
		return 2 * sp.config.RetryDelay
	}
	return sp.config.Timeout
}

// Publish sends data to /api/plot, retrying transport errors and 5xx
// responses with exponential backoff.
func (sp *SidecarPublisher) Publish(ctx context.Context, data PlotData) (*PlottingResponse, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plot data: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = sp.config.RetryDelay
	retries := sp.config.RetryAttempts - 1
	if retries < 0 {
		retries = 0
	}

	var result *PlottingResponse
	operation := func() error {
		resp, err := sp.send(ctx, body)
		if err != nil {
			return err
		}
		result = resp
		return nil
	}

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))
	if err != nil {
		return result, fmt.Errorf("failed to send plot data after %d attempts: %w", retries+1, err)
	}
	return result, nil
}

func (sp *SidecarPublisher) send(ctx context.Context, body []byte) (*PlottingResponse, error) {
	url := fmt.Sprintf("%s/api/plot", sp.config.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chunktrain")

	resp, err := sp.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var plotResponse PlottingResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &plotResponse); err != nil {
			err = fmt.Errorf("failed to parse response JSON: %w", err)
			if resp.StatusCode >= 500 {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
	}

	switch {
	case resp.StatusCode >= 500:
		return &plotResponse, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, plotResponse.Message)
	case resp.StatusCode != http.StatusOK:
		return &plotResponse, backoff.Permanent(fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, plotResponse.Message))
	}
	return &plotResponse, nil
}

// CheckHealth checks if the plotting sidecar is reachable
func (sp *SidecarPublisher) CheckHealth(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", sp.config.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := sp.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}
