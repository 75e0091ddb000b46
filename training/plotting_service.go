package training

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

// ErrPlottingDisabled is returned by sends on a disabled service.
var ErrPlottingDisabled = errors.New("plotting service is disabled")

// PlottingService handles communication with the sidecar plotting application
type PlottingService struct {
	baseURL    string
	httpClient *http.Client
	config     PlottingServiceConfig
	enabled    bool
}

// PlottingServiceConfig contains configuration for the plotting service
type PlottingServiceConfig struct {
	BaseURL        string        `json:"base_url"`
	Timeout        time.Duration `json:"timeout"`
	RetryAttempts  int           `json:"retry_attempts"`
	RetryDelay     time.Duration `json:"retry_delay"`
	MaxConcurrency int           `json:"max_concurrency"`
	Batch          bool          `json:"batch"` // one request per epoch instead of one per plot
}

// PlottingResponse represents the response from the plotting service
type PlottingResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	PlotURL      string `json:"plot_url,omitempty"`
	ViewURL      string `json:"view_url,omitempty"`
	PlotID       string `json:"plot_id,omitempty"`
	BatchID      string `json:"batch_id,omitempty"`
	DashboardURL string `json:"dashboard_url,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// BatchPlottingResponse represents the response from the batch plotting endpoint
type BatchPlottingResponse struct {
	Success      bool              `json:"success"`
	Message      string            `json:"message"`
	BatchID      string            `json:"batch_id,omitempty"`
	Results      []BatchPlotResult `json:"results,omitempty"`
	DashboardURL string            `json:"dashboard_url,omitempty"`
	Summary      BatchSummary      `json:"summary,omitempty"`
}

// BatchPlotResult represents a single plot result within a batch response
type BatchPlotResult struct {
	Success   bool   `json:"success"`
	PlotID    string `json:"plot_id,omitempty"`
	PlotURL   string `json:"plot_url,omitempty"`
	ViewURL   string `json:"view_url,omitempty"`
	PlotType  string `json:"plot_type,omitempty"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// BatchSummary represents the summary of a batch operation
type BatchSummary struct {
	TotalPlots int `json:"total_plots"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// DefaultPlottingServiceConfig returns default configuration for the plotting service
func DefaultPlottingServiceConfig() PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:        "http://localhost:8080",
		Timeout:        30 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     1 * time.Second,
		MaxConcurrency: 4,
	}
}

// NewPlottingService creates a new plotting service client
func NewPlottingService(config PlottingServiceConfig) *PlottingService {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}
	return &PlottingService{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config:  config,
		enabled: false,
	}
}

// Enable enables the plotting service
func (ps *PlottingService) Enable() {
	ps.enabled = true
}

// Disable disables the plotting service
func (ps *PlottingService) Disable() {
	ps.enabled = false
}

// IsEnabled returns whether the plotting service is enabled
func (ps *PlottingService) IsEnabled() bool {
	return ps.enabled
}

// SendPlotData sends plot data to the sidecar plotting service
func (ps *PlottingService) SendPlotData(ctx context.Context, plotData PlotData) (*PlottingResponse, error) {
	if !ps.enabled {
		return nil, ErrPlottingDisabled
	}

	var plotResponse PlottingResponse
	if err := ps.post(ctx, "/api/plot", plotData, &plotResponse); err != nil {
		if plotResponse.Message != "" {
			return &plotResponse, err
		}
		return nil, err
	}
	return &plotResponse, nil
}

// SendPlotDataWithRetry sends plot data, retrying failed attempts after
// RetryDelay until RetryAttempts is exhausted or ctx is done.
func (ps *PlottingService) SendPlotDataWithRetry(ctx context.Context, plotData PlotData) (*PlottingResponse, error) {
	if !ps.enabled {
		return nil, ErrPlottingDisabled
	}

	var lastErr error
	for attempt := 0; attempt < ps.config.RetryAttempts; attempt++ {
		resp, err := ps.SendPlotData(ctx, plotData)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// Wait before retry (except for the last attempt)
		if attempt < ps.config.RetryAttempts-1 {
			select {
			case <-time.After(ps.config.RetryDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("plot send cancelled: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("failed to send plot data after %d attempts: %w", ps.config.RetryAttempts, lastErr)
}

// SendPlots sends every plot on a bounded goroutine pool. Responses are
// returned in input order; failed sends leave a nil entry and contribute to
// the joined error.
func (ps *PlottingService) SendPlots(ctx context.Context, plots []PlotData) ([]*PlottingResponse, error) {
	if !ps.enabled {
		return nil, ErrPlottingDisabled
	}

	responses := make([]*PlottingResponse, len(plots))
	p := pool.New().WithErrors().WithMaxGoroutines(ps.config.MaxConcurrency)
	for i := range plots {
		i := i
		p.Go(func() error {
			resp, err := ps.SendPlotDataWithRetry(ctx, plots[i])
			if err != nil {
				return fmt.Errorf("%s: %w", plots[i].Title, err)
			}
			responses[i] = resp
			return nil
		})
	}
	return responses, p.Wait()
}

// CheckHealth checks if the plotting service is available
func (ps *PlottingService) CheckHealth(ctx context.Context) error {
	if !ps.enabled {
		return ErrPlottingDisabled
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ps.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	return nil
}

// BatchSendPlots sends multiple plots in a single request
func (ps *PlottingService) BatchSendPlots(ctx context.Context, plotDataList []PlotData) (*BatchPlottingResponse, error) {
	if !ps.enabled {
		return nil, ErrPlottingDisabled
	}

	batchPayload := map[string]interface{}{
		"plots": plotDataList,
		"batch": true,
	}

	var batchResponse BatchPlottingResponse
	if err := ps.post(ctx, "/api/batch-plot", batchPayload, &batchResponse); err != nil {
		if batchResponse.Message != "" {
			return &batchResponse, err
		}
		return nil, err
	}
	return &batchResponse, nil
}

// post marshals payload, sends it and decodes the JSON reply into out. A
// non-200 status is an error even when the reply decodes.
func (ps *PlottingService) post(ctx context.Context, path string, payload, out interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal plot data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-sisdr-training")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response JSON (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP request to %s failed with status %d", path, resp.StatusCode)
	}
	return nil
}

// PlotTracker is a Tracker that turns each epoch's metrics into plots and
// uploads them to the sidecar when the epoch ends. Every payload carries the
// tracker's run id.
type PlotTracker struct {
	service   *PlottingService
	collector *VisualizationCollector
	runID     string
	ctx       context.Context
}

// NewPlotTracker enables service and collects plots for modelName.
func NewPlotTracker(ctx context.Context, service *PlottingService, modelName string) *PlotTracker {
	service.Enable()
	collector := NewVisualizationCollector(modelName)
	collector.Enable()
	return &PlotTracker{
		service:   service,
		collector: collector,
		runID:     uuid.NewString(),
		ctx:       ctx,
	}
}

// RunID returns the identifier sent with every plot.
func (pt *PlotTracker) RunID() string {
	return pt.runID
}

// Collector exposes the underlying collector.
func (pt *PlotTracker) Collector() *VisualizationCollector {
	return pt.collector
}

func (pt *PlotTracker) LogParameters(params map[string]interface{}, tags []string) error {
	return nil
}

func (pt *PlotTracker) LogMetrics(step Step, metrics []MetricSummary) error {
	pt.collector.RecordMetrics(step, metrics)
	return nil
}

func (pt *PlotTracker) LogHistograms(step Step, histograms []HistogramSeries) error {
	pt.collector.RecordHistograms(histograms)
	return nil
}

func (pt *PlotTracker) LogScatter(step Step, series []ScatterSeries) error {
	pt.collector.RecordScatter(series)
	return nil
}

func (pt *PlotTracker) LogAsset(step Step, name string, data []byte) error {
	return nil
}

func (pt *PlotTracker) LogAudio(step Step, name string, sampleRate int, samples []float64) error {
	return nil
}

// EndEpoch generates every plot and sends them.
func (pt *PlotTracker) EndEpoch(step Step) error {
	pt.collector.RecordEpoch(step)

	plots := pt.collector.GenerateAllPlots()
	for i := range plots {
		plots[i].RunID = pt.runID
	}

	if pt.service.config.Batch {
		resp, err := pt.service.BatchSendPlots(pt.ctx, plots)
		if err != nil {
			return fmt.Errorf("epoch %d plots: %w", step.Epoch, err)
		}
		if !resp.Success {
			return fmt.Errorf("epoch %d plots rejected: %s", step.Epoch, resp.Message)
		}
		return nil
	}

	if _, err := pt.service.SendPlots(pt.ctx, plots); err != nil {
		return fmt.Errorf("epoch %d plots: %w", step.Epoch, err)
	}
	return nil
}

func (pt *PlotTracker) Close() error {
	return nil
}
