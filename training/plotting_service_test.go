package training

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestDefaultPlottingServiceConfig tests the default configuration
func TestDefaultPlottingServiceConfig(t *testing.T) {
	config := DefaultPlottingServiceConfig()

	if config.BaseURL != "http://localhost:8080" {
		t.Errorf("Expected BaseURL http://localhost:8080, got %s", config.BaseURL)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", config.Timeout)
	}
	if config.RetryAttempts != 3 {
		t.Errorf("Expected retry attempts 3, got %d", config.RetryAttempts)
	}
	if config.RetryDelay != 1*time.Second {
		t.Errorf("Expected retry delay 1s, got %v", config.RetryDelay)
	}
	if config.MaxConcurrency != 4 {
		t.Errorf("Expected max concurrency 4, got %d", config.MaxConcurrency)
	}
}

// TestNewPlottingService tests plotting service creation
func TestNewPlottingService(t *testing.T) {
	config := PlottingServiceConfig{
		BaseURL: "http://test:9090",
		Timeout: 15 * time.Second,
	}

	ps := NewPlottingService(config)

	if ps.baseURL != config.BaseURL {
		t.Errorf("Expected baseURL %s, got %s", config.BaseURL, ps.baseURL)
	}
	if ps.httpClient.Timeout != config.Timeout {
		t.Errorf("Expected timeout %v, got %v", config.Timeout, ps.httpClient.Timeout)
	}
	if ps.config.RetryAttempts != 1 || ps.config.MaxConcurrency != 1 {
		t.Errorf("Expected zero retry and concurrency settings to default to 1, got %d and %d",
			ps.config.RetryAttempts, ps.config.MaxConcurrency)
	}
	if ps.IsEnabled() {
		t.Error("Expected service to be disabled by default")
	}

	ps.Enable()
	if !ps.IsEnabled() {
		t.Error("Service should be enabled after Enable()")
	}
	ps.Disable()
	if ps.IsEnabled() {
		t.Error("Service should be disabled after Disable()")
	}
}

func testPlot(title string) PlotData {
	return PlotData{
		PlotType:  MetricCurves,
		Title:     title,
		Timestamp: time.Now(),
		ModelName: "TestModel",
		Series:    []SeriesData{{Name: "val_SISDRi", Type: "line", Data: []DataPoint{{X: 1, Y: 2}}}},
	}
}

func fastService(url string) *PlottingService {
	ps := NewPlottingService(PlottingServiceConfig{
		BaseURL:        url,
		Timeout:        5 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     time.Millisecond,
		MaxConcurrency: 2,
	})
	ps.Enable()
	return ps
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TestSendPlotDataDisabled tests behavior when service is disabled
func TestSendPlotDataDisabled(t *testing.T) {
	ps := NewPlottingService(DefaultPlottingServiceConfig())
	ctx := context.Background()

	if _, err := ps.SendPlotData(ctx, testPlot("p")); !errors.Is(err, ErrPlottingDisabled) {
		t.Errorf("Expected ErrPlottingDisabled, got %v", err)
	}
	if _, err := ps.SendPlots(ctx, []PlotData{testPlot("p")}); !errors.Is(err, ErrPlottingDisabled) {
		t.Errorf("Expected ErrPlottingDisabled, got %v", err)
	}
	if err := ps.CheckHealth(ctx); !errors.Is(err, ErrPlottingDisabled) {
		t.Errorf("Expected ErrPlottingDisabled, got %v", err)
	}
}

// TestSendPlotDataSuccess tests successful plot data sending
func TestSendPlotDataSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST method, got %s", r.Method)
		}
		if r.URL.Path != "/api/plot" {
			t.Errorf("Expected path /api/plot, got %s", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected JSON content type, got %s", r.Header.Get("Content-Type"))
		}

		var received PlotData
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if received.Title != "curves" {
			t.Errorf("Expected title curves, got %s", received.Title)
		}
		writeJSON(w, http.StatusOK, PlottingResponse{Success: true, Message: "ok", PlotID: "plot-1"})
	}))
	defer server.Close()

	resp, err := fastService(server.URL).SendPlotData(context.Background(), testPlot("curves"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !resp.Success || resp.PlotID != "plot-1" {
		t.Errorf("Unexpected response %+v", resp)
	}
}

// TestSendPlotDataServerError tests that a non-200 reply is an error that
// still carries the decoded message.
func TestSendPlotDataServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, PlottingResponse{Success: false, Message: "boom"})
	}))
	defer server.Close()

	resp, err := fastService(server.URL).SendPlotData(context.Background(), testPlot("p"))
	if err == nil {
		t.Fatal("Expected error for status 500")
	}
	if resp == nil || resp.Message != "boom" {
		t.Errorf("Expected response message boom, got %+v", resp)
	}
}

// TestSendPlotDataWithRetry tests that transient failures are retried
func TestSendPlotDataWithRetry(t *testing.T) {
	t.Run("EventualSuccess", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				writeJSON(w, http.StatusServiceUnavailable, PlottingResponse{Message: "busy"})
				return
			}
			writeJSON(w, http.StatusOK, PlottingResponse{Success: true})
		}))
		defer server.Close()

		resp, err := fastService(server.URL).SendPlotDataWithRetry(context.Background(), testPlot("p"))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !resp.Success {
			t.Error("Expected success")
		}
		if n := atomic.LoadInt32(&calls); n != 3 {
			t.Errorf("Expected 3 calls, got %d", n)
		}
	})

	t.Run("Exhausted", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			writeJSON(w, http.StatusInternalServerError, PlottingResponse{Message: "down"})
		}))
		defer server.Close()

		if _, err := fastService(server.URL).SendPlotDataWithRetry(context.Background(), testPlot("p")); err == nil {
			t.Fatal("Expected error after exhausting retries")
		}
		if n := atomic.LoadInt32(&calls); n != 3 {
			t.Errorf("Expected 3 calls, got %d", n)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, PlottingResponse{Message: "down"})
		}))
		defer server.Close()

		ps := fastService(server.URL)
		ps.config.RetryDelay = time.Hour
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		if _, err := ps.SendPlotDataWithRetry(ctx, testPlot("p")); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected deadline exceeded, got %v", err)
		}
	})
}

// TestSendPlots tests the bounded concurrent upload
func TestSendPlots(t *testing.T) {
	var (
		mutex    sync.Mutex
		titles   []string
		inFlight int32
		maxSeen  int32
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			seen := atomic.LoadInt32(&maxSeen)
			if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)

		var received PlotData
		_ = json.NewDecoder(r.Body).Decode(&received)
		mutex.Lock()
		titles = append(titles, received.Title)
		mutex.Unlock()

		writeJSON(w, http.StatusOK, PlottingResponse{Success: true, PlotID: received.Title})
	}))
	defer server.Close()

	plots := []PlotData{testPlot("a"), testPlot("b"), testPlot("c"), testPlot("d"), testPlot("e")}
	responses, err := fastService(server.URL).SendPlots(context.Background(), plots)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	mutex.Lock()
	if len(titles) != len(plots) {
		t.Errorf("Expected %d requests, got %d", len(plots), len(titles))
	}
	mutex.Unlock()
	if n := atomic.LoadInt32(&maxSeen); n > 2 {
		t.Errorf("Expected at most 2 concurrent requests, got %d", n)
	}
	for i, resp := range responses {
		if resp == nil || resp.PlotID != plots[i].Title {
			t.Errorf("Expected response %d to match plot %s, got %+v", i, plots[i].Title, resp)
		}
	}
}

// TestBatchSendPlots tests the single-request batch endpoint
func TestBatchSendPlots(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/batch-plot" {
			t.Errorf("Expected path /api/batch-plot, got %s", r.URL.Path)
		}
		var payload struct {
			Plots []PlotData `json:"plots"`
			Batch bool       `json:"batch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("Failed to decode batch payload: %v", err)
		}
		writeJSON(w, http.StatusOK, BatchPlottingResponse{
			Success: payload.Batch,
			BatchID: "batch-1",
			Summary: BatchSummary{TotalPlots: len(payload.Plots), Successful: len(payload.Plots)},
		})
	}))
	defer server.Close()

	resp, err := fastService(server.URL).BatchSendPlots(context.Background(), []PlotData{testPlot("a"), testPlot("b")})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !resp.Success || resp.Summary.TotalPlots != 2 {
		t.Errorf("Unexpected batch response %+v", resp)
	}
}

// TestCheckHealth tests the health endpoint
func TestCheckHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("Expected path /health, got %s", r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	ps := fastService(server.URL)
	if err := ps.CheckHealth(context.Background()); err != nil {
		t.Errorf("Expected healthy service, got %v", err)
	}
	healthy.Store(false)
	if err := ps.CheckHealth(context.Background()); err == nil {
		t.Error("Expected error for unhealthy service")
	}
}

// TestPlotTracker tests that an epoch's logs are uploaded as plots tagged
// with the run id
func TestPlotTracker(t *testing.T) {
	var (
		mutex    sync.Mutex
		received []PlotData
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var plot PlotData
		if err := json.NewDecoder(r.Body).Decode(&plot); err != nil {
			t.Errorf("Failed to decode plot: %v", err)
		}
		mutex.Lock()
		received = append(received, plot)
		mutex.Unlock()
		writeJSON(w, http.StatusOK, PlottingResponse{Success: true})
	}))
	defer server.Close()

	tracker := NewPlotTracker(context.Background(), fastService(server.URL), "fir")
	if tracker.RunID() == "" {
		t.Fatal("Expected a run id")
	}

	step := Step{Epoch: 0, Train: 1, Val: 1, LearningRate: 1e-3}
	snr := Key("val", InputSNRKind)
	sisdr := Key("val", SISDR)
	if err := tracker.LogMetrics(step, []MetricSummary{{Key: sisdr, Summary: Summary{Mean: 3, Count: 4}}}); err != nil {
		t.Fatal(err)
	}
	if err := tracker.LogHistograms(step, []HistogramSeries{{Key: sisdr, Values: []float64{1, 2, 3, 6}}}); err != nil {
		t.Fatal(err)
	}
	if err := tracker.LogScatter(step, []ScatterSeries{{X: snr, Y: sisdr, XValues: []float64{-1, 1, -2, 2}, YValues: []float64{1, 2, 3, 6}}}); err != nil {
		t.Fatal(err)
	}
	if err := tracker.EndEpoch(step); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	mutex.Lock()
	defer mutex.Unlock()

	// curves, learning rate, one histogram, one scatter
	if len(received) != 4 {
		t.Fatalf("Expected 4 plots, got %d", len(received))
	}
	types := make(map[PlotType]bool)
	for _, plot := range received {
		if plot.RunID != tracker.RunID() {
			t.Errorf("Expected run id %s, got %s", tracker.RunID(), plot.RunID)
		}
		types[plot.PlotType] = true
	}
	for _, pt := range []PlotType{MetricCurves, LearningRateSchedule, MetricHistogram, SNRScatter} {
		if !types[pt] {
			t.Errorf("Expected a %s plot", pt)
		}
	}
}

// TestPlotTrackerFailure tests that upload failures surface from EndEpoch
func TestPlotTrackerFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, PlottingResponse{Message: "down"})
	}))
	defer server.Close()

	tracker := NewPlotTracker(context.Background(), fastService(server.URL), "fir")
	if err := tracker.EndEpoch(Step{LearningRate: 1e-3}); err == nil {
		t.Error("Expected error when the sidecar is down")
	}
}
