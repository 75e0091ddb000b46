package training

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vbauerster/mpb/v8/decor"
)

// lockedBuffer is a bytes.Buffer safe for the renderer goroutine.
type lockedBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mutex.Lock()
	defer lb.mutex.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mutex.Lock()
	defer lb.mutex.Unlock()
	return lb.buf.String()
}

func TestFormatParameterCount(t *testing.T) {
	tests := []struct {
		count    int
		expected string
	}{
		{0, "0"},
		{64, "64"},
		{1500, "1.5K"},
		{2_500_000, "2.5M"},
	}

	for _, tt := range tests {
		if got := formatParameterCount(tt.count); got != tt.expected {
			t.Errorf("formatParameterCount(%d): expected %s, got %s", tt.count, tt.expected, got)
		}
	}
}

func TestTrainingSession(t *testing.T) {
	out := &lockedBuffer{}
	session := NewTrainingSession("fir", 2, out)

	separator, err := NewFIRSeparator(2, 16)
	if err != nil {
		t.Fatal(err)
	}
	session.StartTraining(separator)
	if !strings.Contains(out.String(), "fir: 2 sources, 32 trainable parameters") {
		t.Errorf("Unexpected model summary %q", out.String())
	}

	session.StartEpoch(0, 3)
	for i := 0; i < 3; i++ {
		session.UpdateTrainingProgress(-float64(i))
	}
	session.FinishTrainingEpoch()

	// An evaluation stopped early and an empty split must not block Close.
	session.StartValidation("val", 2)
	session.UpdateValidationProgress(1.5)
	session.FinishValidationEpoch()
	session.StartValidation("test", 0)
	session.FinishValidationEpoch()

	done := make(chan struct{})
	go func() {
		session.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after every bar finished")
	}
}

func TestProgressBarMetrics(t *testing.T) {
	out := &lockedBuffer{}
	session := NewTrainingSession("fir", 1, out)
	session.StartEpoch(0, 1)

	pb := session.trainProgress
	pb.UpdateMetrics(map[string]float64{"b": 2, "a": 1})
	if got := pb.renderMetrics(decor.Statistics{}); got != " a=1.000 b=2.000" {
		t.Errorf("Expected sorted metrics, got %q", got)
	}

	session.UpdateTrainingProgress(0.5)
	session.FinishTrainingEpoch()
	session.Close()
}
