package correlation

import (
	"math"
	"testing"
	"time"
)

// rampSignals feeds both signals a linear ramp, with chat trailing
// transcription by shift. Returns the analyzer clock position after feeding.
func rampSignals(a *TemporalAnalyzer, base time.Time, buckets int, shift time.Duration) time.Time {
	for i := 0; i < buckets; i++ {
		at := base.Add(time.Duration(i) * 2 * time.Second)
		a.AddTranscription(at, i+1)
		chatAt := at.Add(shift)
		for n := 0; n <= i; n++ {
			a.AddChat(chatAt)
		}
	}
	return base.Add(time.Duration(buckets)*2*time.Second + shift)
}

func alignedBase() time.Time {
	ms := time.Now().UnixMilli()
	return time.UnixMilli(ms - ms%2000)
}

func TestEstimateDelayRecoversKnownShift(t *testing.T) {
	a := NewTemporalAnalyzer(AnalyzerConfig{})
	base := alignedBase()
	end := rampSignals(a, base, 12, 8*time.Second)
	a.now = func() time.Time { return end }

	est := a.EstimateDelay()
	if est.Status != EstimateUpdated {
		t.Fatalf("status = %q, want %q", est.Status, EstimateUpdated)
	}
	if est.Delay != 8*time.Second {
		t.Fatalf("delay = %v, want 8s", est.Delay)
	}
	if est.Peak < 0.95 {
		t.Fatalf("peak = %.3f, want >= 0.95", est.Peak)
	}
	if est.Confidence < 0.7 {
		t.Fatalf("confidence = %.3f, want >= 0.7", est.Confidence)
	}

	delay, confidence := a.Current()
	if delay != 8*time.Second || confidence != est.Confidence {
		t.Fatalf("current = (%v, %.3f), want (8s, %.3f)", delay, confidence, est.Confidence)
	}
}

func TestEstimateDelayInsufficientData(t *testing.T) {
	a := NewTemporalAnalyzer(AnalyzerConfig{})
	base := alignedBase()
	a.now = func() time.Time { return base.Add(10 * time.Second) }
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * 2 * time.Second)
		a.AddTranscription(at, 2)
		a.AddChat(at)
	}

	est := a.EstimateDelay()
	if est.Status != EstimateInsufficientData {
		t.Fatalf("status = %q, want %q", est.Status, EstimateInsufficientData)
	}
	if est.Delay != 8*time.Second {
		t.Fatalf("delay = %v, want untouched 8s default", est.Delay)
	}
	if est.Confidence != 0 {
		t.Fatalf("confidence = %.3f, want 0", est.Confidence)
	}
}

func TestEstimateDelayDecaysConfidenceWhenSignalDriesUp(t *testing.T) {
	a := NewTemporalAnalyzer(AnalyzerConfig{})
	base := alignedBase()
	end := rampSignals(a, base, 12, 8*time.Second)
	a.now = func() time.Time { return end }

	first := a.EstimateDelay()
	if first.Status != EstimateUpdated {
		t.Fatalf("setup estimation status = %q", first.Status)
	}

	// Move past the analysis window so every bucket falls out of scope.
	a.now = func() time.Time { return end.Add(10 * time.Minute) }
	second := a.EstimateDelay()
	if second.Status != EstimateInsufficientData {
		t.Fatalf("status = %q, want %q", second.Status, EstimateInsufficientData)
	}
	if second.Delay != first.Delay {
		t.Fatalf("delay = %v, want unchanged %v", second.Delay, first.Delay)
	}
	want := first.Confidence * confidenceDecay
	if math.Abs(second.Confidence-want) > 1e-9 {
		t.Fatalf("confidence = %.6f, want %.6f", second.Confidence, want)
	}
}

func TestEstimateDelayWeakSignalKeepsDelay(t *testing.T) {
	a := NewTemporalAnalyzer(AnalyzerConfig{})
	base := alignedBase()
	// Transcription ramps while chat stays constant; a constant series has
	// no defined correlation and the peak must come out zero.
	for i := 0; i < 12; i++ {
		at := base.Add(time.Duration(i) * 2 * time.Second)
		a.AddTranscription(at, i+1)
		a.AddChat(at)
	}
	a.now = func() time.Time { return base.Add(30 * time.Second) }

	est := a.EstimateDelay()
	if est.Status != EstimateWeakSignal {
		t.Fatalf("status = %q, want %q", est.Status, EstimateWeakSignal)
	}
	if est.Peak != 0 {
		t.Fatalf("peak = %.3f, want 0 for constant chat series", est.Peak)
	}
	if est.Delay != 8*time.Second {
		t.Fatalf("delay = %v, want prior 8s", est.Delay)
	}
}

func TestPruneSignalsDropsOldBuckets(t *testing.T) {
	a := NewTemporalAnalyzer(AnalyzerConfig{})
	now := alignedBase()
	a.now = func() time.Time { return now }

	a.AddTranscription(now.Add(-11*time.Minute), 3)
	a.AddChat(now.Add(-11*time.Minute))
	a.AddTranscription(now.Add(-time.Minute), 3)
	a.AddChat(now.Add(-time.Minute))

	a.PruneSignals()
	trans, chat := a.SignalSizes()
	if trans != 1 || chat != 1 {
		t.Fatalf("signal sizes = (%d, %d), want (1, 1) after prune", trans, chat)
	}
}

func TestBucketAlignment(t *testing.T) {
	a := NewTemporalAnalyzer(AnalyzerConfig{})
	base := alignedBase()
	a.AddTranscription(base.Add(1*time.Millisecond), 1)
	a.AddTranscription(base.Add(1999*time.Millisecond), 1)
	a.AddTranscription(base.Add(2000*time.Millisecond), 1)
	trans, _ := a.SignalSizes()
	if trans != 2 {
		t.Fatalf("transcription buckets = %d, want 2", trans)
	}
}

func TestPearson(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5}
	down := []float64{5, 4, 3, 2, 1}
	flat := []float64{2, 2, 2, 2, 2}

	if r := pearson(up, up); math.Abs(r-1) > 1e-12 {
		t.Fatalf("pearson(up, up) = %v, want 1", r)
	}
	if r := pearson(up, down); math.Abs(r+1) > 1e-12 {
		t.Fatalf("pearson(up, down) = %v, want -1", r)
	}
	if r := pearson(up, flat); r != 0 {
		t.Fatalf("pearson(up, flat) = %v, want 0 (constant series)", r)
	}
	if r := pearson(up[:2], down); r != 0 {
		t.Fatalf("pearson on mismatched lengths = %v, want 0", r)
	}
}

func TestAnalyzerConfigClampsInitialDelay(t *testing.T) {
	a := NewTemporalAnalyzer(AnalyzerConfig{InitialDelay: time.Minute})
	delay, _ := a.Current()
	if delay != 20*time.Second {
		t.Fatalf("initial delay = %v, want clamped to range max 20s", delay)
	}
	a = NewTemporalAnalyzer(AnalyzerConfig{InitialDelay: time.Second})
	delay, _ = a.Current()
	if delay != 3*time.Second {
		t.Fatalf("initial delay = %v, want clamped to range min 3s", delay)
	}
}
