package correlation

import (
	"math"
	"sync"
	"time"
)

// Estimate statuses reported by EstimateDelay.
const (
	EstimateUpdated          = "updated"
	EstimateInsufficientData = "insufficient_signal_data"
	EstimateWeakSignal       = "weak_signal"
)

const (
	confidenceDecay      = 0.95
	confidenceBlendPeak  = 0.7
	confidenceBlendPrior = 0.3
)

// AnalyzerConfig tunes delay estimation. Zero values fall back to defaults.
type AnalyzerConfig struct {
	// BucketSize aligns activity signals; it is also the candidate-delay
	// step, so estimated delays are always bucket multiples.
	BucketSize time.Duration
	// AnalysisWindow bounds how far back estimation looks.
	AnalysisWindow time.Duration
	// DelayRangeMin and DelayRangeMax bound candidate delays.
	DelayRangeMin time.Duration
	DelayRangeMax time.Duration
	// MinSignalBuckets is the per-series floor below which estimation
	// reports insufficient data.
	MinSignalBuckets int
	// MinSignalStrength is the correlation peak needed to accept a new
	// delay.
	MinSignalStrength float64
	// InitialDelay seeds the estimate before any signal arrives. Clamped
	// into the delay range.
	InitialDelay time.Duration
}

func (c AnalyzerConfig) normalize() AnalyzerConfig {
	if c.BucketSize <= 0 {
		c.BucketSize = 2 * time.Second
	}
	if c.AnalysisWindow <= 0 {
		c.AnalysisWindow = 5 * time.Minute
	}
	if c.DelayRangeMin <= 0 {
		c.DelayRangeMin = 3 * time.Second
	}
	if c.DelayRangeMax <= 0 {
		c.DelayRangeMax = 20 * time.Second
	}
	if c.MinSignalBuckets <= 0 {
		c.MinSignalBuckets = 10
	}
	if c.MinSignalStrength <= 0 {
		c.MinSignalStrength = 0.3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 8 * time.Second
	}
	if c.InitialDelay < c.DelayRangeMin {
		c.InitialDelay = c.DelayRangeMin
	}
	if c.InitialDelay > c.DelayRangeMax {
		c.InitialDelay = c.DelayRangeMax
	}
	return c
}

// Estimate is the outcome of one estimation pass.
type Estimate struct {
	Status     string
	Delay      time.Duration
	Confidence float64
	Peak       float64
	Buckets    int
}

// TemporalAnalyzer accumulates word-rate and chat-rate signals in aligned
// buckets and cross-correlates them to locate the stream delay. Safe for
// concurrent use.
type TemporalAnalyzer struct {
	mu         sync.Mutex
	cfg        AnalyzerConfig
	transcript map[int64]float64
	chat       map[int64]float64
	delay      time.Duration
	confidence float64
	now        func() time.Time
}

func NewTemporalAnalyzer(cfg AnalyzerConfig) *TemporalAnalyzer {
	cfg = cfg.normalize()
	return &TemporalAnalyzer{
		cfg:        cfg,
		transcript: make(map[int64]float64),
		chat:       make(map[int64]float64),
		delay:      cfg.InitialDelay,
		now:        time.Now,
	}
}

// AddTranscription credits the bucket containing at with the word count.
func (a *TemporalAnalyzer) AddTranscription(at time.Time, wordCount int) {
	if wordCount <= 0 {
		return
	}
	a.mu.Lock()
	a.transcript[a.bucketFor(at)] += float64(wordCount)
	a.mu.Unlock()
}

// AddChat credits the bucket containing at with one message.
func (a *TemporalAnalyzer) AddChat(at time.Time) {
	a.mu.Lock()
	a.chat[a.bucketFor(at)]++
	a.mu.Unlock()
}

// Current returns the present delay estimate and its confidence.
func (a *TemporalAnalyzer) Current() (time.Duration, float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delay, a.confidence
}

// EstimateDelay runs one estimation pass over the analysis window. The delay
// only moves when the correlation peak clears MinSignalStrength; otherwise
// confidence decays and the prior delay stands.
func (a *TemporalAnalyzer) EstimateDelay() Estimate {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.cfg.AnalysisWindow)
	trans := a.recent(a.transcript, cutoff)
	chat := a.recent(a.chat, cutoff)
	buckets := len(trans)
	if len(chat) < buckets {
		buckets = len(chat)
	}

	if len(trans) < a.cfg.MinSignalBuckets || len(chat) < a.cfg.MinSignalBuckets {
		a.confidence = clamp01(a.confidence * confidenceDecay)
		return Estimate{Status: EstimateInsufficientData, Delay: a.delay, Confidence: a.confidence, Buckets: buckets}
	}

	size := a.cfg.BucketSize.Milliseconds()
	lo, hi := keyBounds(trans, chat)
	x := seriesOnGrid(trans, lo, hi, size)
	y := seriesOnGrid(chat, lo, hi, size)

	minShift := int((a.cfg.DelayRangeMin.Milliseconds() + size - 1) / size)
	maxShift := int(a.cfg.DelayRangeMax.Milliseconds() / size)
	peak, best := 0.0, a.delay
	for shift := minShift; shift <= maxShift; shift++ {
		if len(x)-shift < 2 {
			break
		}
		if r := pearson(x[:len(x)-shift], y[shift:]); r > peak {
			peak = r
			best = time.Duration(int64(shift)*size) * time.Millisecond
		}
	}

	if peak >= a.cfg.MinSignalStrength {
		a.delay = best
		a.confidence = clamp01(confidenceBlendPeak*peak + confidenceBlendPrior*a.confidence)
		return Estimate{Status: EstimateUpdated, Delay: a.delay, Confidence: a.confidence, Peak: peak, Buckets: buckets}
	}
	a.confidence = clamp01(a.confidence * confidenceDecay)
	return Estimate{Status: EstimateWeakSignal, Delay: a.delay, Confidence: a.confidence, Peak: peak, Buckets: buckets}
}

// SignalSizes reports the bucket counts of both signals.
func (a *TemporalAnalyzer) SignalSizes() (transcription, chat int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.transcript), len(a.chat)
}

// PruneSignals drops buckets older than twice the analysis window.
func (a *TemporalAnalyzer) PruneSignals() {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.now().Add(-2 * a.cfg.AnalysisWindow).UnixMilli()
	for b := range a.transcript {
		if b < cutoff {
			delete(a.transcript, b)
		}
	}
	for b := range a.chat {
		if b < cutoff {
			delete(a.chat, b)
		}
	}
}

func (a *TemporalAnalyzer) bucketFor(at time.Time) int64 {
	size := a.cfg.BucketSize.Milliseconds()
	ms := at.UnixMilli()
	return ms - ms%size
}

func (a *TemporalAnalyzer) recent(signal map[int64]float64, cutoff time.Time) map[int64]float64 {
	cutoffMs := cutoff.UnixMilli()
	out := make(map[int64]float64, len(signal))
	for b, v := range signal {
		if b >= cutoffMs {
			out[b] = v
		}
	}
	return out
}

func keyBounds(a, b map[int64]float64) (int64, int64) {
	lo, hi := int64(math.MaxInt64), int64(math.MinInt64)
	for k := range a {
		if k < lo {
			lo = k
		}
		if k > hi {
			hi = k
		}
	}
	for k := range b {
		if k < lo {
			lo = k
		}
		if k > hi {
			hi = k
		}
	}
	return lo, hi
}

func seriesOnGrid(signal map[int64]float64, lo, hi, size int64) []float64 {
	out := make([]float64, 0, (hi-lo)/size+1)
	for b := lo; b <= hi; b += size {
		out = append(out, signal[b])
	}
	return out
}

// pearson computes the correlation coefficient of two equal-length series.
// Constant series have no defined correlation and yield 0.
func pearson(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < 2 {
		return 0
	}
	n := float64(len(x))
	var sx, sy, sxx, syy, sxy float64
	for i := range x {
		sx += x[i]
		sy += y[i]
		sxx += x[i] * x[i]
		syy += y[i] * y[i]
		sxy += x[i] * y[i]
	}
	den := math.Sqrt((n*sxx - sx*sx) * (n*syy - sy*sy))
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
