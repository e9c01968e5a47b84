package netquality

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FeedForge/reelcore/internal/metrics"
)

// Tier is a discrete bandwidth classification.
type Tier int

const (
	TierVeryLow Tier = iota
	TierLow
	TierMedium
	TierHigh
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return "very-low"
	}
}

// Classification thresholds in KB/s, ascending.
const (
	thresholdLow    = 100
	thresholdMedium = 500
	thresholdHigh   = 1000
)

// chunkSizes maps each tier to a network chunk size in bytes.
var chunkSizes = map[Tier]int{
	TierHigh:    128 * 1024,
	TierMedium:  64 * 1024,
	TierLow:     32 * 1024,
	TierVeryLow: 16 * 1024,
}

// initialBuffers maps each tier to the bytes required before playback
// is considered ready.
var initialBuffers = map[Tier]int{
	TierHigh:    2 * 1024 * 1024,
	TierMedium:  1024 * 1024,
	TierLow:     512 * 1024,
	TierVeryLow: 256 * 1024,
}

// ChunkSize returns the network chunk size for a tier.
func ChunkSize(t Tier) int {
	return chunkSizes[t]
}

// InitialBuffer returns the initial buffer threshold for a tier.
func InitialBuffer(t Tier) int {
	return initialBuffers[t]
}

// Classify maps a measured speed in KB/s to a tier.
func Classify(kbps float64) Tier {
	switch {
	case kbps >= thresholdHigh:
		return TierHigh
	case kbps >= thresholdMedium:
		return TierMedium
	case kbps >= thresholdLow:
		return TierLow
	default:
		return TierVeryLow
	}
}

// Config configures the estimator.
type Config struct {
	ProbeURL     string
	ProbeTimeout time.Duration
	Interval     time.Duration
	// MinProbeGap bounds how often connectivity flapping can force a
	// re-measure.
	MinProbeGap time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout: 5 * time.Second,
		Interval:     30 * time.Second,
		MinProbeGap:  3 * time.Second,
	}
}

// Estimator measures network throughput with a small probe download and
// classifies it into a Tier. A failed probe is evidence of a bad
// network, not an unknown one, so it classifies as the lowest tier.
type Estimator struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	limiter *rate.Limiter
	kick    chan struct{}

	mu        sync.RWMutex
	tier      Tier
	speedKBps float64
	lastProbe time.Time
}

// NewEstimator creates an estimator. The zero tier before the first
// probe is TierMedium so startup is neither starved nor flooded.
func NewEstimator(cfg Config, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MinProbeGap <= 0 {
		cfg.MinProbeGap = DefaultConfig().MinProbeGap
	}
	return &Estimator{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.ProbeTimeout},
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(cfg.MinProbeGap), 1),
		kick:    make(chan struct{}, 1),
		tier:    TierMedium,
	}
}

// Current returns the most recently measured tier.
func (e *Estimator) Current() Tier {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tier
}

// Speed returns the rolling measured speed in KB/s.
func (e *Estimator) Speed() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.speedKBps
}

// Measure downloads the probe payload, updates the rolling speed and
// returns the resulting tier.
func (e *Estimator) Measure(ctx context.Context) Tier {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	n, err := e.probe(ctx)
	elapsed := time.Since(start)

	if err != nil {
		metrics.ProbeFailures.Inc()
		e.logger.Warn("network probe failed, assuming worst tier",
			zap.String("url", e.cfg.ProbeURL),
			zap.Error(err))
		e.setTier(TierVeryLow, 0)
		return TierVeryLow
	}

	metrics.ProbeDuration.Observe(elapsed.Seconds())
	kbps := float64(n) / 1024 / elapsed.Seconds()
	tier := Classify(kbps)
	e.setTier(tier, kbps)

	e.logger.Debug("network probe complete",
		zap.Float64("kbps", kbps),
		zap.String("tier", tier.String()))
	return tier
}

func (e *Estimator) probe(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.ProbeURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &ProbeStatusError{Status: resp.StatusCode}
	}
	return io.Copy(io.Discard, resp.Body)
}

func (e *Estimator) setTier(t Tier, kbps float64) {
	e.mu.Lock()
	e.tier = t
	if kbps > 0 {
		// Light smoothing so one fast probe does not whipsaw sizing.
		if e.speedKBps > 0 {
			e.speedKBps = (e.speedKBps + kbps) / 2
		} else {
			e.speedKBps = kbps
		}
	} else {
		e.speedKBps = 0
	}
	e.lastProbe = time.Now()
	e.mu.Unlock()

	metrics.CurrentTier.Set(float64(t))
}

// Kick requests an out-of-band re-measure, typically wired to the
// connectivity monitor. Bursts are coalesced and rate-limited.
func (e *Estimator) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run re-measures on a fixed interval and on Kick until ctx is done.
func (e *Estimator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.Measure(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Measure(ctx)
		case <-e.kick:
			if e.limiter.Allow() {
				e.Measure(ctx)
			}
		}
	}
}

// ProbeStatusError reports a non-2xx probe response.
type ProbeStatusError struct {
	Status int
}

func (e *ProbeStatusError) Error() string {
	return "probe returned status " + strconv.Itoa(e.Status)
}
