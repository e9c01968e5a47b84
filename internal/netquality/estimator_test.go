package netquality

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		kbps float64
		want Tier
	}{
		{"above high threshold", 1200, TierHigh},
		{"exactly high threshold", 1000, TierHigh},
		{"medium range", 600, TierMedium},
		{"low range", 150, TierLow},
		{"below low threshold", 50, TierVeryLow},
		{"zero", 0, TierVeryLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.kbps))
		})
	}
}

func TestTierTables_StrictOrdering(t *testing.T) {
	// Chunk sizes must be strictly decreasing with worsening tiers.
	assert.Greater(t, ChunkSize(TierHigh), ChunkSize(TierMedium))
	assert.Greater(t, ChunkSize(TierMedium), ChunkSize(TierLow))
	assert.Greater(t, ChunkSize(TierLow), ChunkSize(TierVeryLow))

	assert.Greater(t, InitialBuffer(TierHigh), InitialBuffer(TierMedium))
	assert.Greater(t, InitialBuffer(TierMedium), InitialBuffer(TierLow))
	assert.Greater(t, InitialBuffer(TierLow), InitialBuffer(TierVeryLow))
}

func TestEstimator_Measure(t *testing.T) {
	t.Run("successful probe classifies by throughput", func(t *testing.T) {
		// Arrange - a local server is fast enough to always land on high
		payload := make([]byte, 256*1024)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(payload)
		}))
		defer srv.Close()

		cfg := DefaultConfig()
		cfg.ProbeURL = srv.URL
		est := NewEstimator(cfg, zap.NewNop())

		// Act
		tier := est.Measure(context.Background())

		// Assert
		assert.Equal(t, TierHigh, tier)
		assert.Equal(t, TierHigh, est.Current())
		assert.Greater(t, est.Speed(), float64(thresholdHigh))
	})

	t.Run("probe failure forces the worst tier", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ProbeURL = "http://127.0.0.1:1/probe" // nothing listens here
		cfg.ProbeTimeout = 500 * time.Millisecond
		est := NewEstimator(cfg, zap.NewNop())

		tier := est.Measure(context.Background())

		assert.Equal(t, TierVeryLow, tier)
		assert.Equal(t, float64(0), est.Speed())
	})

	t.Run("failure overrides prior good measurement", func(t *testing.T) {
		payload := make([]byte, 256*1024)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(payload)
		}))

		cfg := DefaultConfig()
		cfg.ProbeURL = srv.URL
		cfg.ProbeTimeout = 500 * time.Millisecond
		est := NewEstimator(cfg, zap.NewNop())

		require.Equal(t, TierHigh, est.Measure(context.Background()))

		srv.Close() // subsequent probe hits a dead server
		tier := est.Measure(context.Background())

		assert.Equal(t, TierVeryLow, tier, "prior measurement must not mask a failed probe")
	})

	t.Run("non-2xx probe response is a failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		cfg := DefaultConfig()
		cfg.ProbeURL = srv.URL
		est := NewEstimator(cfg, zap.NewNop())

		assert.Equal(t, TierVeryLow, est.Measure(context.Background()))
	})
}

func TestEstimator_Kick(t *testing.T) {
	// Kick never blocks, even when no Run loop is draining it.
	est := NewEstimator(DefaultConfig(), zap.NewNop())
	for i := 0; i < 10; i++ {
		est.Kick()
	}
}
