package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FeedForge/reelcore/internal/connectivity"
	"github.com/FeedForge/reelcore/internal/media"
	"github.com/FeedForge/reelcore/internal/mediaurl"
	"github.com/FeedForge/reelcore/internal/netquality"
	"github.com/FeedForge/reelcore/internal/pool"
	"github.com/FeedForge/reelcore/internal/preload"
	"github.com/FeedForge/reelcore/internal/swrcache"
)

type stubFeed struct {
	items []media.Item
}

func (f *stubFeed) ItemAt(ctx context.Context, index int) (media.Item, error) {
	if index < 0 || index >= len(f.items) {
		return media.Item{}, fmt.Errorf("index %d out of range", index)
	}
	return f.items[index], nil
}

func (f *stubFeed) Len() int { return len(f.items) }

func newTestServer(t *testing.T) (*Server, *pool.Pool, *connectivity.Monitor, *swrcache.Cache) {
	t.Helper()

	logger := zap.NewNop()
	est := netquality.NewEstimator(netquality.DefaultConfig(), logger)
	monitor := connectivity.NewMonitor(logger)
	cache := swrcache.New(logger)
	t.Cleanup(cache.Close)

	resolver := mediaurl.NewResolver([]byte("test-key"), time.Minute)
	p := pool.New(pool.DefaultConfig(), resolver, nil, logger,
		pool.WithInitializer(func(ctx context.Context, r *pool.Resource) error {
			return nil
		}))
	t.Cleanup(p.Shutdown)

	feed := &stubFeed{}
	for i := 0; i < 10; i++ {
		feed.items = append(feed.items, media.Item{
			ID:  fmt.Sprintf("media-%d", i),
			URL: fmt.Sprintf("https://cdn.example.com/v/%d.m3u8", i),
		})
	}
	sched := preload.NewScheduler(preload.ProfileLite, p, feed, logger)
	t.Cleanup(sched.Close)

	srv := NewServer(0, logger, sched, p, cache, est, nil, monitor)
	return srv, p, monitor, cache
}

func TestHandleHealth(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHandleStatus(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	network, ok := body["network"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "medium", network["tier"])
	assert.Equal(t, "unknown", network["connectivity"])

	poolInfo, ok := body["pool"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(0), poolInfo["size"])
}

func TestHandleViewport(t *testing.T) {
	t.Run("dispatches preload for the new position", func(t *testing.T) {
		srv, p, _, _ := newTestServer(t)

		payload := bytes.NewBufferString(`{"index": 4}`)
		req := httptest.NewRequest(http.MethodPost, "/viewport", payload)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Eventually(t, func() bool {
			_, ok := p.Get(4)
			return ok
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("rejects malformed payload", func(t *testing.T) {
		srv, _, _, _ := newTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/viewport", bytes.NewBufferString("not json"))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects negative index", func(t *testing.T) {
		srv, _, _, _ := newTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/viewport", bytes.NewBufferString(`{"index": -1}`))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleConnectivity(t *testing.T) {
	t.Run("updates the monitor state", func(t *testing.T) {
		srv, _, monitor, _ := newTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/connectivity", bytes.NewBufferString(`{"state": "wifi"}`))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, connectivity.StateWifi, monitor.State())
	})

	t.Run("rejects unknown states", func(t *testing.T) {
		srv, _, _, _ := newTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/connectivity", bytes.NewBufferString(`{"state": "carrier-pigeon"}`))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleInvalidateCategory(t *testing.T) {
	t.Run("drops cached entries for a category", func(t *testing.T) {
		srv, _, _, cache := newTestServer(t)

		ctx := context.Background()
		key := swrcache.Key{Category: swrcache.CategoryProfile, ID: "user-1"}
		_, err := swrcache.Get(ctx, cache, key, func(context.Context) (string, error) {
			return "cached", nil
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodDelete, "/cache/profile", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusNoContent, rec.Code)

		calls := 0
		_, err = swrcache.Get(ctx, cache, key, func(context.Context) (string, error) {
			calls++
			return "fresh", nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("404s an unknown category", func(t *testing.T) {
		srv, _, _, _ := newTestServer(t)

		req := httptest.NewRequest(http.MethodDelete, "/cache/billing", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
