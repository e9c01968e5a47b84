package progressive

import (
	"bytes"
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/FeedForge/reelcore/internal/netquality"
)

func testEstimator(t *testing.T) *netquality.Estimator {
	t.Helper()
	// Never probed in these tests; the constructor default (medium)
	// drives sizing.
	return netquality.NewEstimator(netquality.DefaultConfig(), zap.NewNop())
}

func testPayload(n int) []byte {
	payload := make([]byte, n)
	r := rand.New(rand.NewSource(42))
	r.Read(payload)
	return payload
}

func drain(t *testing.T, st *Stream) []byte {
	t.Helper()
	var out bytes.Buffer
	for chunk := range st.Chunks() {
		out.Write(chunk)
	}
	require.NoError(t, st.Err())
	return out.Bytes()
}

func TestFetcher_Stream(t *testing.T) {
	ctx := context.Background()

	t.Run("streams full payload in tier-sized chunks", func(t *testing.T) {
		// Arrange - 200KB payload, medium tier means 64KB chunks
		payload := testPayload(200 * 1024)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "bytes=0-", r.Header.Get("Range"))
			_, _ = w.Write(payload)
		}))
		defer srv.Close()

		f := NewFetcher(DefaultConfig(t.TempDir()), testEstimator(t), zap.NewNop())

		// Act
		st, err := f.Stream(ctx, "clip-1", srv.URL+"/clip-1.mp4")
		require.NoError(t, err)
		got := drain(t, st)

		// Assert
		assert.Equal(t, payload, got)
		assert.Equal(t, int64(len(payload)), st.Received())
		assert.True(t, f.CachedLocally("clip-1"), "completed stream must leave a cached file")

		select {
		case <-st.Ready():
		default:
			t.Fatal("ready must be signalled by completion at the latest")
		}
	})

	t.Run("open stream is reused, no duplicate network work", func(t *testing.T) {
		var requests atomic.Int64
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			_, _ = w.Write(testPayload(16 * 1024))
			<-release // hold the stream open
		}))
		defer srv.Close()
		defer close(release)

		f := NewFetcher(DefaultConfig(t.TempDir()), testEstimator(t), zap.NewNop())

		st1, err := f.Stream(ctx, "clip-2", srv.URL)
		require.NoError(t, err)
		st2, err := f.Stream(ctx, "clip-2", srv.URL)
		require.NoError(t, err)

		assert.Same(t, st1, st2, "second request must share the open stream")
		assert.Equal(t, int64(1), requests.Load())
		st1.Abort()
	})

	t.Run("fully cached file streams from disk", func(t *testing.T) {
		payload := testPayload(100 * 1024)
		var requests atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			_, _ = w.Write(payload)
		}))
		defer srv.Close()

		cfg := DefaultConfig(t.TempDir())
		cfg.Retention = 10 * time.Millisecond
		f := NewFetcher(cfg, testEstimator(t), zap.NewNop())

		st, err := f.Stream(ctx, "clip-3", srv.URL)
		require.NoError(t, err)
		drain(t, st)
		time.Sleep(50 * time.Millisecond) // let retention expire

		st2, err := f.Stream(ctx, "clip-3", srv.URL)
		require.NoError(t, err)
		got := drain(t, st2)

		assert.True(t, st2.FromDisk())
		assert.Equal(t, payload, got)
		assert.Equal(t, int64(1), requests.Load(), "replay must not touch the network")
	})
}

func TestFetcher_FallbackChain(t *testing.T) {
	ctx := context.Background()

	t.Run("401 walks to the reduced-quality variant", func(t *testing.T) {
		payload := testPayload(32 * 1024)
		var served []string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			served = append(served, r.URL.RawQuery)
			if r.URL.Query().Get("quality") != "720" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write(payload)
		}))
		defer srv.Close()

		f := NewFetcher(DefaultConfig(t.TempDir()), testEstimator(t), zap.NewNop())

		st, err := f.Stream(ctx, "clip-4", srv.URL+"/v.mp4?quality=1080")
		require.NoError(t, err)
		got := drain(t, st)

		assert.Equal(t, payload, got)
		assert.Contains(t, st.URL, "quality=720",
			"the first successful variant becomes the stream URL")
	})

	t.Run("exhausted chain surfaces the error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		f := NewFetcher(DefaultConfig(t.TempDir()), testEstimator(t), zap.NewNop())

		_, err := f.Stream(ctx, "clip-5", srv.URL+"/v.mp4")

		require.Error(t, err)
	})

	t.Run("404 does not trigger the chain", func(t *testing.T) {
		var requests atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			http.NotFound(w, r)
		}))
		defer srv.Close()

		f := NewFetcher(DefaultConfig(t.TempDir()), testEstimator(t), zap.NewNop())

		_, err := f.Stream(ctx, "clip-6", srv.URL+"/gone.mp4")

		require.Error(t, err)
		assert.Equal(t, int64(1), requests.Load(), "only 400/401 degrade the URL")
	})
}

func TestFetcher_Retention(t *testing.T) {
	ctx := context.Background()
	payload := testPayload(16 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	cfg := DefaultConfig(t.TempDir())
	cfg.Retention = 100 * time.Millisecond
	f := NewFetcher(cfg, testEstimator(t), zap.NewNop())

	st, err := f.Stream(ctx, "clip-7", srv.URL)
	require.NoError(t, err)
	drain(t, st)

	assert.Equal(t, 1, f.ActiveStreams(), "bookkeeping survives completion")

	assert.Eventually(t, func() bool { return f.ActiveStreams() == 0 },
		time.Second, 20*time.Millisecond, "retention expiry tears down")
}

func TestFetcher_Readiness(t *testing.T) {
	ctx := context.Background()

	t.Run("signals before any chunk is consumed", func(t *testing.T) {
		// Arrange - payload well past the medium-tier initial buffer,
		// nobody draining chunks yet
		payload := testPayload(2 * 1024 * 1024)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(payload)
		}))
		defer srv.Close()

		f := NewFetcher(DefaultConfig(t.TempDir()), testEstimator(t), zap.NewNop())

		// Act
		st, err := f.Stream(ctx, "clip-8", srv.URL+"/clip-8.mp4")
		require.NoError(t, err)

		// Assert - readiness comes from received bytes; a consumer
		// blocked on Ready() never drains, so emission backpressure
		// must not gate it
		select {
		case <-st.Ready():
		case <-time.After(5 * time.Second):
			t.Fatal("readiness must not wait for chunk consumption")
		}

		got := drain(t, st)
		assert.Equal(t, payload, got, "the full payload still arrives in order")
	})

	t.Run("disk replay is ready immediately", func(t *testing.T) {
		payload := testPayload(2 * 1024 * 1024)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(payload)
		}))
		defer srv.Close()

		cfg := DefaultConfig(t.TempDir())
		cfg.Retention = 10 * time.Millisecond
		f := NewFetcher(cfg, testEstimator(t), zap.NewNop())

		st, err := f.Stream(ctx, "clip-9", srv.URL)
		require.NoError(t, err)
		drain(t, st)
		time.Sleep(50 * time.Millisecond)

		st2, err := f.Stream(ctx, "clip-9", srv.URL)
		require.NoError(t, err)
		require.True(t, st2.FromDisk())

		select {
		case <-st2.Ready():
		case <-time.After(time.Second):
			t.Fatal("a complete local copy needs no buffering")
		}
		drain(t, st2)
	})
}

func TestFetcher_StreamOutlivesCallerContext(t *testing.T) {
	// The context passed to Stream bounds only the open; cancelling it
	// once the stream exists must not abort the body read.
	payload := testPayload(512 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = w.Write(payload[:128*1024])
		flusher.Flush()
		time.Sleep(200 * time.Millisecond) // keep the body open past the cancel
		_, _ = w.Write(payload[128*1024:])
	}))
	defer srv.Close()

	f := NewFetcher(DefaultConfig(t.TempDir()), testEstimator(t), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	st, err := f.Stream(ctx, "clip-10", srv.URL+"/clip-10.mp4")
	require.NoError(t, err)
	cancel() // the acquire that opened the stream has moved on

	got := drain(t, st)

	assert.Equal(t, payload, got, "the transfer must finish after the opener's context is gone")
	assert.True(t, f.CachedLocally("clip-10"))
}

func TestFetcher_LogsCarryStreamID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	payload := testPayload(32 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := NewFetcher(DefaultConfig(t.TempDir()), testEstimator(t), zap.New(core))

	st, err := f.Stream(context.Background(), "clip-11", srv.URL)
	require.NoError(t, err)
	drain(t, st)

	require.NotEmpty(t, st.ID)
	matched := logs.FilterField(zap.String("stream_id", st.ID))
	assert.Positive(t, matched.Len(), "fetcher logs must be attributable to the stream")
}
