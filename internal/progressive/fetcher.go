package progressive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FeedForge/reelcore/internal/mediaurl"
	"github.com/FeedForge/reelcore/internal/metrics"
	"github.com/FeedForge/reelcore/internal/netquality"
)

// NetworkError reports a fetch that failed at the HTTP layer.
type NetworkError struct {
	URL    string
	Status int
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("network error: %s returned %d", e.URL, e.Status)
	}
	return fmt.Sprintf("network error: %s unreachable", e.URL)
}

// Config tunes the fetcher.
type Config struct {
	// Dir is the on-disk cache directory for accumulated media bytes.
	Dir string
	// Retention is how long bookkeeping survives stream completion so
	// an immediate re-request reuses the warm state.
	Retention time.Duration
	// MaxDiskBytes bounds the on-disk cache; oldest files go first.
	MaxDiskBytes int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:          dir,
		Retention:    3 * time.Second,
		MaxDiskBytes: 512 * 1024 * 1024,
	}
}

// Fetcher performs adaptive chunked reads of remote media, persisting
// bytes locally as they arrive. One active stream per media id;
// concurrent requests for the same id share it.
type Fetcher struct {
	cfg    Config
	est    *netquality.Estimator
	client *http.Client
	logger *zap.Logger

	mu        sync.Mutex
	active    map[string]*Stream
	retention map[string]*time.Timer
}

// NewFetcher creates a fetcher writing into cfg.Dir.
func NewFetcher(cfg Config, est *netquality.Estimator, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 3 * time.Second
	}
	return &Fetcher{
		cfg:       cfg,
		est:       est,
		client:    &http.Client{Timeout: 0}, // long-lived media reads
		logger:    logger,
		active:    make(map[string]*Stream),
		retention: make(map[string]*time.Timer),
	}
}

// cachePath returns the cache file for a media id; the .done marker
// alongside it records a complete download.
func (f *Fetcher) cachePath(mediaID string) string {
	sum := sha256.Sum256([]byte(mediaID))
	return filepath.Join(f.cfg.Dir, hex.EncodeToString(sum[:12])+".bin")
}

// Stream returns the lazy chunk sequence for url. An open stream for
// the same media id is reused; a fully cached file is replayed from
// disk, still chunked at the current tier size.
func (f *Fetcher) Stream(ctx context.Context, mediaID, url string) (*Stream, error) {
	f.mu.Lock()
	if st, ok := f.active[mediaID]; ok {
		select {
		case <-st.done:
			// Finished stream: fall through to a fresh replay. The
			// retained bookkeeping still counts as a warm reuse.
		default:
			// Warm reuse of the open stream: cancel any pending teardown.
			if timer, ok := f.retention[mediaID]; ok {
				timer.Stop()
				delete(f.retention, mediaID)
			}
			f.mu.Unlock()
			return st, nil
		}
	}
	f.mu.Unlock()

	path := f.cachePath(mediaID)
	if _, err := os.Stat(path + ".done"); err == nil {
		st := newStream(mediaID, url, true)
		f.register(mediaID, st)
		f.logger.Debug("replaying cached media",
			zap.String("media_id", mediaID),
			zap.String("stream_id", st.ID))
		go f.pumpDisk(st, path)
		return st, nil
	}

	// The caller's context bounds only the open phase. The body read
	// belongs to the stream: an acquire that merely waited for
	// readiness must not tear down the transfer it started.
	reqCtx, reqCancel := context.WithCancel(context.WithoutCancel(ctx))
	detach := context.AfterFunc(ctx, reqCancel)
	resp, finalURL, err := f.open(reqCtx, url)
	detach()
	if err != nil {
		reqCancel()
		return nil, err
	}

	st := newStream(mediaID, finalURL, false)
	st.onAbort = reqCancel // an abort must also unblock the body read
	f.register(mediaID, st)
	f.logger.Debug("stream opened",
		zap.String("media_id", mediaID),
		zap.String("stream_id", st.ID),
		zap.String("url", finalURL))
	go f.pumpNetwork(st, resp, path, reqCancel)
	return st, nil
}

// open issues the ranged read, walking the URL fallback chain on
// authorization or bad-request responses.
func (f *Fetcher) open(ctx context.Context, url string) (*http.Response, string, error) {
	resp, err := f.get(ctx, url)
	if err == nil && resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
			return resp, url, nil
		}
		status := resp.StatusCode
		_ = resp.Body.Close()
		return nil, "", &NetworkError{URL: url, Status: status}
	}
	if err == nil {
		_ = resp.Body.Close()
	}

	var lastErr error = err
	for _, variant := range mediaurl.FallbackChain(url) {
		metrics.FallbackAttempts.Inc()
		f.logger.Info("trying fallback variant", zap.String("url", variant))
		resp, err := f.get(ctx, variant)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
			return resp, variant, nil
		}
		lastErr = &NetworkError{URL: variant, Status: resp.StatusCode}
		_ = resp.Body.Close()
	}
	if lastErr == nil {
		lastErr = &NetworkError{URL: url}
	}
	return nil, "", fmt.Errorf("all fallback variants failed: %w", lastErr)
}

func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes=0-")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url}
	}
	return resp, nil
}

func (f *Fetcher) register(mediaID string, st *Stream) {
	f.mu.Lock()
	// A pending teardown for a prior stream must not reap this one.
	if timer, ok := f.retention[mediaID]; ok {
		timer.Stop()
		delete(f.retention, mediaID)
	}
	f.active[mediaID] = st
	f.mu.Unlock()
}

// unregister removes the stream immediately (error paths) or after the
// retention window (clean completion).
func (f *Fetcher) unregister(st *Stream, retain bool) {
	mediaID := st.MediaID
	f.mu.Lock()
	defer f.mu.Unlock()
	if !retain {
		if f.active[mediaID] == st {
			delete(f.active, mediaID)
		}
		return
	}
	if _, ok := f.retention[mediaID]; ok {
		return
	}
	f.retention[mediaID] = time.AfterFunc(f.cfg.Retention, func() {
		f.mu.Lock()
		if f.active[mediaID] == st {
			delete(f.active, mediaID)
		}
		delete(f.retention, mediaID)
		f.mu.Unlock()
	})
}

// pumpNetwork accumulates response fragments, emitting a chunk each
// time the buffer reaches the current tier chunk size. The tier is
// re-read on every check so sizing adapts mid-stream. Fragments are
// written to the cache file as they arrive, not as they are emitted.
func (f *Fetcher) pumpNetwork(st *Stream, resp *http.Response, path string, cancel context.CancelFunc) {
	defer cancel()
	defer func() { _ = resp.Body.Close() }()

	if err := os.MkdirAll(f.cfg.Dir, 0750); err != nil {
		st.finish(fmt.Errorf("create cache dir: %w", err))
		f.unregister(st, false)
		return
	}
	file, err := os.Create(path)
	if err != nil {
		st.finish(fmt.Errorf("create cache file: %w", err))
		f.unregister(st, false)
		return
	}
	defer func() { _ = file.Close() }()

	buf := make([]byte, 0, netquality.ChunkSize(netquality.TierHigh))
	frag := make([]byte, 16*1024)

	for {
		select {
		case <-st.cancel:
			st.finish(nil)
			f.unregister(st, false)
			_ = os.Remove(path)
			return
		default:
		}

		n, readErr := resp.Body.Read(frag)
		if n > 0 {
			if _, err := file.Write(frag[:n]); err != nil {
				f.logger.Warn("cache file write failed",
					zap.String("media_id", st.MediaID),
					zap.String("stream_id", st.ID),
					zap.Error(err))
			}
			buf = append(buf, frag[:n]...)
			st.addReceived(int64(n))
			metrics.BytesFetched.Add(float64(n))

			// Readiness comes from bytes received, never from
			// emission: a consumer waiting on Ready() is not
			// draining chunks yet.
			if st.Received() >= int64(netquality.InitialBuffer(f.est.Current())) {
				st.signalReady()
			}

			chunkSize := netquality.ChunkSize(f.est.Current())
			for len(buf) >= chunkSize {
				sent, alive := f.emit(st, buf[:chunkSize])
				if !alive {
					_ = os.Remove(path)
					return
				}
				if !sent {
					break
				}
				buf = buf[chunkSize:]
				chunkSize = netquality.ChunkSize(f.est.Current())
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				st.signalReady() // short files end before the threshold
				if !f.drain(st, buf) {
					_ = os.Remove(path)
					return
				}
				f.complete(st, path)
				return
			}
			select {
			case <-st.cancel:
				// Abort interrupted the read; not a network failure.
				st.finish(nil)
				f.unregister(st, false)
				_ = os.Remove(path)
				return
			default:
			}
			f.logger.Warn("stream read failed",
				zap.String("media_id", st.MediaID),
				zap.String("stream_id", st.ID),
				zap.Error(readErr))
			st.finish(&NetworkError{URL: st.URL})
			f.unregister(st, false)
			_ = os.Remove(path)
			return
		}
	}
}

// emit sends one chunk to the consumer. Until readiness is signaled
// the send must not block, because the reads behind it are what grow
// the readiness threshold; after readiness a full channel is the
// consumer's backpressure. sent is false when the chunk must stay
// buffered, alive is false when the stream was cancelled.
func (f *Fetcher) emit(st *Stream, chunk []byte) (sent, alive bool) {
	out := make([]byte, len(chunk))
	copy(out, chunk)
	select {
	case <-st.ready:
		select {
		case st.chunks <- out:
			metrics.ChunksEmitted.Inc()
			return true, true
		case <-st.cancel:
			st.finish(nil)
			f.unregister(st, false)
			return false, false
		}
	default:
		select {
		case st.chunks <- out:
			metrics.ChunksEmitted.Inc()
			return true, true
		case <-st.cancel:
			st.finish(nil)
			f.unregister(st, false)
			return false, false
		default:
			return false, true
		}
	}
}

// drain flushes the remaining buffer in tier-size chunks. Only called
// after readiness, so a full channel blocks instead of skipping.
func (f *Fetcher) drain(st *Stream, buf []byte) bool {
	for len(buf) > 0 {
		n := netquality.ChunkSize(f.est.Current())
		if n > len(buf) {
			n = len(buf)
		}
		sent, alive := f.emit(st, buf[:n])
		if !alive || !sent {
			return false
		}
		buf = buf[n:]
	}
	return true
}

// complete marks a clean end of stream: flush done, write the marker,
// keep bookkeeping warm for the retention window.
func (f *Fetcher) complete(st *Stream, path string) {
	st.signalReady() // short files may end before the threshold
	if err := os.WriteFile(path+".done", nil, 0600); err != nil {
		f.logger.Warn("write done marker",
			zap.String("stream_id", st.ID), zap.Error(err))
	}
	f.logger.Debug("stream complete",
		zap.String("media_id", st.MediaID),
		zap.String("stream_id", st.ID),
		zap.Int64("bytes", st.Received()))
	st.finish(nil)
	f.unregister(st, true)
	f.sweepDisk()
}

// pumpDisk replays a fully cached file, chunked at the current tier
// size so disk playback still respects memory pressure.
func (f *Fetcher) pumpDisk(st *Stream, path string) {
	file, err := os.Open(path)
	if err != nil {
		st.finish(fmt.Errorf("open cached media: %w", err))
		f.unregister(st, false)
		return
	}
	defer func() { _ = file.Close() }()

	// A complete local copy needs no buffering; it is ready as soon
	// as the replay starts.
	st.signalReady()

	for {
		chunk := make([]byte, netquality.ChunkSize(f.est.Current()))
		n, readErr := io.ReadFull(file, chunk)
		if n > 0 {
			st.addReceived(int64(n))
			select {
			case st.chunks <- chunk[:n]:
				metrics.ChunksEmitted.Inc()
			case <-st.cancel:
				st.finish(nil)
				f.unregister(st, false)
				return
			}
			if st.Received() >= int64(netquality.InitialBuffer(f.est.Current())) {
				st.signalReady()
			}
		}
		if readErr != nil {
			st.signalReady()
			st.finish(nil)
			f.unregister(st, true)
			return
		}
	}
}

// CachedLocally reports whether a complete local copy exists.
func (f *Fetcher) CachedLocally(mediaID string) bool {
	_, err := os.Stat(f.cachePath(mediaID) + ".done")
	return err == nil
}

// ActiveStreams returns the number of open or retained streams.
func (f *Fetcher) ActiveStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

// sweepDisk removes the oldest cache files once the directory exceeds
// its byte budget.
func (f *Fetcher) sweepDisk() {
	if f.cfg.MaxDiskBytes <= 0 {
		return
	}
	entries, err := os.ReadDir(f.cfg.Dir)
	if err != nil {
		return
	}

	type cached struct {
		path string
		size int64
		mod  time.Time
	}
	var files []cached
	var total int64
	for _, ent := range entries {
		if filepath.Ext(ent.Name()) != ".bin" {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		files = append(files, cached{
			path: filepath.Join(f.cfg.Dir, ent.Name()),
			size: info.Size(),
			mod:  info.ModTime(),
		})
		total += info.Size()
	}
	if total <= f.cfg.MaxDiskBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, c := range files {
		if total <= f.cfg.MaxDiskBytes {
			break
		}
		_ = os.Remove(c.path)
		_ = os.Remove(c.path + ".done")
		total -= c.size
		f.logger.Info("evicted cached media file", zap.String("path", c.path))
	}
}
