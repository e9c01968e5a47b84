package swrcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"
)

// diskRecord is the serialized form of an Entry. Payload is kept as
// raw JSON and decoded lazily on first typed access.
type diskRecord struct {
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	MaxAge       time.Duration   `json:"max_age"`
	AccessCount  int64           `json:"access_count"`
	LastAccessed time.Time       `json:"last_accessed"`
}

// diskStore persists cache entries one snappy-compressed record per
// key, laid out as <dir>/<category>/<hash>.sz.
type diskStore struct {
	dir    string
	logger *zap.Logger
}

// diskMaxPerCategory bounds record files per category directory.
const diskMaxPerCategory = 200

func newDiskStore(dir string, logger *zap.Logger) *diskStore {
	return &diskStore{dir: dir, logger: logger}
}

func (d *diskStore) path(key Key) string {
	sum := sha256.Sum256([]byte(key.ID))
	name := hex.EncodeToString(sum[:8]) + ".sz"
	return filepath.Join(d.dir, key.Category.String(), name)
}

// save writes the entry for key, then sweeps the category directory.
func (d *diskStore) save(key Key, e *Entry) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		d.logger.Warn("durable cache: marshal payload",
			zap.String("key", key.String()), zap.Error(err))
		return
	}
	rec := diskRecord{
		Payload:      payload,
		CreatedAt:    e.CreatedAt,
		MaxAge:       e.MaxAge,
		AccessCount:  e.AccessCount,
		LastAccessed: e.LastAccessed,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		d.logger.Warn("durable cache: marshal record",
			zap.String("key", key.String()), zap.Error(err))
		return
	}

	path := d.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		d.logger.Warn("durable cache: mkdir", zap.Error(err))
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, snappy.Encode(nil, raw), 0600); err != nil {
		d.logger.Warn("durable cache: write", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		d.logger.Warn("durable cache: rename", zap.Error(err))
		_ = os.Remove(tmp)
		return
	}

	d.sweep(key.Category)
}

// load reads the record for key, if present and decodable.
func (d *diskStore) load(key Key) (diskRecord, bool) {
	var rec diskRecord
	compressed, err := os.ReadFile(d.path(key))
	if err != nil {
		return rec, false
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		d.logger.Warn("durable cache: corrupt record, removing",
			zap.String("key", key.String()), zap.Error(err))
		_ = os.Remove(d.path(key))
		return rec, false
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		_ = os.Remove(d.path(key))
		return rec, false
	}
	return rec, true
}

func (d *diskStore) remove(key Key) {
	_ = os.Remove(d.path(key))
}

func (d *diskStore) removeCategory(cat Category) {
	_ = os.RemoveAll(filepath.Join(d.dir, cat.String()))
}

// sweep removes the oldest record files beyond the per-category bound.
func (d *diskStore) sweep(cat Category) {
	dir := filepath.Join(d.dir, cat.String())
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) <= diskMaxPerCategory {
		return
	}

	type aged struct {
		name string
		mod  time.Time
	}
	files := make([]aged, 0, len(entries))
	for _, ent := range entries {
		info, err := ent.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{name: ent.Name(), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	for _, f := range files[:len(files)-diskMaxPerCategory] {
		_ = os.Remove(filepath.Join(dir, f.name))
	}
}
