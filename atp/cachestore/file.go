package cachestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atp-proto/atp-server/atp/telemetry"
)

// File is a file-backed Store with a periodic sweep removing expired
// entries from disk. It suits single-instance deployments that want
// persistence across restarts without standing up Redis. The sweep
// scheduler is github.com/robfig/cron/v3 — the same scheduling library the
// rest of the pack pulls in for periodic jobs, reused here instead of a
// hand-rolled ticker loop.
type File struct {
	mu  sync.Mutex
	dir string

	cron   *cron.Cron
	logger telemetry.Logger
}

type fileRecord struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// NewFile creates a File store rooted at dir (created if missing) and
// starts a background sweep running on sweepSpec (a standard 5-field cron
// expression, e.g. "*/1 * * * *" for every minute).
func NewFile(dir, sweepSpec string, logger telemetry.Logger) (*File, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f := &File{dir: dir, logger: logger}
	f.cron = cron.New()
	if sweepSpec == "" {
		sweepSpec = "*/1 * * * *"
	}
	if _, err := f.cron.AddFunc(sweepSpec, f.sweep); err != nil {
		return nil, err
	}
	f.cron.Start()
	return f, nil
}

// Stop halts the sweep scheduler. Safe to call more than once.
func (f *File) Stop() { f.cron.Stop() }

func (f *File) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+".json")
}

func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok, err := f.readLocked(key)
	if err != nil || !ok {
		return nil, nil
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		_ = os.Remove(f.pathFor(key))
		return nil, nil
	}
	return rec.Value, nil
}

func (f *File) readLocked(key string) (fileRecord, bool, error) {
	data, err := os.ReadFile(f.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileRecord{}, false, nil
		}
		return fileRecord{}, false, err
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fileRecord{}, false, err
	}
	return rec, true, nil
}

func (f *File) Set(_ context.Context, key string, value []byte, ttlSeconds int) error {
	var expiresAt time.Time
	if ttlSeconds > 0 {
		expiresAt = time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	}
	rec := fileRecord{Value: value, ExpiresAt: expiresAt}
	data, err := json.Marshal(rec)
	if err != nil {
		f.logger.Warn(context.Background(), "cachestore: file encode failed", "error", err.Error())
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.WriteFile(f.pathFor(key), data, 0o644); err != nil {
		f.logger.Warn(context.Background(), "cachestore: file write failed", "error", err.Error())
	}
	return nil
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = os.Remove(f.pathFor(key))
	return nil
}

func (f *File) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, _ := f.Get(ctx, k)
		out[i] = v
	}
	return out, nil
}

func (f *File) MSet(ctx context.Context, entries map[string][]byte, ttlSeconds int) error {
	for k, v := range entries {
		_ = f.Set(ctx, k, v, ttlSeconds)
	}
	return nil
}

// Clear deletes nothing on the file backend and always returns nil: records
// are stored under a hash of their key, so no key can be matched against
// prefixGlob. Expired records are removed only by the TTL sweep.
func (f *File) Clear(context.Context, string) error { return nil }

// sweep removes every on-disk record whose TTL has elapsed.
func (f *File) sweep() {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return
	}
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(f.dir, e.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
			_ = os.Remove(p)
		}
	}
}
