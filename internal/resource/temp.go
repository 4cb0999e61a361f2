package resource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/internal/protocol"
)

const (
	DefaultTempTTL           = 6 * time.Hour
	DefaultTempMaxTotalBytes = 256 << 20
	DefaultTempMaxFiles      = 5000
	DefaultTempProtectRecent = 30 * time.Second
)

type TempOptions struct {
	TTL           time.Duration
	MaxTotalBytes int64
	MaxFiles      int
	// ProtectRecent keeps files younger than this out of admission eviction.
	// Zero takes the default, a negative value disables the window.
	ProtectRecent time.Duration
}

// TempStore materialises inbound inline media as files the host can open. It
// follows the same admission, eviction and TTL rules as Store.
type TempStore struct {
	dir    string
	opts   TempOptions
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	files map[string]*entities.TempFile
}

// NewTempStore prepares dir and removes whatever a previous process left in it.
func NewTempStore(dir string, opts TempOptions, logger *zap.Logger) (*TempStore, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTempTTL
	}
	if opts.MaxTotalBytes <= 0 {
		opts.MaxTotalBytes = DefaultTempMaxTotalBytes
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultTempMaxFiles
	}
	if opts.ProtectRecent == 0 {
		opts.ProtectRecent = DefaultTempProtectRecent
	} else if opts.ProtectRecent < 0 {
		opts.ProtectRecent = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve temp dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read temp dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(abs, e.Name())); err != nil {
			logger.Warn("Failed to purge temp entry", zap.String("name", e.Name()), zap.Error(err))
		}
	}
	return &TempStore{
		dir:    abs,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		files:  make(map[string]*entities.TempFile),
	}, nil
}

func (t *TempStore) Name() string { return "temp" }

func (t *TempStore) Dir() string { return t.dir }

// Write stores data under a fresh name built from prefix and ext.
func (t *TempStore) Write(prefix, ext string, data []byte) (*entities.TempFile, error) {
	size := int64(len(data))
	if size > t.opts.MaxTotalBytes {
		return nil, fail(protocol.CodeUploadFailed, ErrTooLarge, "content of %d bytes exceeds the temp quota", size)
	}

	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	name := fmt.Sprintf("live2d_%s_%s.%s", prefix, strings.ReplaceAll(uuid.NewString(), "-", "")[:12], ext)
	now := t.now()
	file := &entities.TempFile{Path: filepath.Join(t.dir, name), Size: size, CreatedAt: now}

	t.mu.Lock()
	entries := make([]quotaEntry, 0, len(t.files))
	for path, f := range t.files {
		entries = append(entries, quotaEntry{
			key:       path,
			size:      f.Size,
			createdAt: f.CreatedAt,
			evictable: now.Sub(f.CreatedAt) >= t.opts.ProtectRecent,
		})
	}
	limits := Limits{MaxBytes: t.opts.MaxTotalBytes, MaxFiles: t.opts.MaxFiles}
	victims, ok := limits.plan(entries, size, 1)
	if !ok {
		t.mu.Unlock()
		return nil, fail(protocol.CodeUploadFailed, ErrQuota, "no room for %d bytes in the temp store", size)
	}
	for _, path := range victims {
		delete(t.files, path)
	}
	t.files[file.Path] = file
	t.mu.Unlock()

	t.removeFiles(victims)

	tmp := file.Path + ".part"
	err := os.WriteFile(tmp, data, 0o644)
	if err == nil {
		err = os.Rename(tmp, file.Path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		t.mu.Lock()
		delete(t.files, file.Path)
		t.mu.Unlock()
		return nil, fail(protocol.CodeResourceIO, ErrIO, "write temp file: %v", err)
	}

	snapshot := *file
	return &snapshot, nil
}

func (t *TempStore) removeFiles(paths []string) error {
	var errs []error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sweep drops files older than the TTL and then the oldest files while the
// namespace is over its caps.
func (t *TempStore) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{Target: t.Name()}

	t.mu.Lock()
	now := t.now()
	var removed []string
	for path, f := range t.files {
		if now.Sub(f.CreatedAt) > t.opts.TTL {
			removed = append(removed, path)
			report.FreedBytes += f.Size
			delete(t.files, path)
		}
	}
	report.Expired = len(removed)

	entries := make([]quotaEntry, 0, len(t.files))
	for path, f := range t.files {
		entries = append(entries, quotaEntry{key: path, size: f.Size, createdAt: f.CreatedAt, evictable: true})
	}
	limits := Limits{MaxBytes: t.opts.MaxTotalBytes, MaxFiles: t.opts.MaxFiles}
	victims, _ := limits.plan(entries, 0, 0)
	for _, path := range victims {
		report.FreedBytes += t.files[path].Size
		delete(t.files, path)
	}
	report.Evicted = len(victims)
	removed = append(removed, victims...)

	for _, f := range t.files {
		report.Remaining++
		report.RemainingBytes += f.Size
	}
	t.mu.Unlock()

	err := t.removeFiles(removed)
	if len(removed) > 0 {
		t.logger.Info("Temp sweep completed",
			zap.Int("expired", report.Expired),
			zap.Int("evicted", report.Evicted),
			zap.Int64("freedBytes", report.FreedBytes))
	}
	return report, err
}

func (t *TempStore) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Stats{MaxBytes: t.opts.MaxTotalBytes, MaxFiles: t.opts.MaxFiles}
	for _, f := range t.files {
		st.Files++
		st.Bytes += f.Size
	}
	return st
}
