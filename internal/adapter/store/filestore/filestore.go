// Package filestore persists state namespaces as JSON files in one directory.
// The directory is guarded by a cross-process lock so two orchestrators never
// share it, and every write replaces its file atomically.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

const lockName = "state.lock"

var validKey = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// Options tune lock acquisition.
type Options struct {
	LockTimeout time.Duration
	LockRetry   time.Duration
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{LockTimeout: 10 * time.Second, LockRetry: 200 * time.Millisecond}
}

// Store is a directory of namespace files.
type Store struct {
	dir string

	mu         sync.Mutex
	lock       *flock.Flock
	acquiredAt time.Time
}

// Open creates dir if needed and takes its lock.
func Open(ctx context.Context, dir string, opts Options) (*Store, error) {
	d := DefaultOptions()
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = d.LockTimeout
	}
	if opts.LockRetry <= 0 {
		opts.LockRetry = d.LockRetry
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=filestore.Open dir=%s: %w", dir, err)
	}

	lockPath := filepath.Join(dir, lockName)
	fl := flock.New(lockPath)
	lctx, cancel := context.WithTimeout(ctx, opts.LockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(lctx, opts.LockRetry)
	if err != nil {
		return nil, fmt.Errorf("op=filestore.Open dir=%s: state directory is locked by another instance: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("op=filestore.Open dir=%s: lock not acquired", dir)
	}

	s := &Store{dir: dir, lock: fl, acquiredAt: time.Now()}
	slog.Info("state directory locked", slog.String("path", lockPath))
	return s, nil
}

func (s *Store) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("op=filestore key=%q: %w", key, domain.ErrInvalidArgument)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

// Load reads the namespace file of key.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("op=filestore.Load key=%s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=filestore.Load key=%s: %w", key, err)
	}
	return data, nil
}

// Save atomically replaces the namespace file of key.
func (s *Store) Save(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(p, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("op=filestore.Save key=%s: %w", key, err)
	}
	return nil
}

// Ping reports whether the directory is still usable.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	held := s.lock != nil
	s.mu.Unlock()
	if !held {
		return fmt.Errorf("op=filestore.Ping dir=%s: store closed", s.dir)
	}
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("op=filestore.Ping dir=%s: %w", s.dir, err)
	}
	return nil
}

// Close releases the directory lock. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	err := s.lock.Unlock()
	slog.Info("state directory unlocked",
		slog.String("dir", s.dir),
		slog.Duration("held", time.Since(s.acquiredAt)))
	s.lock = nil
	return err
}
