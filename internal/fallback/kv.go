// Package fallback keeps the most recent error records in a small local
// store so they survive a collector outage.
package fallback

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// KV is a string-keyed byte store. Get reports false for a missing key.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// MemoryKV is an in-process KV.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// FileKV stores every key in one JSON file; values must be valid JSON.
// Access is serialized across processes with an flock on "<path>.lock"; a
// held lock is retried with exponential backoff until LockTimeout.
type FileKV struct {
	// mu serializes goroutines; the flock only excludes other processes.
	mu          sync.Mutex
	path        string
	lock        *flock.Flock
	LockTimeout time.Duration
}

// NewFileKV creates a FileKV at path, creating parent directories.
func NewFileKV(path string) (*FileKV, error) {
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating directory for %s", cleanPath)
	}
	return &FileKV{
		path:        cleanPath,
		lock:        flock.New(cleanPath + ".lock"),
		LockTimeout: 2 * time.Second,
	}, nil
}

// Path returns the data file path.
func (f *FileKV) Path() string { return f.path }

func (f *FileKV) Get(key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := f.withLock(func() error {
		data, err := f.read()
		if err != nil {
			return err
		}
		raw, ok := data[key]
		value, found = []byte(raw), ok
		return nil
	})
	return value, found, err
}

func (f *FileKV) Set(key string, value []byte) error {
	return f.withLock(func() error {
		data, err := f.read()
		if err != nil {
			return err
		}
		data[key] = json.RawMessage(value)
		return f.write(data)
	})
}

func (f *FileKV) Delete(key string) error {
	return f.withLock(func() error {
		data, err := f.read()
		if err != nil {
			return err
		}
		delete(data, key)
		return f.write(data)
	})
}

func (f *FileKV) withLock(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := backoff.Retry(context.Background(), func() (bool, error) {
		locked, err := f.lock.TryLock()
		if err != nil {
			return false, backoff.Permanent(errors.Wrapf(err, "locking %s", f.lock.Path()))
		}
		if !locked {
			return false, ErrLocked
		}
		return true, nil
	},
		backoff.WithBackOff(newLockBackOff()),
		backoff.WithMaxElapsedTime(f.LockTimeout),
	)
	if err != nil {
		return err
	}
	defer f.lock.Unlock()

	return fn()
}

func newLockBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	return b
}

// read returns the stored map. A missing, empty or corrupt file reads as
// an empty store.
func (f *FileKV) read() (map[string]json.RawMessage, error) {
	data := make(map[string]json.RawMessage)
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", f.path)
	}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return make(map[string]json.RawMessage), nil
	}
	return data, nil
}

func (f *FileKV) write(data map[string]json.RawMessage) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encoding fallback store")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, f.path), "replacing %s", f.path)
}
