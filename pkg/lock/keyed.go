package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// KeyedLocker serialises critical sections per key, both between goroutines
// of this process and between processes sharing dir.
type KeyedLocker struct {
	dir string

	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

// NewKeyedLocker returns a locker whose lock files live in dir.
func NewKeyedLocker(dir string) *KeyedLocker {
	return &KeyedLocker{dir: dir, mutexes: make(map[string]*sync.Mutex)}
}

func (k *KeyedLocker) mutex(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if mu, ok := k.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	k.mutexes[key] = mu
	return mu
}

// Lock blocks until key is held or ctx is done. The returned func releases it.
func (k *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	mu := k.mutex(key)
	acquired := make(chan struct{})
	go func() {
		mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-ctx.Done():
		// Hand the mutex back once the goroutine gets it.
		go func() {
			<-acquired
			mu.Unlock()
		}()
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}

	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(filepath.Join(k.dir, lockFileName(key)))
	ok, err := fl.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil || !ok {
		mu.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return func() {
		_ = fl.Unlock()
		mu.Unlock()
	}, nil
}

// With runs f while holding key.
func (k *KeyedLocker) With(ctx context.Context, key string, f func() error) error {
	unlock, err := k.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return f()
}

func lockFileName(key string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return r.Replace(key) + ".lock"
}
