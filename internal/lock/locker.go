package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned by TryAcquire when another holder owns the key.
var ErrNotAcquired = errors.New("lock not acquired")

// Release gives a lease back. It is safe to call more than once.
type Release func()

// Locker grants exclusive, non-blocking leases per key.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (Release, error)
}

// LocalLocker is a single-flight set guarding keys inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// TryAcquire takes key or returns ErrNotAcquired.
func (l *LocalLocker) TryAcquire(_ context.Context, key string) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrNotAcquired
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently held.
func (l *LocalLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// chain acquires every locker in order and releases in reverse.
type chain []Locker

// Chain combines lockers; a key is held only when all of them granted it.
func Chain(lockers ...Locker) Locker {
	return chain(lockers)
}

func (c chain) TryAcquire(ctx context.Context, key string) (Release, error) {
	releases := make([]Release, 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		rel, err := l.TryAcquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, rel)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}
