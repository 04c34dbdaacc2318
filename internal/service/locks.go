package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"payment-reconciler/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Locker serializes work on one key, typically an order id
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed once no goroutine holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an in-process locker
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free or ctx is done
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, fmt.Errorf("failed to lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of keys currently held or awaited
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// DistributedLock is a lease shared between instances
type DistributedLock interface {
	AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) (bool, error)
}

// DistributedLocker takes the in-process lock first, then a lease in the shared
// store, so goroutines of one instance do not compete for the lease.
type DistributedLocker struct {
	local  *KeyedMutex
	remote DistributedLock
	ttl    time.Duration
	retry  time.Duration
	logger *zap.Logger
}

// NewDistributedLocker creates a locker backed by remote. The lease expires after
// ttl even if the holder dies.
func NewDistributedLocker(remote DistributedLock, ttl, retry time.Duration) *DistributedLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &DistributedLocker{
		local:  NewKeyedMutex(),
		remote: remote,
		ttl:    ttl,
		retry:  retry,
		logger: util.GetLogger(),
	}
}

// Lock implements Locker
func (d *DistributedLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := d.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	token := uuid.New().String()
	for {
		ok, err := d.remote.AcquireLock(ctx, key, token, d.ttl)
		if err != nil {
			unlockLocal()
			return nil, err
		}
		if ok {
			break
		}

		t := time.NewTimer(d.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			unlockLocal()
			return nil, fmt.Errorf("failed to lock %s: %w", key, ctx.Err())
		case <-t.C:
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := d.remote.ReleaseLock(releaseCtx, key, token); err != nil {
			d.logger.Warn("Failed to release distributed lock", zap.String("key", key), zap.Error(err))
		}
		unlockLocal()
	}, nil
}
