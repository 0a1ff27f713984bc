package lock

import (
	"context"
	"fmt"
	"sync"

	"transaction-service/pkg/logging"

	"github.com/redis/rueidis"
	"github.com/redis/rueidis/rueidislock"
	"go.uber.org/zap"
)

type acquireFunc func(ctx context.Context, key string) (context.Context, context.CancelFunc, error)

// RedisLocker is a Locker shared by every instance connected to the same
// Redis deployment.
type RedisLocker struct {
	locker  rueidislock.Locker
	acquire acquireFunc
	onLost  func(key string, cause error)
	logger  *logging.Logger
}

// NewRedisLocker connects a rueidislock locker. Keys are namespaced by prefix.
func NewRedisLocker(clientOption rueidis.ClientOption, prefix string) (*RedisLocker, error) {
	locker, err := rueidislock.NewLocker(rueidislock.LockerOption{
		ClientOption:   clientOption,
		KeyPrefix:      prefix,
		KeyMajority:    1,
		NoLoopTracking: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create redis locker: %w", err)
	}

	r := &RedisLocker{
		locker:  locker,
		acquire: locker.WithContext,
		logger:  logging.L().Named("lock"),
	}
	r.onLost = r.logLost
	return r, nil
}

type held struct {
	lockCtx context.Context
	release context.CancelFunc
	err     error
}

// Lock waits for key until ctx is done. Once acquired, the lock no longer
// depends on ctx: it is held until unlock is called, so a caller going away
// mid-section cannot release it under work that is still running. Losing the
// lock early (Redis unreachable, key expired) is reported as an error log.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	result := make(chan held, 1)
	go func() {
		lockCtx, release, err := r.acquire(context.WithoutCancel(ctx), key)
		result <- held{lockCtx: lockCtx, release: release, err: err}
	}()

	var h held
	select {
	case h = <-result:
	case <-ctx.Done():
		// give the lock back as soon as the pending acquisition completes
		go func() {
			if h := <-result; h.err == nil {
				h.release()
			}
		}()
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}

	if h.err != nil {
		r.logger.Warn("lock acquisition failed", zap.String("key", key), zap.Error(h.err))
		return nil, fmt.Errorf("lock %s: %w", key, h.err)
	}
	return r.watch(key, h.lockCtx, h.release), nil
}

// watch reports lockCtx ending before the returned unlock runs.
func (r *RedisLocker) watch(key string, lockCtx context.Context, release context.CancelFunc) func() {
	released := make(chan struct{})
	go func() {
		select {
		case <-released:
		case <-lockCtx.Done():
			select {
			case <-released:
			default:
				r.onLost(key, context.Cause(lockCtx))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(released)
			release()
		})
	}
}

func (r *RedisLocker) logLost(key string, cause error) {
	r.logger.Error("lock lost while held", zap.String("key", key), zap.Error(cause))
}

// Close releases the locker's client.
func (r *RedisLocker) Close() {
	r.locker.Close()
}
