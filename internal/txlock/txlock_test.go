package txlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	mutex   sync.Mutex
	values  map[string]interface{}
	ttls    map[string]time.Duration
	failSet error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]interface{}{}, ttls: map[string]time.Duration{}}
}

func (fake *fakeRedis) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if fake.failSet != nil {
		return redis.NewBoolResult(false, fake.failSet)
	}
	if _, exists := fake.values[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	fake.values[key] = value
	fake.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (fake *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if current, exists := fake.values[keys[0]]; exists && current == args[0] {
		delete(fake.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisLockExcludesSecondHolder(test *testing.T) {
	test.Parallel()
	fake := newFakeRedis()
	lock := NewRedis(fake, Config{TTL: time.Minute}, nil)

	release, acquired, err := lock.Acquire(context.Background(), "T1")
	if err != nil || !acquired {
		test.Fatalf("expected first acquire, got %v %v", acquired, err)
	}
	if fake.ttls[DefaultKeyPrefix+"T1"] != time.Minute {
		test.Fatalf("expected ttl to be applied")
	}
	_, acquired, err = lock.Acquire(context.Background(), "T1")
	if err != nil || acquired {
		test.Fatalf("expected contention, got %v %v", acquired, err)
	}
	release()
	releaseAgain, acquired, err := lock.Acquire(context.Background(), "T1")
	if err != nil || !acquired {
		test.Fatalf("expected acquire after release, got %v %v", acquired, err)
	}
	releaseAgain()
}

func TestRedisLockReleaseChecksOwner(test *testing.T) {
	test.Parallel()
	fake := newFakeRedis()
	lock := NewRedis(fake, Config{}, nil)
	release, _, _ := lock.Acquire(context.Background(), "T1")
	fake.values[DefaultKeyPrefix+"T1"] = "someone-else"
	release()
	if _, exists := fake.values[DefaultKeyPrefix+"T1"]; !exists {
		test.Fatalf("release must not delete a lock owned by another holder")
	}
}

func TestRedisLockReportsErrors(test *testing.T) {
	test.Parallel()
	fake := newFakeRedis()
	fake.failSet = errors.New("connection refused")
	lock := NewRedis(fake, Config{}, nil)
	release, acquired, err := lock.Acquire(context.Background(), "T1")
	if err == nil || acquired {
		test.Fatalf("expected error, got %v %v", acquired, err)
	}
	release()
}

func TestNoopAlwaysAcquires(test *testing.T) {
	test.Parallel()
	release, acquired, err := Noop{}.Acquire(context.Background(), "T1")
	if err != nil || !acquired {
		test.Fatalf("expected noop acquire")
	}
	release()
}
