package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis supports SETNX and the release script.
type fakeRedis struct {
	mutex  sync.Mutex
	values map[string]string
	setErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

func (fake *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	if fake.setErr != nil {
		cmd.SetErr(fake.setErr)
		return cmd
	}
	if _, exists := fake.values[key]; exists {
		cmd.SetVal(false)
		return cmd
	}
	fake.values[key] = value.(string)
	cmd.SetVal(true)
	return cmd
}

func (fake *fakeRedis) release(ctx context.Context, keys []string, args ...interface{}) *redis.Cmd {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	cmd := redis.NewCmd(ctx)
	if fake.values[keys[0]] == args[0].(string) {
		delete(fake.values, keys[0])
		cmd.SetVal(int64(1))
		return cmd
	}
	cmd.SetVal(int64(0))
	return cmd
}

func (fake *fakeRedis) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return fake.release(ctx, keys, args...)
}

func (fake *fakeRedis) EvalSha(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return fake.release(ctx, keys, args...)
}

func (fake *fakeRedis) EvalRO(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return fake.release(ctx, keys, args...)
}

func (fake *fakeRedis) EvalShaRO(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return fake.release(ctx, keys, args...)
}

func (fake *fakeRedis) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	cmd.SetVal(make([]bool, len(hashes)))
	return cmd
}

func (fake *fakeRedis) ScriptLoad(ctx context.Context, _ string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("sha")
	return cmd
}

func TestRedisLockerRunsOnceAndReleases(test *testing.T) {
	test.Parallel()
	fake := newFakeRedis()
	locker, err := NewRedisLocker(fake)
	if err != nil {
		test.Fatalf("locker: %v", err)
	}
	calls := 0
	ran, err := locker.Run(context.Background(), "sweep", time.Minute, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || !ran || calls != 1 {
		test.Fatalf("expected job to run once, got ran=%v calls=%d err=%v", ran, calls, err)
	}
	if len(fake.values) != 0 {
		test.Fatalf("expected lease released, got %v", fake.values)
	}
}

func TestRedisLockerSkipsWhileHeld(test *testing.T) {
	test.Parallel()
	fake := newFakeRedis()
	fake.values[keyPrefix+"sweep"] = "other-replica"
	locker, err := NewRedisLocker(fake)
	if err != nil {
		test.Fatalf("locker: %v", err)
	}
	ran, err := locker.Run(context.Background(), "sweep", time.Minute, func(context.Context) error {
		test.Fatalf("job must not run while another replica holds the lease")
		return nil
	})
	if err != nil || ran {
		test.Fatalf("expected skip, got ran=%v err=%v", ran, err)
	}
	if fake.values[keyPrefix+"sweep"] != "other-replica" {
		test.Fatalf("foreign lease must survive")
	}
}

func TestRedisLockerPropagatesJobAndAcquireErrors(test *testing.T) {
	test.Parallel()
	fake := newFakeRedis()
	locker, err := NewRedisLocker(fake)
	if err != nil {
		test.Fatalf("locker: %v", err)
	}
	jobError := errors.New("sweep failed")
	ran, err := locker.Run(context.Background(), "sweep", time.Minute, func(context.Context) error { return jobError })
	if !ran || !errors.Is(err, jobError) {
		test.Fatalf("expected job error, got ran=%v err=%v", ran, err)
	}
	if len(fake.values) != 0 {
		test.Fatalf("expected lease released after failure")
	}

	fake.setErr = errors.New("connection refused")
	if _, err := locker.Run(context.Background(), "sweep", time.Minute, func(context.Context) error { return nil }); err == nil {
		test.Fatalf("expected acquire error")
	}
}

func TestRedisLockerValidatesLease(test *testing.T) {
	test.Parallel()
	locker, err := NewRedisLocker(newFakeRedis())
	if err != nil {
		test.Fatalf("locker: %v", err)
	}
	if _, err := locker.Run(context.Background(), "", time.Minute, func(context.Context) error { return nil }); !errors.Is(err, ErrInvalidLease) {
		test.Fatalf("expected ErrInvalidLease, got %v", err)
	}
	if _, err := locker.Run(context.Background(), "sweep", 0, func(context.Context) error { return nil }); !errors.Is(err, ErrInvalidLease) {
		test.Fatalf("expected ErrInvalidLease, got %v", err)
	}
}

func TestLocalLockerAlwaysRuns(test *testing.T) {
	test.Parallel()
	ran, err := LocalLocker{}.Run(context.Background(), "outbox", time.Second, func(context.Context) error { return nil })
	if !ran || err != nil {
		test.Fatalf("expected local run, got ran=%v err=%v", ran, err)
	}
}
