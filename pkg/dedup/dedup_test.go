package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentCallersShareOneCall(t *testing.T) {
	g := New()

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte(`[{"id":1}]`), nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := g.Do(context.Background(), "GET /api/jobs", fn)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, []byte(`[{"id":1}]`), v)
	}
	assert.Equal(t, 0, g.InFlight())
}

func TestFailureIsShared(t *testing.T) {
	g := New()
	boom := errors.New("connection reset")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Do(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
				<-release
				return nil, boom
			})
		}(i)
	}
	require.Eventually(t, func() bool { return g.InFlight() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}

	v, err := g.Do(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), v, "a settled failure is not cached")
}

func TestCanceledCallerDoesNotCancelFlight(t *testing.T) {
	g := New()
	release := make(chan struct{})
	done := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, err := g.Do(ctx, "k", func(fctx context.Context) ([]byte, error) {
			<-release
			done <- fctx.Err()
			return []byte("late"), nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	}()

	require.Eventually(t, func() bool { return g.InFlight() == 1 }, time.Second, time.Millisecond)
	cancel()

	joined := make(chan []byte, 1)
	go func() {
		v, _ := g.Do(context.Background(), "k", func(context.Context) ([]byte, error) {
			return []byte("second"), nil
		})
		joined <- v
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)

	assert.NoError(t, <-done)
	assert.Equal(t, []byte("late"), <-joined)
}

func TestStuckFlightIsAbandoned(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	g := New(WithTimeout(time.Minute), WithClock(clock))

	stuck := make(chan struct{})
	defer close(stuck)
	go g.Do(context.Background(), "k", func(context.Context) ([]byte, error) {
		<-stuck
		return nil, nil
	})
	require.Eventually(t, func() bool { return g.InFlight() == 1 }, time.Second, time.Millisecond)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	v, err := g.Do(context.Background(), "k", func(context.Context) ([]byte, error) {
		return []byte("fresh"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), v)
	assert.Equal(t, 0, g.InFlight(), "the stuck flight no longer owns the key")
}
