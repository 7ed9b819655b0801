package realtime

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLimiterMaxConcurrent(t *testing.T) {
	ctx := context.Background()

	n := 4
	limiter := NewLimiter(n)

	var active int64
	var maxActive int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := limiter.Ready(ctx)
			assert.Equal(t, nil, err)
			defer limiter.Release()

			a := atomic.AddInt64(&active, 1)
			for {
				m := atomic.LoadInt64(&maxActive)
				if a <= m || atomic.CompareAndSwapInt64(&maxActive, m, a) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&active, -1)
		}()
	}
	wg.Wait()

	if int64(n) < maxActive {
		t.Fatalf("limiter granted %d concurrent slots, max is %d", maxActive, n)
	}
	assert.Equal(t, 0, limiter.Active())
	assert.Equal(t, 0, limiter.Waiting())
}

func TestLimiterFifo(t *testing.T) {
	ctx := context.Background()

	limiter := NewLimiter(1)
	err := limiter.Ready(ctx)
	assert.Equal(t, nil, err)

	n := 8
	grantOrder := make(chan int, n)
	for i := 0; i < n; i += 1 {
		i := i
		go func() {
			limiter.Ready(ctx)
			grantOrder <- i
		}()
		// each waiter must be enqueued before the next starts
		waitFor(t, func() bool {
			return limiter.Waiting() == i+1
		})
	}

	for i := 0; i < n; i += 1 {
		limiter.Release()
		assert.Equal(t, i, <-grantOrder)
	}
	limiter.Release()
	assert.Equal(t, 0, limiter.Active())
}

func TestLimiterUnbounded(t *testing.T) {
	ctx := context.Background()

	limiter := NewLimiter(0)
	for i := 0; i < 100; i += 1 {
		err := limiter.Ready(ctx)
		assert.Equal(t, nil, err)
	}
	for i := 0; i < 200; i += 1 {
		// release is a no-op and never goes negative
		limiter.Release()
	}
	assert.Equal(t, 0, limiter.Active())
}

func TestLimiterReleaseClampsAtZero(t *testing.T) {
	ctx := context.Background()

	limiter := NewLimiter(2)
	limiter.Release()
	limiter.Release()
	assert.Equal(t, 0, limiter.Active())

	err := limiter.Ready(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, limiter.Active())
	limiter.Release()
	assert.Equal(t, 0, limiter.Active())
}

func TestLimiterCancel(t *testing.T) {
	ctx := context.Background()

	limiter := NewLimiter(1)
	err := limiter.Ready(ctx)
	assert.Equal(t, nil, err)

	cancelCtx, cancel := context.WithCancel(ctx)
	ready := make(chan error, 1)
	go func() {
		ready <- limiter.Ready(cancelCtx)
	}()
	waitFor(t, func() bool {
		return limiter.Waiting() == 1
	})
	cancel()
	assert.Equal(t, context.Canceled, <-ready)
	assert.Equal(t, 0, limiter.Waiting())

	// the held slot is unaffected
	assert.Equal(t, 1, limiter.Active())
	limiter.Release()
	assert.Equal(t, 0, limiter.Active())
}

func TestClientConcurrencyLimiter(t *testing.T) {
	ctx := context.Background()

	n := 2
	release := make(chan struct{})
	var active int64
	var maxActive int64
	inner := &fakeClient{
		config: &ClientConfig{ApiUrl: "http://test", ProjectId: "p", Dataset: "d"},
		requestFunc: func() error {
			a := atomic.AddInt64(&active, 1)
			for {
				m := atomic.LoadInt64(&maxActive)
				if a <= m || atomic.CompareAndSwapInt64(&maxActive, m, a) {
					break
				}
			}
			<-release
			atomic.AddInt64(&active, -1)
			return nil
		},
	}

	wrap := NewClientConcurrencyLimiter(n)
	client := wrap(inner)

	// derived clients stay wrapped and share the same limiter
	derived := client.Clone().WithConfig(client.Config())
	_, ok := derived.(*limitedClient)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, client.(*limitedClient).limiter == derived.(*limitedClient).limiter)

	var wg sync.WaitGroup
	for i := 0; i < 8; i += 1 {
		client := client
		if i%2 == 0 {
			client = derived
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Request(ctx, "POST", "/op", url.Values{}, nil, nil)
		}()
	}
	waitFor(t, func() bool {
		return atomic.LoadInt64(&active) == int64(n)
	})
	close(release)
	wg.Wait()

	if int64(n) < atomic.LoadInt64(&maxActive) {
		t.Fatalf("wrapped client ran %d concurrent requests, max is %d", maxActive, n)
	}
}
