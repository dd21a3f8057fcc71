package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/BaSui01/webpilot/browser/browsertest"
	"github.com/BaSui01/webpilot/types"
)

func testConfig(size int) Config {
	cfg := DefaultConfig()
	cfg.Size = size
	cfg.AcquireTimeout = time.Second
	cfg.HealthCheckTimeout = 200 * time.Millisecond
	cfg.CloseTimeout = 200 * time.Millisecond
	cfg.ShutdownGrace = 100 * time.Millisecond
	return cfg
}

func newTestPool(t *testing.T, size int) (*Pool, *browsertest.FakeFactory) {
	t.Helper()
	factory := browsertest.NewFakeFactory("fake")
	p, err := New(factory, testConfig(size), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, factory
}

func fakeOf(w *Worker) *browsertest.FakeProvider {
	return w.Provider.(*browsertest.FakeProvider)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, testConfig(1), nil, nil)
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = New(browsertest.NewFakeFactory("fake"), testConfig(0), nil, nil)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestAcquire_ReusesIdleWorker(t *testing.T) {
	p, factory := newTestPool(t, 2)
	ctx := context.Background()

	w, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StateCheckedOut, w.State())
	p.Release(w)
	assert.Equal(t, StateIdle, w.State())

	again, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)
	assert.Equal(t, 2, again.Uses())
	assert.Equal(t, 1, factory.Count())
	p.Release(again)
}

// 任意池大小 N 下，同时签出的 worker 数不超过 N
func TestAcquire_NeverExceedsSize(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		size := rapid.IntRange(1, 4).Draw(rt, "size")
		callers := rapid.IntRange(size+1, size*3).Draw(rt, "callers")

		factory := browsertest.NewFakeFactory("fake")
		cfg := testConfig(size)
		cfg.AcquireTimeout = 2 * time.Second
		p, err := New(factory, cfg, nil, nil)
		if err != nil {
			rt.Fatalf("new pool: %v", err)
		}
		defer func() { _ = p.Shutdown(context.Background()) }()

		var current, peak atomic.Int32
		var violated atomic.Bool
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w, err := p.Acquire(context.Background(), 0)
				if err != nil {
					return
				}
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				if s := p.Stats(); s.Live > size || s.CheckedOut > size {
					violated.Store(true)
				}
				time.Sleep(time.Millisecond)
				current.Add(-1)
				p.Release(w)
			}()
		}
		wg.Wait()

		if violated.Load() {
			rt.Fatalf("live or checked-out count exceeded size %d", size)
		}
		if got := int(peak.Load()); got > size {
			rt.Fatalf("peak checked out %d exceeds size %d", got, size)
		}
		if factory.Count() > size {
			rt.Fatalf("created %d sessions for size %d", factory.Count(), size)
		}
	})
}

func TestAcquire_ExhaustedWaitsThenTimesOut(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	w1, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	w2, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrPoolExhausted))
	assert.True(t, types.IsRetryable(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	p.Release(w1)
	p.Release(w2)
}

func TestAcquire_SlowCreationRespectsTimeout(t *testing.T) {
	p, factory := newTestPool(t, 1)
	factory.SetDelay(800 * time.Millisecond)

	start := time.Now()
	w, err := p.Acquire(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, w)
	assert.True(t, types.IsCode(err, types.ErrPoolExhausted))
	assert.True(t, types.IsRetryable(err))
	assert.Less(t, elapsed, 500*time.Millisecond)

	// creating 名额已归还，下一次 acquire 可以重新新建
	assert.Equal(t, 0, p.Stats().Creating)
	factory.SetDelay(0)
	w, err = p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(w)
}

func TestAcquire_AfterShutdownFailsImmediately(t *testing.T) {
	p, _ := newTestPool(t, 1)
	require.NoError(t, p.Shutdown(context.Background()))

	start := time.Now()
	_, err := p.Acquire(context.Background(), 10*time.Second)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrPoolClosed))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestShutdown_WakesWaiters(t *testing.T) {
	p, _ := newTestPool(t, 1)
	w, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), 10*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	go func() { _ = p.Shutdown(context.Background()) }()

	select {
	case err := <-errCh:
		assert.True(t, types.IsCode(err, types.ErrPoolClosed))
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by shutdown")
	}
	p.Release(w)
}

func TestRelease_UnhealthyWorkerIsNeverReused(t *testing.T) {
	p, factory := newTestPool(t, 1)
	ctx := context.Background()

	w1, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	fakeOf(w1).SetHealthy(false)

	p.Release(w1)
	assert.Equal(t, StateStale, w1.State())

	require.Eventually(t, func() bool { return fakeOf(w1).Closed() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.Stats().Respawned == 1 }, time.Second, 5*time.Millisecond)

	w2, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.NotEqual(t, w1.ID, w2.ID)
	assert.Equal(t, 2, factory.Count())

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Discarded)
	assert.Equal(t, 1, stats.CheckedOut)
	p.Release(w2)
}

func TestRelease_DoesNotWaitForRespawn(t *testing.T) {
	p, factory := newTestPool(t, 1)
	w, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	factory.SetDelay(300 * time.Millisecond)
	fakeOf(w).SetHealthy(false)

	start := time.Now()
	p.Release(w)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestRelease_IgnoresUnknownAndDoubleRelease(t *testing.T) {
	p, _ := newTestPool(t, 1)
	w, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	p.Release(w)
	p.Release(w)
	p.Release(nil)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.CheckedOut)
}

// 池大小为 1 时，第二个调用方阻塞直到第一个归还
func TestSizeOne_SecondCallerBlocksUntilRelease(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	first, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	var released atomic.Bool
	got := make(chan *Worker, 1)
	go func() {
		w, err := p.Acquire(ctx, 2*time.Second)
		if err == nil {
			assert.True(t, released.Load(), "second acquire returned before release")
			assert.LessOrEqual(t, p.Stats().CheckedOut, 1)
		}
		got <- w
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, p.Stats().CheckedOut)
	released.Store(true)
	p.Release(first)

	select {
	case w := <-got:
		require.NotNil(t, w)
		assert.Equal(t, first.ID, w.ID)
		p.Release(w)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never acquired")
	}
}

func TestDiscard_ClosesAndRespawns(t *testing.T) {
	p, _ := newTestPool(t, 1)
	w, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	p.Discard(w, ReasonTimeout)
	assert.Equal(t, StateStale, w.State())

	require.Eventually(t, func() bool { return fakeOf(w).Closed() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.Stats().Idle == 1 }, time.Second, 5*time.Millisecond)

	// 被丢弃的 worker 再次 Release 不会回到空闲集合
	p.Release(w)
	next, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.NotEqual(t, w.ID, next.ID)
	p.Release(next)
}

func TestRelease_RetiresAfterMaxUses(t *testing.T) {
	factory := browsertest.NewFakeFactory("fake")
	cfg := testConfig(1)
	cfg.MaxUses = 2
	p, err := New(factory, cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	w, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	p.Release(w)
	w, err = p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	p.Release(w)

	assert.Equal(t, StateStale, w.State())
	require.Eventually(t, func() bool { return factory.Count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestWarmup_IdempotentAndJoinsErrors(t *testing.T) {
	p, factory := newTestPool(t, 2)
	factory.FailNext(1)

	err := p.Warmup(context.Background(), 5)
	require.Error(t, err)
	assert.Equal(t, 1, p.Stats().Idle)

	require.NoError(t, p.Warmup(context.Background(), 5))
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestWarmup_UnhealthySessionsAreNotPooled(t *testing.T) {
	factory := browsertest.NewFakeFactory("fake").Configure(func(fp *browsertest.FakeProvider) {
		fp.SetHealthy(false)
	})
	p, err := New(factory, testConfig(2), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	require.Error(t, p.Warmup(context.Background(), 2))
	assert.Equal(t, 0, p.Stats().Idle)
	assert.Equal(t, 0, p.Stats().Live)
}

func TestShutdown_ForceClosesAfterGrace(t *testing.T) {
	p, _ := newTestPool(t, 2)
	require.NoError(t, p.Warmup(context.Background(), 1))
	held, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Shutdown(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.True(t, fakeOf(held).Closed())

	// 强制回收后的迟到归还不会 panic
	assert.NotPanics(t, func() { p.Release(held) })
	assert.True(t, p.Stats().Closed)
}

func TestShutdown_ReturnedDuringGraceIsClosed(t *testing.T) {
	p, _ := newTestPool(t, 1)
	w, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(w)
	}()
	start := time.Now()
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	require.Eventually(t, func() bool { return fakeOf(w).Closed() }, time.Second, 5*time.Millisecond)
}

func TestShutdown_DoesNotHangOnStuckClose(t *testing.T) {
	factory := browsertest.NewFakeFactory("fake").Configure(func(fp *browsertest.FakeProvider) {
		fp.SetCloseError(errors.New("close exploded"))
	})
	p, err := New(factory, testConfig(2), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, p.Warmup(context.Background(), 2))

	err = p.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close exploded")
	require.NoError(t, p.Shutdown(context.Background()))
}
