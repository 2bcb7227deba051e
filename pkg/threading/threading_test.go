package threading

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const threadingTestTimeout = 2 * time.Second

func TestLoop_RunsInOrderOnMainThread(t *testing.T) {
	loop := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range 5 {
		wg.Add(1)
		loop.Execute("record", func(ctx context.Context) {
			defer wg.Done()
			assert.True(t, OnMainThread(ctx))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(threadingTestTimeout):
		t.Fatal("loop did not stop")
	}
}

func TestLoop_SurvivesPanic(t *testing.T) {
	loop := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	ran := make(chan struct{})
	loop.Execute("boom", func(context.Context) { panic("boom") })
	loop.Execute("after", func(context.Context) { close(ran) })

	select {
	case <-ran:
	case <-time.After(threadingTestTimeout):
		t.Fatal("callback after panic did not run")
	}
}

func TestSynchronous(t *testing.T) {
	called := false
	Synchronous{}.Execute("sync", func(ctx context.Context) {
		called = OnMainThread(ctx)
	})
	assert.True(t, called)
}

func TestThreadChecker(t *testing.T) {
	ctx := context.Background()
	mainCtx := WithMainThread(ctx)

	lenient := NewThreadChecker(false, nil)
	require.NoError(t, lenient.CheckNotMain(ctx, "clear all"))

	err := lenient.CheckNotMain(mainCtx, "clear all")
	require.ErrorIs(t, err, ErrMainThread)
	assert.Contains(t, err.Error(), "clear all")

	strict := NewThreadChecker(true, nil)
	assert.Panics(t, func() { _ = strict.CheckNotMain(mainCtx, "clear all") })
	assert.NotPanics(t, func() { _ = strict.CheckNotMain(ctx, "clear all") })
}
