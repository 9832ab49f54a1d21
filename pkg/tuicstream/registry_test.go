package tuicstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseTracksCount(t *testing.T) {
	reg := New()
	assert.Equal(t, 0, reg.Len())

	release1 := reg.Acquire()
	assert.Equal(t, 1, reg.Len())

	release2 := reg.Acquire()
	assert.Equal(t, 2, reg.Len())

	release1()
	assert.Equal(t, 1, reg.Len())

	release2()
	assert.Equal(t, 0, reg.Len())
}

func TestReleaseIsIdempotent(t *testing.T) {
	reg := New()
	release := reg.Acquire()
	release()
	release()
	assert.Equal(t, 0, reg.Len())
}

func TestDrainReturnsImmediatelyWhenEmpty(t *testing.T) {
	reg := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, reg.Drain(ctx))
}

func TestDrainWaitsForReleaseThenReturns(t *testing.T) {
	reg := New()
	release := reg.Acquire()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, reg.Drain(ctx))
	wg.Wait()
	assert.Equal(t, 0, reg.Len())
}

func TestDrainTimesOutWithLiveHandlers(t *testing.T) {
	reg := New()
	release := reg.Acquire()
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := reg.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPanicInHandlerStillReleases(t *testing.T) {
	reg := New()

	func() {
		release := reg.Acquire()
		defer release()
		defer func() { recover() }()
		panic("handler blew up")
	}()

	assert.Equal(t, 0, reg.Len())
}

func TestConcurrentAcquireRelease(t *testing.T) {
	reg := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := reg.Acquire()
			defer release()
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Len())
}
