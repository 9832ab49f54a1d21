package tuicmetrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func resetGlobal() {
	global = &counters{startTime: global.startTime}
}

func TestConnectionCounters(t *testing.T) {
	resetGlobal()

	ConnectionOpened()
	ConnectionOpened()
	ConnectionClosed()

	s := Current()
	assert.Equal(t, int64(1), s.ActiveConnections)
	assert.Equal(t, int64(2), s.TotalConnections)
}

func TestAssociationCounters(t *testing.T) {
	resetGlobal()

	AssociationOpened()
	AssociationOpened()
	AssociationOpened()
	AssociationClosed()

	assert.Equal(t, int64(2), Current().ActiveAssociations)
}

func TestByteCounters(t *testing.T) {
	resetGlobal()

	AddBytesSent(100)
	AddBytesSent(-5) // ignored, never negative
	AddBytesReceived(50)

	s := Current()
	assert.Equal(t, int64(100), s.BytesSent)
	assert.Equal(t, int64(50), s.BytesReceived)
}

func TestAuthFailureCounter(t *testing.T) {
	resetGlobal()
	AuthFailure()
	AuthFailure()
	assert.Equal(t, int64(2), Current().AuthFailures)
}

func TestConcurrentUpdates(t *testing.T) {
	resetGlobal()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ConnectionOpened()
			AddBytesSent(10)
		}()
	}
	wg.Wait()

	s := Current()
	assert.Equal(t, int64(50), s.TotalConnections)
	assert.Equal(t, int64(500), s.BytesSent)
}
