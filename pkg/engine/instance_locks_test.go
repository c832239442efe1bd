package engine

import (
	"sync"
	"testing"

	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/stretchr/testify/assert"
)

func TestInstanceLocksSerializeOneInstance(t *testing.T) {
	locks := newInstanceLocks()
	h := handle.New[runtime.ProcessInstance](1)

	counter := 0
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.lockInstance(h)
			defer locks.unlockInstance(h)
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, locks.len())
}

func TestInstanceLocksAreIndependent(t *testing.T) {
	locks := newInstanceLocks()
	first := handle.New[runtime.ProcessInstance](1)
	second := handle.New[runtime.ProcessInstance](2)

	locks.lockInstance(first)
	done := make(chan struct{})
	go func() {
		locks.lockInstance(second)
		locks.unlockInstance(second)
		close(done)
	}()
	<-done
	assert.Equal(t, 1, locks.len())
	locks.unlockInstance(first)
	assert.Equal(t, 0, locks.len())

	// unlocking an unknown instance is a no-op
	locks.unlockInstance(second)
}
