package realtime

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	assert.Equal(t, 0, callbacks.Count())

	one := func() int { return 1 }
	two := func() int { return 2 }
	three := func() int { return 3 }

	oneId := callbacks.Add(one)
	twoId := callbacks.Add(two)
	threeId := callbacks.Add(three)
	assert.Equal(t, 3, callbacks.Count())

	// registration order is preserved
	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{1, 2, 3}, values)

	callbacks.Remove(twoId)
	assert.Equal(t, 2, callbacks.Count())
	values = []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{1, 3}, values)

	// removing twice is a no-op
	callbacks.Remove(twoId)
	assert.Equal(t, 2, callbacks.Count())

	callbacks.Remove(oneId)
	callbacks.Remove(threeId)
	assert.Equal(t, 0, callbacks.Count())
}

func TestCallbackListSnapshot(t *testing.T) {
	callbacks := NewCallbackList[func()]()
	callbacks.Add(func() {})

	snapshot := callbacks.Get()
	callbacks.Add(func() {})

	// Get returns a stable snapshot
	assert.Equal(t, 1, len(snapshot))
	assert.Equal(t, 2, len(callbacks.Get()))
}

func TestReconnect(t *testing.T) {
	timeout := 40 * time.Millisecond

	reconnect := NewReconnect(timeout)
	startTime := time.Now()
	<-reconnect.After()
	elapsed := time.Since(startTime)
	if elapsed < timeout/2 {
		t.Fatalf("reconnect waited %s, expected about %s", elapsed, timeout)
	}

	// time already spent counts against the timeout
	reconnect = NewReconnect(timeout)
	time.Sleep(timeout)
	startTime = time.Now()
	<-reconnect.After()
	elapsed = time.Since(startTime)
	if timeout/2 < elapsed {
		t.Fatalf("reconnect waited %s after the timeout already elapsed", elapsed)
	}
}
