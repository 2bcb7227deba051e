package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)
	var got []string

	bus.Register(ListenerFunc(func(_ context.Context, e Event) { got = append(got, "a:"+string(e)) }))
	bus.Register(ListenerFunc(func(_ context.Context, e Event) { got = append(got, "b:"+string(e)) }))

	bus.Publish(context.Background(), ClearAll)

	assert.Equal(t, []string{"a:clear_all", "b:clear_all"}, got)
}

func TestBus_Unregister(t *testing.T) {
	bus := NewBus(nil)
	count := 0

	unregister := bus.Register(ListenerFunc(func(context.Context, Event) { count++ }))
	bus.Publish(context.Background(), Initialized)
	unregister()
	unregister()
	bus.Publish(context.Background(), Initialized)

	assert.Equal(t, 1, count)
}

func TestBus_SnapshotDuringDelivery(t *testing.T) {
	bus := NewBus(nil)
	lateCalls := 0
	var unregisterSecond func()

	bus.Register(ListenerFunc(func(context.Context, Event) {
		unregisterSecond()
		bus.Register(ListenerFunc(func(context.Context, Event) { lateCalls++ }))
	}))
	secondCalls := 0
	unregisterSecond = bus.Register(ListenerFunc(func(context.Context, Event) { secondCalls++ }))

	bus.Publish(context.Background(), EnterBackground)
	assert.Equal(t, 1, secondCalls, "removed listener still sees the event being delivered")
	assert.Equal(t, 0, lateCalls, "listener added during delivery waits for the next event")

	bus.Publish(context.Background(), EnterBackground)
	assert.Equal(t, 1, secondCalls)
	assert.Equal(t, 1, lateCalls)
}

func TestBus_ListenerPanicDoesNotStopFanOut(t *testing.T) {
	bus := NewBus(nil)
	reached := false

	bus.Register(ListenerFunc(func(context.Context, Event) { panic("listener bug") }))
	bus.Register(ListenerFunc(func(context.Context, Event) { reached = true }))

	assert.NotPanics(t, func() { bus.Publish(context.Background(), SessionsReset) })
	assert.True(t, reached)
}
