package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camwatch/internal/camera"
)

func TestEventBusFiltersByCamera(t *testing.T) {
	bus := NewEventBus()

	var all, cam1 []string
	unsubAll := bus.Subscribe(ResultHandlerFunc(func(r *Result) { all = append(all, r.CameraID) }))
	bus.SubscribeCamera("cam-1", ResultHandlerFunc(func(r *Result) { cam1 = append(cam1, r.CameraID) }))
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(&Result{CameraID: "cam-1"})
	bus.Publish(&Result{CameraID: "cam-2"})
	bus.Publish(nil)

	assert.Equal(t, []string{"cam-1", "cam-2"}, all)
	assert.Equal(t, []string{"cam-1"}, cam1)

	unsubAll()
	unsubAll()
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestEventBusChannelDropsWhenFull(t *testing.T) {
	bus := NewEventBus()
	ch, unsubscribe := bus.SubscribeChannel("", 1)

	bus.Publish(&Result{CameraID: "a"})
	bus.Publish(&Result{CameraID: "b"})

	r := <-ch
	assert.Equal(t, "a", r.CameraID)

	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestEventBusClose(t *testing.T) {
	bus := NewEventBus()
	ch, unsubscribe := bus.SubscribeChannel("cam-1", 0)
	bus.Close()

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, bus.SubscriberCount())
	unsubscribe()
}

func TestEveryNthSampler(t *testing.T) {
	s := NewSampler("", 3, 0)
	require.Equal(t, SamplingEveryNth, s.Name())

	var picked []int
	for i := 1; i <= 9; i++ {
		if s.ShouldAnalyze(&camera.Frame{}) {
			picked = append(picked, i)
		}
	}
	assert.Equal(t, []int{3, 6, 9}, picked)
	assert.Equal(t, 5, NewEveryNthSampler(0).n)
}

func TestIntervalSampler(t *testing.T) {
	s := NewSampler(SamplingInterval, 0, 2*time.Second)
	require.Equal(t, SamplingInterval, s.Name())

	frame := func(ms int) *camera.Frame {
		return &camera.Frame{Timestamp: t0.Add(time.Duration(ms) * time.Millisecond)}
	}
	assert.True(t, s.ShouldAnalyze(frame(0)))
	assert.False(t, s.ShouldAnalyze(frame(1500)))
	assert.True(t, s.ShouldAnalyze(frame(2000)))
	assert.False(t, s.ShouldAnalyze(frame(3999)))
	assert.True(t, s.ShouldAnalyze(frame(4100)))
}

func TestCooldownPrunesExpiredKeys(t *testing.T) {
	c := newCooldown(time.Minute)
	for i := 0; i <= cooldownPruneSize; i++ {
		require.True(t, c.allow(string(rune('a'+i%26))+time.Duration(i).String(), t0))
	}
	assert.True(t, c.allow("late", t0.Add(2*time.Minute)))
	assert.Len(t, c.last, 1)
	assert.False(t, c.allow("late", t0.Add(2*time.Minute+time.Second)))
}
