package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishFansOutToAllSubscribers(t *testing.T) {
	bus := New()

	var mu sync.Mutex
	var got []Kind
	for i := 0; i < 3; i++ {
		bus.Subscribe(func(_ context.Context, e Event) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, e.Kind)
		})
	}

	bus.Publish(context.Background(), Event{Kind: KindDeviceOnline})

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 3)
	for _, k := range got {
		assert.Equal(t, KindDeviceOnline, k)
	}
}

func TestClassifyKind(t *testing.T) {
	cases := []struct {
		kind Kind
		want Priority
	}{
		{KindDeviceOffline, PriorityCritical},
		{KindAlertCreated, PriorityCritical},
		{KindDeviceOnline, PriorityHigh},
		{KindRuleTriggered, PriorityHigh},
		{KindWorkflowTriggered, PriorityHigh},
		{KindDeviceMetric, PriorityNormal},
		{KindCommandResult, PriorityNormal},
		{KindLLMDecisionProposed, PriorityLow},
		{KindUserMessage, PriorityLow},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyKind(c.kind), c.kind)
	}
}

func TestPriorityBus_DrainOrdersByPriorityThenFIFO(t *testing.T) {
	bus := New()
	var mu sync.Mutex
	var order []Kind
	bus.Subscribe(func(_ context.Context, e Event) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, e.Kind)
	})

	pb := NewPriorityBus(bus, 10)
	require.True(t, pb.Publish(Event{Kind: KindDeviceMetric}))       // Normal
	require.True(t, pb.Publish(Event{Kind: KindDeviceOffline}))      // Critical
	require.True(t, pb.Publish(Event{Kind: KindUserMessage}))        // Low
	require.True(t, pb.Publish(Event{Kind: KindRuleTriggered}))      // High
	require.True(t, pb.Publish(Event{Kind: KindWorkflowTriggered}))  // High, after RuleTriggered

	drained := pb.Drain(context.Background(), 10)
	assert.Equal(t, 5, drained)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 5)
	assert.Equal(t, KindDeviceOffline, order[0])
	assert.Equal(t, KindRuleTriggered, order[1])
	assert.Equal(t, KindWorkflowTriggered, order[2])
	assert.Equal(t, KindDeviceMetric, order[3])
	assert.Equal(t, KindUserMessage, order[4])
}

func TestPriorityBus_DropsLowPriorityWhenFull(t *testing.T) {
	bus := New()
	pb := NewPriorityBus(bus, 2)

	require.True(t, pb.Publish(Event{Kind: KindDeviceMetric}))
	require.True(t, pb.Publish(Event{Kind: KindDeviceMetric}))

	ok := pb.Publish(Event{Kind: KindUserMessage}) // Low, queue full of Normal
	assert.False(t, ok)
	assert.Equal(t, 2, pb.PendingCount())
}

func TestPriorityBus_CriticalEvictsLowerPriorityWhenFull(t *testing.T) {
	bus := New()
	pb := NewPriorityBus(bus, 2)

	require.True(t, pb.Publish(Event{Kind: KindDeviceMetric})) // Normal
	require.True(t, pb.Publish(Event{Kind: KindUserMessage}))  // Low

	ok := pb.PublishWithPriority(Event{Kind: KindAlertCreated}, PriorityCritical)
	assert.True(t, ok)
	assert.Equal(t, 2, pb.PendingCount())

	drained := pb.Drain(context.Background(), 10)
	assert.Equal(t, 2, drained)
}

func TestPriorityBus_CannotEvictWhenNothingLowerPriority(t *testing.T) {
	bus := New()
	pb := NewPriorityBus(bus, 2)

	require.True(t, pb.PublishWithPriority(Event{Kind: KindAlertCreated}, PriorityCritical))
	require.True(t, pb.PublishWithPriority(Event{Kind: KindAlertCreated}, PriorityCritical))

	ok := pb.PublishWithPriority(Event{Kind: KindAlertCreated}, PriorityCritical)
	assert.False(t, ok)
	assert.Equal(t, 2, pb.PendingCount())
}

func TestPriorityBus_StartStopDrainer(t *testing.T) {
	bus := New()
	delivered := make(chan Event, 1)
	bus.Subscribe(func(_ context.Context, e Event) {
		delivered <- e
	})

	pb := NewPriorityBus(bus, 10)
	pb.Publish(Event{Kind: KindDeviceOnline})

	pb.StartDrainer(10*time.Millisecond, 5)
	defer pb.StopDrainer()

	select {
	case e := <-delivered:
		assert.Equal(t, KindDeviceOnline, e.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drainer to deliver event")
	}
}
