package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToTypedSubscriber(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	var got Event
	done := make(chan struct{})

	b.Subscribe(EventContractCreated, func(e Event) {
		mu.Lock()
		got = e
		mu.Unlock()
		close(done)
	})

	b.PublishContractCreated(42)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, EventContractCreated, got.Type)
	require.EqualValues(t, 42, got.Data["contract_id"])
}

func TestBus_SubscribeAllReceivesEveryType(t *testing.T) {
	b := NewBus()
	count := make(chan EventType, 2)

	b.SubscribeAll(func(e Event) { count <- e.Type })

	b.PublishContractCreated(1)
	b.PublishStreamStarted(1, "mintA")

	seen := map[EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case et := <-count:
			seen[et] = true
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	require.True(t, seen[EventContractCreated])
	require.True(t, seen[EventStreamStarted])
}

func TestBus_UnsubscribedTypeNeverInvokesOthers(t *testing.T) {
	b := NewBus()
	invoked := false
	b.Subscribe(EventStreamStopped, func(e Event) { invoked = true })

	b.PublishContractCreated(7)
	time.Sleep(50 * time.Millisecond)

	require.False(t, invoked)
}
