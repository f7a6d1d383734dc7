package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&Event{
		Type:        EventExecutionCompleted,
		OLTID:       1,
		NodeID:      2,
		ExecutionID: "e1",
	})

	select {
	case event := <-sub:
		assert.Equal(t, EventExecutionCompleted, event.Type)
		assert.Equal(t, int64(1), event.OLTID)
		assert.False(t, event.Timestamp.IsZero(), "timestamp must be filled in")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBroadcastToAllSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	first := broker.Subscribe()
	second := broker.Subscribe()
	require.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(&Event{Type: EventChainDispatched})

	for _, sub := range []Subscriber{first, second} {
		select {
		case event := <-sub:
			assert.Equal(t, EventChainDispatched, event.Type)
		case <-time.After(time.Second):
			t.Fatal("event not delivered to all subscribers")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	assert.Equal(t, 0, broker.SubscriberCount())
}
