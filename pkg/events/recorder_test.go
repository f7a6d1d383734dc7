package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderKeepsPublishedEvents(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	rec := NewRecorder(broker, 8)
	defer rec.Stop()

	broker.Publish(&Event{Type: EventExecutionDispatched, ExecutionID: "e1"})
	broker.Publish(&Event{Type: EventExecutionCompleted, ExecutionID: "e1"})

	require.Eventually(t, func() bool {
		return len(rec.Recent()) == 2
	}, time.Second, 10*time.Millisecond)

	recent := rec.Recent()
	assert.Equal(t, EventExecutionDispatched, recent[0].Type)
	assert.Equal(t, EventExecutionCompleted, recent[1].Type)
}

func TestRecorderRingEvictsOldest(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	rec := NewRecorder(broker, 3)
	defer rec.Stop()

	for i := 0; i < 5; i++ {
		broker.Publish(&Event{Type: EventExecutionCompleted, ExecutionID: fmt.Sprintf("e%d", i)})
	}

	require.Eventually(t, func() bool {
		recent := rec.Recent()
		return len(recent) == 3 && recent[2].ExecutionID == "e4"
	}, time.Second, 10*time.Millisecond)

	recent := rec.Recent()
	assert.Equal(t, "e2", recent[0].ExecutionID)
	assert.Equal(t, "e3", recent[1].ExecutionID)
	assert.Equal(t, "e4", recent[2].ExecutionID)
}

func TestRecorderStopDrains(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	rec := NewRecorder(broker, 4)
	broker.Publish(&Event{Type: EventNodeRepaired, NodeID: 7})

	require.Eventually(t, func() bool {
		return len(rec.Recent()) == 1
	}, time.Second, 10*time.Millisecond)

	rec.Stop()
	assert.Equal(t, int64(7), rec.Recent()[0].NodeID)
}
