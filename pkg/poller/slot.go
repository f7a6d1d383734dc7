package poller

import (
	"sync"
	"time"

	"github.com/gponlabs/oltmon/pkg/composite"
)

// SlotStatus is the worker slot state
type SlotStatus string

const (
	SlotFree SlotStatus = "FREE"
	SlotBusy SlotStatus = "BUSY"
)

// Slot is one unit of outstanding-SNMP-operation parallelism. A busy
// slot means "this slot has an operation outstanding against an OLT",
// not "a goroutine is computing": the slot stays busy across the
// asynchronous round-trip and is freed by the completion dispatcher.
type Slot struct {
	id int

	mu                 sync.Mutex
	status             SlotStatus
	currentExecutionID string
	current            *composite.Node
	busySince          time.Time
	createdAt          time.Time
	tasksCompleted     int64
	busyTime           time.Duration
}

func newSlot(id int) *Slot {
	return &Slot{
		id:        id,
		status:    SlotFree,
		createdAt: time.Now(),
	}
}

// ID returns the slot's index within the pool
func (s *Slot) ID() int {
	return s.id
}

// Status returns the current state
func (s *Slot) Status() SlotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// reserve transitions FREE to BUSY for the given composite node.
// Returns false when the slot is already busy.
func (s *Slot) reserve(cn *composite.Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != SlotFree {
		return false
	}
	s.status = SlotBusy
	s.current = cn
	s.busySince = time.Now()
	return true
}

// bindExecution records the execution the slot is now holding open
func (s *Slot) bindExecution(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentExecutionID = executionID
}

// executionID returns the bound execution, empty when free
func (s *Slot) executionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentExecutionID
}

// releaseForExecution frees the slot if it holds the given execution,
// crediting the reported duration to the busy-time counters
func (s *Slot) releaseForExecution(executionID string, duration time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != SlotBusy || s.currentExecutionID != executionID {
		return false
	}
	s.freeLocked(duration, true)
	return true
}

// forceRelease frees the slot unconditionally without crediting a task
// completion. Used when a dispatch did not produce an execution and by
// the reconciliation repair path.
func (s *Slot) forceRelease() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != SlotBusy {
		return
	}
	s.freeLocked(time.Since(s.busySince), false)
}

func (s *Slot) freeLocked(duration time.Duration, completed bool) {
	s.status = SlotFree
	s.currentExecutionID = ""
	s.current = nil
	s.busyTime += duration
	if completed {
		s.tasksCompleted++
	}
}

// Snapshot is the public view of a slot
type Snapshot struct {
	SlotID             int        `json:"slot_id"`
	Status             SlotStatus `json:"status"`
	BusyPercentage     float64    `json:"busy_percentage"`
	TasksCompleted     int64      `json:"tasks_completed"`
	CurrentNodeID      *int64     `json:"current_node_id,omitempty"`
	CurrentExecutionID string     `json:"current_execution_id,omitempty"`
}

// Snapshot returns the slot's public state
func (s *Slot) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SlotID:             s.id,
		Status:             s.status,
		TasksCompleted:     s.tasksCompleted,
		CurrentExecutionID: s.currentExecutionID,
	}

	total := time.Since(s.createdAt)
	busy := s.busyTime
	if s.status == SlotBusy {
		busy += time.Since(s.busySince)
	}
	if total > 0 {
		snap.BusyPercentage = 100 * float64(busy) / float64(total)
	}
	if s.current != nil {
		id := s.current.MasterID()
		snap.CurrentNodeID = &id
	}
	return snap
}
