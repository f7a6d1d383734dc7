// Package events provides a small in-process pub/sub broker for polling
// core lifecycle events: executions dispatched and finished, chains
// started, scheduler repairs, and pool saturation. Slow subscribers are
// skipped rather than blocking the dispatcher.
package events
