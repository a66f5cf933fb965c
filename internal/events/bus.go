// Package events provides a publish/subscribe event bus for loop
// observability. Events flow from the control loop and checkpointer to
// subscribers (the WebSocket handler and the MQTT publisher). The bus
// is nil-safe: calling Publish on a nil *Bus is a no-op, so components
// do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the control loop.
	SourceAgent = "agent"
	// SourceCheckpoint identifies events from the checkpointer.
	SourceCheckpoint = "checkpoint"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of a loop run.
	// Data: session_id, query_len.
	KindRequestStart = "request_start"
	// KindCanned signals the canned path was taken.
	// Data: session_id, rule, version.
	KindCanned = "canned"
	// KindLLMCall signals the start of a reasoning call.
	// Data: session_id, iter.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a reasoning call.
	// Data: session_id, iter, terminal, tool_requests, elapsed_ms.
	KindLLMResponse = "llm_response"
	// KindStatus signals a status turn was appended.
	// Data: session_id, content.
	KindStatus = "status"
	// KindToolCall signals the start of a tool execution.
	// Data: session_id, tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: session_id, tool, call_id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindCeilingReached signals forced termination at the iteration
	// ceiling. Data: session_id, iterations, ceiling.
	KindCeilingReached = "ceiling_reached"
	// KindRequestComplete signals the end of a loop run.
	// Data: session_id, iterations, turns, canned, ceiling_hit, elapsed_ms.
	KindRequestComplete = "request_complete"
	// KindRequestError signals a loop run that ended with an error.
	// Data: session_id, error.
	KindRequestError = "request_error"

	// KindCheckpointCreated signals a snapshot was written.
	// Data: id, trigger, sessions, turns, bytes.
	KindCheckpointCreated = "checkpoint_created"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// SessionID returns Data["session_id"] or "".
func (e Event) SessionID() string {
	id, _ := e.Data["session_id"].(string)
	return id
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps and publishes an event. Safe to call on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
