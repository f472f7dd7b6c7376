// Package stream implements the Streaming Bridge (SPEC_FULL.md §4.G): a
// per-turn event channel that the Virtual Machine writes to and the HTTP
// Surface drains as Server-Sent Events, with coalescing back-pressure so a
// slow client falls behind on token deltas rather than dropping frames.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType enumerates the wire event types this bridge emits.
type EventType string

const (
	EventToken         EventType = "token"
	EventToolStarted   EventType = "tool_started"
	EventToolCompleted EventType = "tool_completed"
	EventFinal         EventType = "final"
	EventError         EventType = "error"
	EventStop          EventType = "stop"
)

// Event is one SSE frame. Seq is monotone per Bridge, letting a client
// detect a dropped frame even though the kernel itself never drops one.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// TokenData is the payload of an EventToken frame.
type TokenData struct {
	Text string `json:"text"`
}

// ToolStartedData is the payload of an EventToolStarted frame.
type ToolStartedData struct {
	InvocationID string `json:"invocation_id"`
	ToolName     string `json:"tool_name"`
}

// ToolCompletedData is the payload of an EventToolCompleted frame. Status is
// "success" or "error"; Output carries the tool's raw result on success,
// Error carries the failure message on error.
type ToolCompletedData struct {
	InvocationID string          `json:"invocation_id"`
	ToolName     string          `json:"tool_name"`
	Status       string          `json:"status"`
	DurationMS   int64           `json:"duration_ms"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// FinalData is the payload of an EventFinal frame: the assistant's
// completed message and any best-effort summary metadata.
type FinalData struct {
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ErrorData is the payload of an EventError frame.
type ErrorData struct {
	Message string `json:"message"`
}

// JSON renders an Event as the bytes that go after "data: " on the wire.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Sink receives Events. The HTTP Surface implements Sink by writing SSE
// frames; tests implement it with a plain slice collector.
type Sink interface {
	Publish(e Event) error
}

// Bridge is one turn's event stream: an atomic sequencer with typed Emit*
// helpers in front of a bounded, coalescing buffer, so a full buffer merges
// the pending token delta instead of dropping an event.
type Bridge struct {
	seq  int64
	sink Sink

	mu          sync.Mutex
	pending     *Event // a pending, not-yet-flushed coalesced token event
	buf         chan Event
	flushOnce   sync.Once
	closeOnce   sync.Once
	done        chan struct{}
	flusherStop chan struct{}
}

// New constructs a Bridge writing into sink, with a buffer of bufferSize
// events between the producer (Virtual Machine) and the consumer (HTTP
// Surface's SSE writer goroutine).
func New(sink Sink, bufferSize int) *Bridge {
	b := &Bridge{
		sink:        sink,
		buf:         make(chan Event, bufferSize),
		done:        make(chan struct{}),
		flusherStop: make(chan struct{}),
	}
	go b.drain()
	return b
}

func (b *Bridge) nextSeq() int64 {
	return atomic.AddInt64(&b.seq, 1)
}

func (b *Bridge) emit(t EventType, data any) {
	e := Event{Seq: b.nextSeq(), Type: t, Timestamp: time.Now(), Data: data}

	if t == EventToken {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.pending != nil {
			// Coalesce consecutive token deltas rather than dropping or
			// blocking the Virtual Machine under back-pressure.
			prev := b.pending.Data.(TokenData)
			cur := data.(TokenData)
			b.pending.Data = TokenData{Text: prev.Text + cur.Text}
			return
		}

		select {
		case b.buf <- e:
		default:
			// Buffer briefly full: leave it pending for the next emit to
			// coalesce into, rather than dropping it on the floor.
			b.pending = &e
		}
		return
	}

	// Non-token events are never coalesced or dropped: flush any pending
	// coalesced token first to preserve ordering, then send, blocking if
	// necessary so tool_started/tool_completed/final/error/stop ordering
	// guarantees hold.
	b.flushPending()
	b.buf <- e
}

func (b *Bridge) flushPending() {
	b.mu.Lock()
	p := b.pending
	b.pending = nil
	b.mu.Unlock()
	if p != nil {
		b.buf <- *p
	}
}

func (b *Bridge) drain() {
	for {
		select {
		case e := <-b.buf:
			_ = b.sink.Publish(e)
		case <-b.flusherStop:
			// Drain whatever remains, then stop.
			for {
				select {
				case e := <-b.buf:
					_ = b.sink.Publish(e)
				default:
					close(b.done)
					return
				}
			}
		}
	}
}

// EmitToken appends text to the in-flight assistant message.
func (b *Bridge) EmitToken(text string) { b.emit(EventToken, TokenData{Text: text}) }

// EmitToolStarted announces a tool invocation beginning.
func (b *Bridge) EmitToolStarted(invocationID, toolName string) {
	b.emit(EventToolStarted, ToolStartedData{InvocationID: invocationID, ToolName: toolName})
}

// EmitToolCompleted announces a tool invocation's outcome: status is
// "success" or "error" depending on whether errText is empty.
func (b *Bridge) EmitToolCompleted(invocationID, toolName string, durationMS int64, output json.RawMessage, errText string) {
	status := "success"
	if errText != "" {
		status = "error"
	}
	b.emit(EventToolCompleted, ToolCompletedData{
		InvocationID: invocationID,
		ToolName:     toolName,
		Status:       status,
		DurationMS:   durationMS,
		Output:       output,
		Error:        errText,
	})
}

// EmitFinal announces the turn's completed assistant message.
func (b *Bridge) EmitFinal(content string, meta map[string]any) {
	b.emit(EventFinal, FinalData{Content: content, Meta: meta})
}

// EmitError announces a driver or kernel error terminating the turn.
func (b *Bridge) EmitError(message string) {
	b.emit(EventError, ErrorData{Message: message})
}

// EmitStop announces the stream is closing. Always the last frame.
func (b *Bridge) EmitStop() {
	b.emit(EventStop, nil)
}

// Close flushes any pending coalesced event and stops the drain goroutine,
// blocking until every buffered event has reached the Sink.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.flushPending()
		close(b.flusherStop)
		<-b.done
	})
}
