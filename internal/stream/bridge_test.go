package stream

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectingSink) Publish(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *collectingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestBridge_PreservesOrderingGuarantees(t *testing.T) {
	sink := &collectingSink{}
	b := New(sink, 8)

	b.EmitToolStarted("inv-1", "shell")
	b.EmitToken("hello ")
	b.EmitToken("world")
	b.EmitToolCompleted("inv-1", "shell", 12, []byte(`"ok"`), "")
	b.EmitFinal("hello world", nil)
	b.EmitStop()
	b.Close()

	events := sink.snapshot()
	require.Len(t, events, 6, "tokens are sent one by one while the buffer has room")

	assert.Equal(t, EventToolStarted, events[0].Type)
	assert.Equal(t, EventToken, events[1].Type)
	assert.Equal(t, TokenData{Text: "hello "}, events[1].Data)
	assert.Equal(t, EventToken, events[2].Type)
	assert.Equal(t, TokenData{Text: "world"}, events[2].Data)
	assert.Equal(t, EventToolCompleted, events[3].Type)
	assert.Equal(t, EventFinal, events[4].Type)
	assert.Equal(t, EventStop, events[5].Type)

	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestBridge_ToolStartedPrecedesTokensAndToolCompleted(t *testing.T) {
	sink := &collectingSink{}
	b := New(sink, 1) // tiny buffer to exercise back-pressure coalescing

	for i := 0; i < 50; i++ {
		b.EmitToken("x")
	}
	b.EmitToolStarted("inv-2", "execute_code")
	b.EmitToolCompleted("inv-2", "execute_code", 5, nil, "boom")
	b.Close()

	events := sink.snapshot()
	require.NotEmpty(t, events)

	var sawToolStarted, sawToolCompleted bool
	for _, e := range events {
		if e.Type == EventToolStarted {
			sawToolStarted = true
		}
		if e.Type == EventToolCompleted {
			sawToolCompleted = true
			require.True(t, sawToolStarted, "tool_completed must not precede tool_started")
		}
	}
	assert.True(t, sawToolCompleted)
}

func TestBridge_CloseIsIdempotentAndFlushesPending(t *testing.T) {
	sink := &collectingSink{}
	b := New(sink, 4)

	b.EmitToken("buffered")
	b.Close()
	b.Close() // must not panic or double-close

	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "buffered", events[0].Data.(TokenData).Text)
}

func TestBridge_ConcurrentEmitDoesNotRace(t *testing.T) {
	sink := &collectingSink{}
	b := New(sink, 16)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.EmitToken("t")
		}()
	}
	wg.Wait()
	b.EmitStop()
	b.Close()

	events := sink.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, EventStop, events[len(events)-1].Type)
}
