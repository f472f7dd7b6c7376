package vm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"okcvm/internal/stream"
	"okcvm/internal/toolregistry"
	"okcvm/pkg/convo"
	"okcvm/pkg/llm/testdriver"
	"okcvm/pkg/tool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConversation(id string) *convo.Conversation {
	return &convo.Conversation{
		ID:        id,
		ClientID:  "acme",
		CreatedAt: time.Now(),
		Entries:   make(map[string]*convo.HistoryEntry),
	}
}

func TestRespond_TextOnlyTurnAppendsUserAndAssistant(t *testing.T) {
	driver := testdriver.New(testdriver.TextStep("hello there"))
	registry := toolregistry.New()
	v := New(driver, registry)

	conv := newConversation("c1")
	entries, err := v.Respond(context.Background(), conv, "hi", RespondOptions{IDGen: NewIDGenerator("c1")})

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, convo.RoleUser, entries[0].Role)
	assert.Equal(t, convo.RoleAssistant, entries[1].Role)
	assert.Equal(t, "hello there", entries[1].Content)
}

func TestRespond_ToolCallThenFinalAnswer(t *testing.T) {
	registry := toolregistry.New()
	require.NoError(t, registry.LoadManifest([]toolregistry.ManifestEntry{
		{Name: "echo", Description: "echoes"},
	}))
	registry.Register("echo", func(cc tool.CallContext, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
	})

	driver := testdriver.New(
		testdriver.ToolCallStep("call-1", "echo", `{"text":"hi"}`),
		testdriver.TextStep("done"),
	)
	v := New(driver, registry)

	conv := newConversation("c2")
	entries, err := v.Respond(context.Background(), conv, "please echo hi", RespondOptions{IDGen: NewIDGenerator("c2")})

	require.NoError(t, err)
	require.Len(t, entries, 4) // user, assistant(empty), tool, assistant(final)

	toolEntry := entries[2]
	require.Equal(t, convo.RoleTool, toolEntry.Role)
	require.Len(t, toolEntry.ToolInvocations, 1)
	assert.Equal(t, "echo", toolEntry.ToolInvocations[0].ToolName)
	assert.Empty(t, toolEntry.ToolInvocations[0].Error)

	assert.Equal(t, "done", entries[3].Content)
}

func TestRespond_UnknownToolCapturedAsInvocationErrorNotTurnFailure(t *testing.T) {
	registry := toolregistry.New()
	driver := testdriver.New(
		testdriver.ToolCallStep("call-1", "does_not_exist", `{}`),
		testdriver.TextStep("recovered"),
	)
	v := New(driver, registry)

	conv := newConversation("c3")
	entries, err := v.Respond(context.Background(), conv, "go", RespondOptions{IDGen: NewIDGenerator("c3")})

	require.NoError(t, err)
	toolEntry := entries[2]
	require.Len(t, toolEntry.ToolInvocations, 1)
	assert.NotEmpty(t, toolEntry.ToolInvocations[0].Error)
	assert.Equal(t, "recovered", entries[len(entries)-1].Content)
}

func TestRespond_EmitsStreamEventsInOrder(t *testing.T) {
	registry := toolregistry.New()
	driver := testdriver.New(testdriver.TextStep("a b c"))
	v := New(driver, registry)

	var collected []stream.EventType
	sink := sinkFunc(func(e stream.Event) error {
		collected = append(collected, e.Type)
		return nil
	})
	bridge := stream.New(sink, 8)

	conv := newConversation("c4")
	_, err := v.Respond(context.Background(), conv, "hi", RespondOptions{
		IDGen:  NewIDGenerator("c4"),
		Bridge: bridge,
	})
	require.NoError(t, err)
	bridge.Close()

	require.NotEmpty(t, collected)
	assert.Equal(t, stream.EventFinal, collected[len(collected)-1])
}

type sinkFunc func(stream.Event) error

func (f sinkFunc) Publish(e stream.Event) error { return f(e) }
