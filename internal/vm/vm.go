// Package vm implements the Virtual Machine (SPEC_FULL.md §4.D): the
// tool-calling chat loop that drives one conversation turn over a
// driver-agnostic llm.Driver.
package vm

import (
	"context"
	"fmt"
	"time"

	"okcvm/internal/okcerr"
	"okcvm/internal/stream"
	"okcvm/internal/toolregistry"
	"okcvm/pkg/convo"
	"okcvm/pkg/llm"
	"okcvm/pkg/tool"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("okcvm/vm")

const defaultMaxSteps = 24

// IDGenerator names history entries "<namespace>-<seq>", mirroring the
// HistoryEntry id scheme SPEC_FULL.md §4.D describes.
type IDGenerator struct {
	namespace string
	seq       int
}

func NewIDGenerator(namespace string) *IDGenerator { return &IDGenerator{namespace: namespace} }

func (g *IDGenerator) Next() string {
	g.seq++
	return fmt.Sprintf("%s-%04d", g.namespace, g.seq)
}

// VM runs one conversation's turns: given a user message, it drives the
// generate -> inspect tool calls -> execute -> feed back loop until the
// driver produces a final answer with no further tool calls, or the step
// budget / context is exhausted.
type VM struct {
	driver      llm.Driver
	registry    *toolregistry.Registry
	toolTimeout time.Duration
	maxSteps    int
}

// Option configures a VM at construction.
type Option func(*VM)

func WithMaxSteps(n int) Option           { return func(v *VM) { v.maxSteps = n } }
func WithToolTimeout(d time.Duration) Option { return func(v *VM) { v.toolTimeout = d } }

// New constructs a VM bound to one driver and tool registry.
func New(driver llm.Driver, registry *toolregistry.Registry, opts ...Option) *VM {
	v := &VM{
		driver:      driver,
		registry:    registry,
		toolTimeout: 60 * time.Second,
		maxSteps:    defaultMaxSteps,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RespondOptions bundles everything one Respond call needs beyond the
// conversation state itself.
type RespondOptions struct {
	SystemPrompt  string
	ClientID      string
	WorkspaceRoot string
	Resolve       func(path string) (string, error)
	Bridge        *stream.Bridge // optional; nil means no streaming
	IDGen         *IDGenerator
}

// Respond appends a user message, then runs the tool-calling loop to
// completion, appending every intermediate tool-request/tool-result pair
// and the final assistant message to conv. Returns the newly appended
// entries so the caller (Session State) can persist them.
func (v *VM) Respond(ctx context.Context, conv *convo.Conversation, userMessage string, opts RespondOptions) ([]*convo.HistoryEntry, error) {
	ctx, span := tracer.Start(ctx, "vm.respond", trace.WithAttributes(
		attribute.String("client_id", opts.ClientID),
		attribute.String("conversation_id", conv.ID),
	))
	defer span.End()

	var appended []*convo.HistoryEntry

	userEntry := &convo.HistoryEntry{
		ID:        opts.IDGen.Next(),
		Role:      convo.RoleUser,
		Content:   userMessage,
		CreatedAt: time.Now(),
	}
	conv.AppendEntry(userEntry)
	appended = append(appended, userEntry)

	toolSpecs := v.registry.List()

	for step := 1; step <= v.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return appended, &okcerr.CancelledError{}
		}

		req := llm.Request{
			System:   opts.SystemPrompt,
			Messages: toMessages(conv.RecentHistory(0)),
			Tools:    toolSpecs,
		}

		deltas, err := v.driver.Generate(ctx, req)
		if err != nil {
			if opts.Bridge != nil {
				opts.Bridge.EmitError(err.Error())
			}
			return appended, &okcerr.LLMError{Err: err}
		}

		var textBuf string
		var toolCalls []llm.ToolCall
		var usage *llm.Usage
		var driverErr error

		for d := range deltas {
			switch d.Type {
			case llm.DeltaToken:
				textBuf += d.Text
				if opts.Bridge != nil {
					opts.Bridge.EmitToken(d.Text)
				}
			case llm.DeltaToolCall:
				if d.ToolCall != nil {
					toolCalls = append(toolCalls, *d.ToolCall)
				}
			case llm.DeltaDone:
				usage = d.Usage
			case llm.DeltaError:
				driverErr = d.Err
			}
		}

		if driverErr != nil {
			if opts.Bridge != nil {
				opts.Bridge.EmitError(driverErr.Error())
			}
			return appended, &okcerr.LLMError{Err: driverErr}
		}

		if len(toolCalls) == 0 {
			entry := &convo.HistoryEntry{
				ID:        opts.IDGen.Next(),
				Role:      convo.RoleAssistant,
				Content:   textBuf,
				CreatedAt: time.Now(),
			}
			if usage != nil {
				entry.TokenUsage = &convo.TokenUsage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}
			}
			conv.AppendEntry(entry)
			appended = append(appended, entry)

			if opts.Bridge != nil {
				meta := map[string]any{"summary": summarize(appended)}
				opts.Bridge.EmitFinal(textBuf, meta)
			}
			return appended, nil
		}

		assistantEntry := &convo.HistoryEntry{
			ID:        opts.IDGen.Next(),
			Role:      convo.RoleAssistant,
			Content:   textBuf,
			CreatedAt: time.Now(),
		}
		conv.AppendEntry(assistantEntry)
		appended = append(appended, assistantEntry)

		var invocations []tool.Invocation
		for _, call := range toolCalls {
			inv := v.executeTool(ctx, opts, call)
			invocations = append(invocations, inv)
		}

		toolEntry := &convo.HistoryEntry{
			ID:              opts.IDGen.Next(),
			Role:            convo.RoleTool,
			ToolInvocations: invocations,
			CreatedAt:       time.Now(),
		}
		conv.AppendEntry(toolEntry)
		appended = append(appended, toolEntry)
	}

	if opts.Bridge != nil {
		opts.Bridge.EmitError("max steps exceeded without a final answer")
	}
	return appended, fmt.Errorf("vm: exceeded max steps (%d) without a final answer", v.maxSteps)
}

func (v *VM) executeTool(ctx context.Context, opts RespondOptions, call llm.ToolCall) tool.Invocation {
	invocationID := call.ID
	if invocationID == "" {
		invocationID = uuid.New().String()
	}

	if opts.Bridge != nil {
		opts.Bridge.EmitToolStarted(invocationID, call.Name)
	}

	toolCtx, cancel := context.WithTimeout(ctx, v.toolTimeout)
	defer cancel()

	spec, _ := v.registry.Get(call.Name)

	start := time.Now()
	cc := tool.CallContext{Context: toolCtx, ClientID: opts.ClientID, Resolve: opts.Resolve}
	if spec.RequiresWorkspace {
		cc.WorkspaceRoot = opts.WorkspaceRoot
	}

	output, err := v.registry.Call(cc, call.Name, call.Input)
	duration := time.Since(start)

	inv := tool.Invocation{
		ID:         invocationID,
		ToolName:   call.Name,
		Input:      call.Input,
		StartedAt:  start,
		DurationMS: duration.Milliseconds(),
	}

	errText := ""
	if err != nil {
		errText = err.Error()
		inv.Error = errText
	} else {
		inv.Output = output
	}

	if opts.Bridge != nil {
		opts.Bridge.EmitToolCompleted(invocationID, call.Name, duration.Milliseconds(), inv.Output, errText)
	}

	return inv
}

// Info is the VM's self-description, per SPEC_FULL.md §4.D's Describe
// operation. It takes plain strings for the workspace fields rather than a
// workspace.Paths so this package stays free of a workspace import.
type Info struct {
	SystemPrompt     string     `json:"system_prompt"`
	Tools            []tool.Spec `json:"tools"`
	HistoryLength    int        `json:"history_length"`
	WorkspaceID      string     `json:"workspace_id"`
	WorkspaceMount   string     `json:"workspace_mount"`
	WorkspaceOutput  string     `json:"workspace_output"`
	HistoryNamespace string     `json:"history_namespace"`
}

// Describe reports the VM's bound tools alongside the caller-supplied
// system prompt, history accounting, and workspace identity.
func (v *VM) Describe(systemPrompt string, historyLength int, historyNamespace, workspaceID, workspaceMount, workspaceOutput string) *Info {
	return &Info{
		SystemPrompt:     systemPrompt,
		Tools:            v.registry.List(),
		HistoryLength:    historyLength,
		WorkspaceID:      workspaceID,
		WorkspaceMount:   workspaceMount,
		WorkspaceOutput:  workspaceOutput,
		HistoryNamespace: historyNamespace,
	}
}

func toMessages(entries []*convo.HistoryEntry) []llm.Message {
	out := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		role := llm.RoleUser
		switch e.Role {
		case convo.RoleAssistant:
			role = llm.RoleAssistant
		case convo.RoleTool:
			role = llm.RoleTool
		}
		msg := llm.Message{Role: role, Content: e.Content}
		for _, inv := range e.ToolInvocations {
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: inv.ID, Name: inv.ToolName, Input: inv.Input})
			msg.ToolResults = append(msg.ToolResults, llm.ToolResult{ToolCallID: inv.ID, Output: inv.Output, Error: inv.Error})
		}
		out = append(out, msg)
	}
	return out
}

// summarize implements SPEC_FULL.md §9's stable meta.summary resolution:
// the last successful tool invocation's output, truncated to 200 runes and
// prefixed with the tool name. Returns "" when no tool ran this turn.
func summarize(entries []*convo.HistoryEntry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		for j := len(entries[i].ToolInvocations) - 1; j >= 0; j-- {
			inv := entries[i].ToolInvocations[j]
			if inv.Error != "" || len(inv.Output) == 0 {
				continue
			}
			runes := []rune(string(inv.Output))
			if len(runes) > 200 {
				runes = runes[:200]
			}
			return fmt.Sprintf("%s: %s", inv.ToolName, string(runes))
		}
	}
	return ""
}
