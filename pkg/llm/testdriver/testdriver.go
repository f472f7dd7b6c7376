// Package testdriver is a deterministic, scripted llm.Driver used to
// exercise the Virtual Machine's Respond/streaming/snapshot pipeline in
// tests without a network call to a real model provider.
package testdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"okcvm/pkg/llm"
)

// Step is one scripted model turn: either a final text answer, or a tool
// call the Driver should request before the caller feeds back a
// RoleTool message and asks for the next step.
type Step struct {
	Text     string
	ToolCall *llm.ToolCall
}

// Driver replays Steps in order, one per Generate call, ignoring the
// incoming request content (the scenario is fixed at construction time).
// Safe for sequential use by one Virtual Machine turn; concurrent Respond
// calls for the same Driver are not supported, matching the kernel's own
// per-session serialization.
type Driver struct {
	steps []Step
	pos   int32
}

// New constructs a scripted driver that returns steps in order and then
// repeats its final step for any extra Generate call beyond the script's
// length (guarding against runaway test loops with a stable answer rather
// than a panic).
func New(steps ...Step) *Driver {
	return &Driver{steps: steps}
}

func (d *Driver) Generate(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	idx := int(atomic.AddInt32(&d.pos, 1)) - 1
	if idx >= len(d.steps) {
		idx = len(d.steps) - 1
	}
	if idx < 0 {
		return nil, fmt.Errorf("testdriver: no steps scripted")
	}
	step := d.steps[idx]

	out := make(chan llm.Delta, 4)
	go func() {
		defer close(out)

		if step.ToolCall != nil {
			select {
			case out <- llm.Delta{Type: llm.DeltaToolCall, ToolCall: step.ToolCall}:
			case <-ctx.Done():
				return
			}
		} else {
			for _, r := range splitWords(step.Text) {
				select {
				case out <- llm.Delta{Type: llm.DeltaToken, Text: r}:
				case <-ctx.Done():
					return
				}
			}
		}

		select {
		case out <- llm.Delta{Type: llm.DeltaDone, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 10}}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

func splitWords(s string) []string {
	var words []string
	var cur []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		cur = append(cur, c)
		if c == ' ' {
			words = append(words, string(cur))
			cur = nil
		}
	}
	if len(cur) > 0 {
		words = append(words, string(cur))
	}
	return words
}

// ToolCallStep is a convenience constructor for a Step that requests a tool
// call with inline JSON input.
func ToolCallStep(id, name, inputJSON string) Step {
	return Step{ToolCall: &llm.ToolCall{ID: id, Name: name, Input: json.RawMessage(inputJSON)}}
}

// TextStep is a convenience constructor for a Step that answers with final
// text and no tool call.
func TextStep(text string) Step {
	return Step{Text: text}
}
