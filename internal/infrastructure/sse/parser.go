// Package sse interprets OpenAI chunk-delta semantics from a stream of
// server-sent-event payloads, accumulating textual content, reconstructing
// tool calls and capturing finish reason and usage.
package sse

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/playingpack/playingpack/internal/domain/entity"
)

const donePayload = "[DONE]"

// Callbacks receive parse events as they occur. Any field may be nil.
type Callbacks struct {
	OnContent        func(text string)
	OnToolCall       func(call entity.ToolCall)               // First delta for an index
	OnToolCallUpdate func(index int, fragment string)         // Argument continuation
	OnFinishReason   func(reason string)                      // Fires once
	OnUsage          func(usage entity.Usage)                 // Fires once
	OnDone           func()                                   // The [DONE] sentinel
	OnError          func(payload string, err error)          // Malformed payload; parse continues
}

// toolCallAccumulator collects tool call fragments for one index.
// Continuation deltas may omit id and name; the opener may omit arguments.
type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// Parser is a streaming SSE chunk parser. It is not safe for concurrent
// use; each request owns its own parser.
type Parser struct {
	cb Callbacks

	buf       bytes.Buffer
	content   strings.Builder
	calls     map[int]*toolCallAccumulator
	finish    string
	finishSet bool
	usage     *entity.Usage
	done      bool
}

// NewParser creates a parser delivering events to cb.
func NewParser(cb Callbacks) *Parser {
	return &Parser{
		cb:    cb,
		calls: make(map[int]*toolCallAccumulator),
	}
}

// Write accepts raw wire bytes and extracts `data: ` framed payloads as
// complete lines arrive. Partial lines are buffered across calls, so chunk
// boundaries may fall anywhere. Implements io.Writer; never returns an
// error (malformed payloads surface through OnError).
func (p *Parser) Write(b []byte) (int, error) {
	p.buf.Write(b)
	for {
		raw := p.buf.Bytes()
		nl := bytes.IndexByte(raw, '\n')
		if nl < 0 {
			return len(b), nil
		}
		line := string(bytes.TrimRight(raw[:nl], "\r"))
		p.buf.Next(nl + 1)

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		p.Feed(strings.TrimPrefix(line, "data: "))
	}
}

// Flush processes any complete lines still buffered. Call after the last
// Write if the stream did not end with a newline.
func (p *Parser) Flush() {
	if p.buf.Len() == 0 {
		return
	}
	line := strings.TrimRight(p.buf.String(), "\r\n")
	p.buf.Reset()
	if strings.HasPrefix(line, "data: ") {
		p.Feed(strings.TrimPrefix(line, "data: "))
	}
}

// Feed processes one already-unframed event payload.
func (p *Parser) Feed(payload string) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return
	}

	if payload == donePayload {
		p.done = true
		if p.cb.OnDone != nil {
			p.cb.OnDone()
		}
		return
	}

	var chunk chunkData
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		if p.cb.OnError != nil {
			p.cb.OnError(payload, err)
		}
		return
	}

	if chunk.Usage != nil && p.usage == nil {
		p.usage = &entity.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
		if p.cb.OnUsage != nil {
			p.cb.OnUsage(*p.usage)
		}
	}

	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		p.content.WriteString(choice.Delta.Content)
		if p.cb.OnContent != nil {
			p.cb.OnContent(choice.Delta.Content)
		}
	}

	for _, tc := range choice.Delta.ToolCalls {
		p.feedToolCall(tc)
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" && !p.finishSet {
		p.finish = *choice.FinishReason
		p.finishSet = true
		if p.cb.OnFinishReason != nil {
			p.cb.OnFinishReason(p.finish)
		}
	}
}

func (p *Parser) feedToolCall(tc toolCallDelta) {
	acc, seen := p.calls[tc.Index]
	if !seen {
		acc = &toolCallAccumulator{id: tc.ID, name: tc.Function.Name}
		acc.args.WriteString(tc.Function.Arguments)
		p.calls[tc.Index] = acc
		if p.cb.OnToolCall != nil {
			p.cb.OnToolCall(entity.ToolCall{
				Index:     tc.Index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		return
	}

	// Continuations occasionally repeat id/name; keep the first non-empty.
	if acc.id == "" {
		acc.id = tc.ID
	}
	if acc.name == "" {
		acc.name = tc.Function.Name
	}
	acc.args.WriteString(tc.Function.Arguments)
	if p.cb.OnToolCallUpdate != nil {
		p.cb.OnToolCallUpdate(tc.Index, tc.Function.Arguments)
	}
}

// Content returns the accumulated assistant text.
func (p *Parser) Content() string {
	return p.content.String()
}

// ToolCalls returns the reconstructed tool calls ordered by index.
func (p *Parser) ToolCalls() []entity.ToolCall {
	indexes := make([]int, 0, len(p.calls))
	for idx := range p.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]entity.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		acc := p.calls[idx]
		out = append(out, entity.ToolCall{
			Index:     idx,
			ID:        acc.id,
			Name:      acc.name,
			Arguments: acc.args.String(),
		})
	}
	return out
}

// FinishReason returns the first non-null finish reason, or "".
func (p *Parser) FinishReason() string {
	return p.finish
}

// Usage returns the captured usage, or nil.
func (p *Parser) Usage() *entity.Usage {
	return p.usage
}

// Done reports whether the [DONE] sentinel was seen.
func (p *Parser) Done() bool {
	return p.done
}

// AssembledMessage reconstructs OpenAI's non-streaming message shape.
// When any tool calls were observed, content is null.
func (p *Parser) AssembledMessage() map[string]any {
	msg := map[string]any{"role": "assistant"}

	calls := p.ToolCalls()
	if len(calls) > 0 {
		msg["content"] = nil
		tcs := make([]map[string]any, 0, len(calls))
		for _, c := range calls {
			tcs = append(tcs, map[string]any{
				"id":   c.ID,
				"type": "function",
				"function": map[string]any{
					"name":      c.Name,
					"arguments": c.Arguments,
				},
			})
		}
		msg["tool_calls"] = tcs
		return msg
	}

	msg["content"] = p.content.String()
	return msg
}

// AssembledCompletion builds a full non-streaming chat.completion object
// from the parsed stream. Used when a stream-recorded cache entry is
// served to a caller that did not request streaming.
func (p *Parser) AssembledCompletion(id, model string, created int64) map[string]any {
	finish := p.finish
	if finish == "" {
		if len(p.calls) > 0 {
			finish = "tool_calls"
		} else {
			finish = "stop"
		}
	}

	completion := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       p.AssembledMessage(),
				"finish_reason": finish,
			},
		},
	}
	if p.usage != nil {
		completion["usage"] = map[string]any{
			"prompt_tokens":     p.usage.PromptTokens,
			"completion_tokens": p.usage.CompletionTokens,
			"total_tokens":      p.usage.TotalTokens,
		}
	}
	return completion
}
