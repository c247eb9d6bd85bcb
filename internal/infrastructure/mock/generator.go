// Package mock synthesises OpenAI-shaped responses from operator-supplied
// content strings, for serving in place of (or instead of) the upstream.
package mock

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind is the recognised form of an operator content string.
type Kind int

const (
	KindText Kind = iota // Plain assistant text
	KindToolCall         // JSON object with a "function" key
	KindError            // "ERROR:" prefix
)

const (
	errorPrefix   = "ERROR:"
	textTokenSize = 4  // Characters per streamed content chunk
	argsTokenSize = 10 // Characters per streamed argument fragment

	defaultTextDelay = 20 * time.Millisecond
	defaultToolDelay = 10 * time.Millisecond
)

// Spec is the parsed interpretation of an operator content string.
type Spec struct {
	Kind     Kind
	Text     string // KindText: assistant text; KindError: error message
	ToolName string
	ToolArgs string // JSON-encoded arguments string
}

// Parse interprets the three textual conventions:
//
//   - "ERROR: <msg>"                       → error response (HTTP 400)
//   - {"function": "name", "arguments": …} → tool call
//   - anything else                        → plain assistant text
func Parse(content string) Spec {
	if strings.HasPrefix(content, errorPrefix) {
		return Spec{
			Kind: KindError,
			Text: strings.TrimSpace(strings.TrimPrefix(content, errorPrefix)),
		}
	}

	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		var obj struct {
			Function  string `json:"function"`
			Arguments any    `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj.Function != "" {
			args := obj.Arguments
			if args == nil {
				args = map[string]any{}
			}
			encoded, err := json.Marshal(args)
			if err != nil {
				encoded = []byte("{}")
			}
			return Spec{
				Kind:     KindToolCall,
				ToolName: obj.Function,
				ToolArgs: string(encoded),
			}
		}
	}

	return Spec{Kind: KindText, Text: content}
}

// Chunk is one emission unit of a generated response. For SSE scripts the
// data includes the `data: <json>\n\n` framing.
type Chunk struct {
	Data  string
	Delay time.Duration
}

// Script is a fully generated response ready for buffering or emission.
type Script struct {
	Status      int
	ContentType string
	Chunks      []Chunk
}

// Bytes concatenates the script's chunk data.
func (s *Script) Bytes() []byte {
	var b strings.Builder
	for _, c := range s.Chunks {
		b.WriteString(c.Data)
	}
	return []byte(b.String())
}

// Options tune chunking delays; zero values select the defaults.
type Options struct {
	TextDelay time.Duration
	ToolDelay time.Duration
}

// Generator produces mock response scripts. The clock is injectable so
// tests get stable ids.
type Generator struct {
	opts Options
	now  func() time.Time
}

// NewGenerator creates a generator with the given options.
func NewGenerator(opts Options) *Generator {
	if opts.TextDelay == 0 {
		opts.TextDelay = defaultTextDelay
	}
	if opts.ToolDelay == 0 {
		opts.ToolDelay = defaultToolDelay
	}
	return &Generator{opts: opts, now: time.Now}
}

// Generate renders the operator content as a response script. Errors are
// always a non-streaming 400 JSON body; text and tool calls stream when
// stream is set and collapse to a single chat.completion object otherwise.
func (g *Generator) Generate(content, model string, stream bool) *Script {
	spec := Parse(content)

	switch spec.Kind {
	case KindError:
		return g.errorScript(spec)
	case KindToolCall:
		if stream {
			return g.streamToolCall(spec, model)
		}
		return g.completionScript(spec, model)
	default:
		if stream {
			return g.streamText(spec, model)
		}
		return g.completionScript(spec, model)
	}
}

func (g *Generator) errorScript(spec Spec) *Script {
	body := map[string]any{
		"error": map[string]any{
			"message": spec.Text,
			"type":    "invalid_request_error",
			"param":   nil,
			"code":    nil,
		},
	}
	data, _ := json.Marshal(body)
	return &Script{
		Status:      http.StatusBadRequest,
		ContentType: "application/json",
		Chunks:      []Chunk{{Data: string(data)}},
	}
}

func (g *Generator) streamText(spec Spec, model string) *Script {
	id := g.completionID()
	created := g.now().Unix()

	chunks := []Chunk{
		g.sseChunk(id, model, created, map[string]any{"role": "assistant", "content": ""}, nil, 0),
	}
	for _, token := range splitTokens(spec.Text, textTokenSize) {
		chunks = append(chunks,
			g.sseChunk(id, model, created, map[string]any{"content": token}, nil, g.opts.TextDelay))
	}
	chunks = append(chunks,
		g.sseChunk(id, model, created, map[string]any{}, strPtr("stop"), g.opts.TextDelay),
		Chunk{Data: "data: [DONE]\n\n"},
	)

	return &Script{Status: http.StatusOK, ContentType: "text/event-stream", Chunks: chunks}
}

func (g *Generator) streamToolCall(spec Spec, model string) *Script {
	id := g.completionID()
	callID := fmt.Sprintf("call_mock_%d", g.now().UnixMilli())
	created := g.now().Unix()

	fragments := splitTokens(spec.ToolArgs, argsTokenSize)
	opening := ""
	if len(fragments) > 0 {
		opening = fragments[0]
		fragments = fragments[1:]
	}

	chunks := []Chunk{
		g.sseChunk(id, model, created, map[string]any{"role": "assistant", "content": nil}, nil, 0),
		g.sseChunk(id, model, created, map[string]any{
			"tool_calls": []map[string]any{{
				"index": 0,
				"id":    callID,
				"type":  "function",
				"function": map[string]any{
					"name":      spec.ToolName,
					"arguments": opening,
				},
			}},
		}, nil, g.opts.ToolDelay),
	}
	for _, frag := range fragments {
		chunks = append(chunks, g.sseChunk(id, model, created, map[string]any{
			"tool_calls": []map[string]any{{
				"index":    0,
				"function": map[string]any{"arguments": frag},
			}},
		}, nil, g.opts.ToolDelay))
	}
	chunks = append(chunks,
		g.sseChunk(id, model, created, map[string]any{}, strPtr("tool_calls"), g.opts.ToolDelay),
		Chunk{Data: "data: [DONE]\n\n"},
	)

	return &Script{Status: http.StatusOK, ContentType: "text/event-stream", Chunks: chunks}
}

func (g *Generator) completionScript(spec Spec, model string) *Script {
	message := map[string]any{"role": "assistant"}
	finish := "stop"
	if spec.Kind == KindToolCall {
		message["content"] = nil
		message["tool_calls"] = []map[string]any{{
			"id":   fmt.Sprintf("call_mock_%d", g.now().UnixMilli()),
			"type": "function",
			"function": map[string]any{
				"name":      spec.ToolName,
				"arguments": spec.ToolArgs,
			},
		}}
		finish = "tool_calls"
	} else {
		message["content"] = spec.Text
	}

	body := map[string]any{
		"id":      g.completionID(),
		"object":  "chat.completion",
		"created": g.now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{"index": 0, "message": message, "finish_reason": finish},
		},
	}
	data, _ := json.Marshal(body)
	return &Script{
		Status:      http.StatusOK,
		ContentType: "application/json",
		Chunks:      []Chunk{{Data: string(data)}},
	}
}

func (g *Generator) completionID() string {
	return fmt.Sprintf("chatcmpl-mock-%d", g.now().UnixMilli())
}

func (g *Generator) sseChunk(id, model string, created int64, delta map[string]any, finish *string, delay time.Duration) Chunk {
	payload := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{
			{"index": 0, "delta": delta, "finish_reason": finish},
		},
	}
	data, _ := json.Marshal(payload)
	return Chunk{Data: "data: " + string(data) + "\n\n", Delay: delay}
}

func splitTokens(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	out := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

func strPtr(s string) *string {
	return &s
}
