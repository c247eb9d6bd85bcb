// Package application hosts the lifecycle engine: the per-request state
// machine that couples the cache store, upstream client, SSE parser, mock
// generator and session broker into one chat-completion flow.
package application

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/playingpack/playingpack/internal/domain/entity"
	"github.com/playingpack/playingpack/internal/domain/service"
	"github.com/playingpack/playingpack/internal/infrastructure/cache"
	"github.com/playingpack/playingpack/internal/infrastructure/fingerprint"
	"github.com/playingpack/playingpack/internal/infrastructure/mock"
	"github.com/playingpack/playingpack/internal/infrastructure/sse"
	"github.com/playingpack/playingpack/internal/infrastructure/upstream"
	"github.com/playingpack/playingpack/pkg/safego"
)

// Archiver persists completed sessions; nil disables archiving.
type Archiver interface {
	Save(*entity.Session)
}

// Chunk is one emission unit of the final reply. SSE replies carry the
// recorded (or synthesised) inter-chunk delay; JSON replies are a single
// chunk with no delay.
type Chunk struct {
	Data  string
	Delay time.Duration
}

// Reply is the fully buffered response, ready for emission. Nothing is
// written to the caller before the Reply exists, which is what allows the
// point-2 modify action to divert it wholesale.
type Reply struct {
	SessionID string
	Status    int
	SSE       bool // Emit as text/event-stream
	Cached    bool // Bytes originated from the cache store
	Mocked    bool // Bytes originated from the mock generator
	Chunks    []Chunk
	Source    entity.ResponseSource
	completed bool
}

// Bytes concatenates the reply's chunk data.
func (r *Reply) Bytes() []byte {
	var size int
	for _, c := range r.Chunks {
		size += len(c.Data)
	}
	out := make([]byte, 0, size)
	for _, c := range r.Chunks {
		out = append(out, c.Data...)
	}
	return out
}

// Engine orchestrates the request lifecycle. One Process call runs per
// inbound chat-completion request, in its own goroutine (the HTTP
// handler's), and may suspend at the two decision points.
type Engine struct {
	broker   *service.Broker
	settings *service.SettingsStore
	store    *cache.Store
	client   *upstream.Client
	mocks    *mock.Generator
	archive  Archiver
	logger   *zap.Logger

	// baseCtx bounds decision-point suspensions. A client disconnect must
	// not cancel a pending operator decision (the session is retained),
	// but process shutdown must.
	baseCtx context.Context
}

// NewEngine wires the engine. archive may be nil.
func NewEngine(
	baseCtx context.Context,
	broker *service.Broker,
	settings *service.SettingsStore,
	store *cache.Store,
	client *upstream.Client,
	mocks *mock.Generator,
	archive Archiver,
	logger *zap.Logger,
) *Engine {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Engine{
		baseCtx:  baseCtx,
		broker:   broker,
		settings: settings,
		store:    store,
		client:   client,
		mocks:    mocks,
		archive:  archive,
		logger:   logger.With(zap.String("component", "engine")),
	}
}

// Broker exposes the broker for the interfaces layer.
func (e *Engine) Broker() *service.Broker {
	return e.broker
}

// Settings exposes the settings store for the interfaces layer.
func (e *Engine) Settings() *service.SettingsStore {
	return e.settings
}

// ProcessChatCompletion runs the full lifecycle for one request and
// returns the buffered reply. clientCtx is the inbound connection's
// context: it aborts upstream streaming and cache-replay pacing, but not
// decision-point waits. Error outcomes are returned as error-shaped
// replies, never as a Go error; by the time this returns, the session is
// either complete (error paths) or awaiting Finish.
func (e *Engine) ProcessChatCompletion(clientCtx context.Context, body []byte, headers http.Header) *Reply {
	id := uuid.NewString()
	settings := e.settings.Snapshot()

	snap := parseSnapshot(body)

	fp, err := fingerprint.HashBytes(body)
	if err != nil {
		// The session does not exist yet; synthesise one so the failure is
		// visible to the operator.
		e.broker.Create(id, snap, "", false)
		return e.failReply(id, http.StatusInternalServerError, "proxy_error",
			fmt.Sprintf("fingerprint request: %v", err))
	}

	e.broker.Create(id, snap, fp, settings.Intervene)

	cacheAvailable := settings.Cache != entity.CacheOff && e.store.Exists(fp)
	e.broker.SetCacheAvailable(id, cacheAvailable)

	// Point 1: either the operator picks the source, or it is derived
	// from cache availability.
	var p1 entity.Point1Action
	if settings.Intervene {
		p1, err = e.broker.AwaitPoint1(e.baseCtx, id)
		if err != nil {
			return e.failReply(id, http.StatusInternalServerError, "proxy_error",
				fmt.Sprintf("point 1 wait: %v", err))
		}
	} else {
		e.broker.SetProcessing(id)
		switch {
		case cacheAvailable:
			p1 = entity.Point1Action{Type: entity.Point1Cache}
		case settings.Cache == entity.CacheRead:
			return e.cacheMissReply(id)
		default:
			p1 = entity.Point1Action{Type: entity.Point1LLM}
		}
	}

	acq, err := e.acquire(clientCtx, id, p1, body, headers, snap, settings)
	if err != nil {
		if p1.Type == entity.Point1Cache && !e.store.Exists(fp) {
			return e.failReply(id, http.StatusNotFound, "cache_not_found",
				fmt.Sprintf("no cached response for fingerprint %s", fp))
		}
		return e.failReply(id, http.StatusInternalServerError, "proxy_error", err.Error())
	}

	e.broker.SetResponseStatus(id, acq.reply.Status)

	// Point 2: the buffer is complete; the operator may pass it through
	// or replace it.
	if settings.Intervene {
		e.broker.SetReviewing(id)
		p2, err := e.broker.AwaitPoint2(e.baseCtx, id)
		if err != nil {
			return e.failReply(id, http.StatusInternalServerError, "proxy_error",
				fmt.Sprintf("point 2 wait: %v", err))
		}
		if p2.Type == entity.Point2Modify {
			acq = e.acquireFromMock(id, p2.Content, snap.Model, snap.Stream)
			e.broker.SetResponseStatus(id, acq.reply.Status)
		}
	}

	reply := acq.reply
	reply.SessionID = id

	// A stream-framed record served to a non-streaming caller is
	// re-assembled into a plain chat.completion body.
	if reply.SSE && !snap.Stream {
		reply = assembleJSONReply(reply, acq.parser, snap.Model)
	}

	e.broker.SetSource(id, reply.Source)
	return reply
}

// Finish marks the session complete after emission (or after a
// suppressed write) and archives it. Safe to call once per reply.
func (e *Engine) Finish(reply *Reply) {
	if reply == nil || reply.completed {
		return
	}
	reply.completed = true
	e.broker.Complete(reply.SessionID)
	e.archiveSession(reply.SessionID)
}

// ── acquisition ──

type acquisition struct {
	reply  *Reply
	parser *sse.Parser
}

func (e *Engine) acquire(
	clientCtx context.Context,
	id string,
	action entity.Point1Action,
	body []byte,
	headers http.Header,
	snap entity.RequestSnapshot,
	settings entity.Settings,
) (*acquisition, error) {
	switch action.Type {
	case entity.Point1Cache:
		return e.acquireFromCache(clientCtx, id)
	case entity.Point1Mock:
		return e.acquireFromMock(id, action.Content, snap.Model, snap.Stream), nil
	default:
		return e.acquireFromUpstream(clientCtx, id, body, headers, snap, settings)
	}
}

// sessionParser builds an SSE parser that mirrors parse events into the
// session's assembled view.
func (e *Engine) sessionParser(id string) *sse.Parser {
	return sse.NewParser(sse.Callbacks{
		OnContent: func(text string) {
			e.broker.AppendContent(id, text)
		},
		OnToolCall: func(call entity.ToolCall) {
			e.broker.AddToolCall(id, call)
		},
		OnToolCallUpdate: func(index int, fragment string) {
			e.broker.AppendToolCallArgs(id, index, fragment)
		},
		OnFinishReason: func(reason string) {
			e.broker.SetFinishReason(id, reason)
		},
		OnUsage: func(usage entity.Usage) {
			e.broker.SetUsage(id, usage)
		},
		OnError: func(payload string, err error) {
			e.logger.Debug("Malformed SSE payload",
				zap.String("session_id", id),
				zap.Error(err),
			)
		},
	})
}

// acquireFromCache materialises the cached record into a buffer, feeding
// the parser on the way so the session view is populated. Replay is fast
// (no sleeping); the recorded delays ride along on the chunks and are
// honoured at emission time.
func (e *Engine) acquireFromCache(clientCtx context.Context, id string) (*acquisition, error) {
	s, ok := e.broker.Get(id)
	if !ok {
		return nil, fmt.Errorf("session %s vanished", id)
	}
	rec, ok := e.store.Load(s.Fingerprint)
	if !ok {
		return nil, fmt.Errorf("no cached record for %s", s.Fingerprint)
	}

	parser := e.sessionParser(id)
	reply := &Reply{
		Status: rec.Response.Status,
		Cached: true,
		Source: entity.SourceCache,
	}

	err := cache.Replay(clientCtx, rec, true, func(c cache.Chunk) error {
		parser.Write([]byte(c.Data))
		reply.Chunks = append(reply.Chunks, Chunk{
			Data:  c.Data,
			Delay: time.Duration(c.DelayMS) * time.Millisecond,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache replay: %w", err)
	}
	parser.Flush()

	reply.SSE = isSSEBody(reply.Bytes())
	if !reply.SSE {
		e.applyJSONBody(id, reply.Bytes())
	}
	return &acquisition{reply: reply, parser: parser}, nil
}

// acquireFromUpstream forwards the request, streaming the response
// through the parser, the cache writer (read-write mode only) and the
// buffer. A non-OK status is still buffered and forwarded verbatim.
func (e *Engine) acquireFromUpstream(
	clientCtx context.Context,
	id string,
	body []byte,
	headers http.Header,
	snap entity.RequestSnapshot,
	settings entity.Settings,
) (*acquisition, error) {
	s, ok := e.broker.Get(id)
	if !ok {
		return nil, fmt.Errorf("session %s vanished", id)
	}

	res, err := e.client.Forward(clientCtx, http.MethodPost, "/v1/chat/completions",
		headers, body, settings.Upstream)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var writer *cache.Writer
	if settings.Cache == entity.CacheReadWrite {
		writer = e.store.NewWriter(s.Fingerprint, cache.RecordRequest{
			Model:    snap.Model,
			Messages: snap.Messages,
		})
	}

	parser := e.sessionParser(id)
	reply := &Reply{
		Status: res.Status,
		Source: entity.SourceLLM,
	}

	buf := make([]byte, 4096)
	for {
		n, readErr := res.Body.Read(buf)
		if n > 0 {
			data := string(buf[:n])
			parser.Write(buf[:n])
			reply.Chunks = append(reply.Chunks, Chunk{Data: data})
			if writer != nil {
				writer.Add(data)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read upstream stream: %w", readErr)
		}
	}
	parser.Flush()

	if writer != nil && writer.Len() > 0 {
		if err := writer.Save(res.Status); err != nil {
			// Recording failure must not fail the request.
			e.logger.Warn("Cache record not saved",
				zap.String("session_id", id),
				zap.Error(err),
			)
		}
	}

	reply.SSE = isSSEBody(reply.Bytes())
	if !reply.SSE {
		e.applyJSONBody(id, reply.Bytes())
	}
	return &acquisition{reply: reply, parser: parser}, nil
}

// acquireFromMock synthesises the reply from operator content.
func (e *Engine) acquireFromMock(id, content, model string, stream bool) *acquisition {
	script := e.mocks.Generate(content, model, stream)

	parser := e.sessionParser(id)
	reply := &Reply{
		Status: script.Status,
		Mocked: true,
		Source: entity.SourceMock,
	}
	// Replacing a previous acquisition: reset the assembled view before
	// the parser re-populates it.
	e.broker.SetContent(id, "")
	e.broker.ReplaceToolCalls(id, nil)

	for _, c := range script.Chunks {
		reply.Chunks = append(reply.Chunks, Chunk{Data: c.Data, Delay: c.Delay})
	}

	raw := reply.Bytes()
	if isSSEBody(raw) {
		parser.Write(raw)
		parser.Flush()
		reply.SSE = true
	} else {
		e.applyJSONBody(id, raw)
	}
	return &acquisition{reply: reply, parser: parser}
}

// ── error replies ──

func (e *Engine) cacheMissReply(id string) *Reply {
	msg := "No cached response found (cache mode: read)"
	e.broker.SetResponseStatus(id, http.StatusNotFound)
	e.broker.Fail(id, msg)
	e.archiveSession(id)
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "cache_not_found",
		},
	})
	return &Reply{
		SessionID: id,
		Status:    http.StatusNotFound,
		Chunks:    []Chunk{{Data: string(body)}},
		completed: true,
	}
}

func (e *Engine) failReply(id string, status int, errType, msg string) *Reply {
	e.logger.Error("Request failed",
		zap.String("session_id", id),
		zap.String("type", errType),
		zap.String("message", msg),
	)
	e.broker.SetResponseStatus(id, status)
	e.broker.Fail(id, msg)
	e.archiveSession(id)
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
	return &Reply{
		SessionID: id,
		Status:    status,
		Chunks:    []Chunk{{Data: string(body)}},
		completed: true,
	}
}

func (e *Engine) archiveSession(id string) {
	if e.archive == nil {
		return
	}
	s, ok := e.broker.Get(id)
	if !ok {
		return
	}
	// Off the request path; archive writes are best-effort.
	safego.Go(e.logger, "archive-session", func() {
		e.archive.Save(s)
	})
}

// ── body helpers ──

// isSSEBody reports whether the buffered bytes carry SSE framing.
func isSSEBody(body []byte) bool {
	return len(body) >= 6 && string(body[:6]) == "data: "
}

// applyJSONBody populates the session view from a non-streaming
// chat.completion body. Best-effort: unrecognised bodies (error objects,
// passthrough JSON) are left alone.
func (e *Engine) applyJSONBody(id string, body []byte) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content   *string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		return
	}

	choice := parsed.Choices[0]
	if choice.Message.Content != nil {
		e.broker.SetContent(id, *choice.Message.Content)
	}
	for i, tc := range choice.Message.ToolCalls {
		e.broker.AddToolCall(id, entity.ToolCall{
			Index:     i,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if choice.FinishReason != "" {
		e.broker.SetFinishReason(id, choice.FinishReason)
	}
	if parsed.Usage != nil {
		e.broker.SetUsage(id, entity.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		})
	}
}

// assembleJSONReply converts an SSE-framed reply into a non-streaming
// chat.completion body for callers that did not request streaming.
func assembleJSONReply(reply *Reply, parser *sse.Parser, model string) *Reply {
	if parser == nil {
		return reply
	}
	completion := parser.AssembledCompletion(
		fmt.Sprintf("chatcmpl-%s", uuid.NewString()[:8]),
		model,
		time.Now().Unix(),
	)
	data, err := json.Marshal(completion)
	if err != nil {
		return reply
	}
	return &Reply{
		SessionID: reply.SessionID,
		Status:    reply.Status,
		Cached:    reply.Cached,
		Mocked:    reply.Mocked,
		Source:    reply.Source,
		Chunks:    []Chunk{{Data: string(data)}},
	}
}

// parseSnapshot extracts the displayable request fields. The stream flag
// defaults to true when absent, matching what the proxy forwards.
func parseSnapshot(body []byte) entity.RequestSnapshot {
	snap := entity.RequestSnapshot{Stream: true, RawBody: body}

	var parsed struct {
		Model       string           `json:"model"`
		Messages    []map[string]any `json:"messages"`
		Stream      *bool            `json:"stream"`
		Tools       []map[string]any `json:"tools"`
		Temperature *float64         `json:"temperature"`
		MaxTokens   *int             `json:"max_tokens"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return snap
	}

	snap.Model = parsed.Model
	snap.Messages = parsed.Messages
	snap.Tools = parsed.Tools
	snap.Temperature = parsed.Temperature
	snap.MaxTokens = parsed.MaxTokens
	if parsed.Stream != nil {
		snap.Stream = *parsed.Stream
	}
	return snap
}
