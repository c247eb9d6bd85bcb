package application

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/playingpack/playingpack/internal/domain/entity"
	"github.com/playingpack/playingpack/internal/domain/service"
	"github.com/playingpack/playingpack/internal/infrastructure/cache"
	"github.com/playingpack/playingpack/internal/infrastructure/mock"
	"github.com/playingpack/playingpack/internal/infrastructure/upstream"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// sseUpstream serves a fixed two-token streamed completion and counts hits.
func sseUpstream(t *testing.T, hits *int) *httptest.Server {
	t.Helper()
	payloads := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4","choices":[{"index":0,"delta":{"content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		`[DONE]`,
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, p := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", p)
			flusher.Flush()
		}
	}))
}

func newTestEngine(t *testing.T, upstreamURL string, s entity.Settings) *Engine {
	t.Helper()
	logger := testLogger()
	s.Upstream = upstreamURL
	return NewEngine(
		context.Background(),
		service.NewBroker(logger),
		service.NewSettingsStore(s),
		cache.NewStore(t.TempDir(), logger),
		upstream.NewClient(logger),
		mock.NewGenerator(mock.Options{TextDelay: time.Millisecond, ToolDelay: time.Millisecond}),
		nil,
		logger,
	)
}

func chatBody(stream bool) []byte {
	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4",
		"messages": []map[string]any{{"role": "user", "content": "Hi"}},
		"stream":   stream,
	})
	return body
}

func TestRecordThenReplay(t *testing.T) {
	hits := 0
	srv := sseUpstream(t, &hits)
	defer srv.Close()

	e := newTestEngine(t, srv.URL, entity.Settings{
		Cache:     entity.CacheReadWrite,
		Intervene: false,
	})

	first := e.ProcessChatCompletion(context.Background(), chatBody(true), http.Header{})
	e.Finish(first)

	if first.Status != http.StatusOK || !first.SSE {
		t.Fatalf("first reply: status=%d sse=%v", first.Status, first.SSE)
	}
	if first.Cached || first.Source != entity.SourceLLM {
		t.Errorf("first reply should come from upstream: %+v", first)
	}
	if hits != 1 {
		t.Fatalf("upstream hits after first request: %d", hits)
	}

	s, ok := e.Broker().Get(first.SessionID)
	if !ok {
		t.Fatal("session gone")
	}
	if s.State != entity.StateComplete {
		t.Errorf("session state: %q", s.State)
	}
	if s.Response == nil || s.Response.Content != "Hello world" {
		t.Errorf("assembled content: %+v", s.Response)
	}
	if s.Response.Usage == nil || s.Response.Usage.TotalTokens != 5 {
		t.Errorf("usage: %+v", s.Response.Usage)
	}

	second := e.ProcessChatCompletion(context.Background(), chatBody(true), http.Header{})
	e.Finish(second)

	if hits != 1 {
		t.Errorf("second request hit upstream: %d hits", hits)
	}
	if !second.Cached || second.Source != entity.SourceCache {
		t.Errorf("second reply should replay the cache: cached=%v source=%q", second.Cached, second.Source)
	}
	if string(second.Bytes()) != string(first.Bytes()) {
		t.Error("replayed bytes differ from recorded bytes")
	}
}

func TestReadModeMissReturns404(t *testing.T) {
	e := newTestEngine(t, "http://127.0.0.1:1", entity.Settings{
		Cache:     entity.CacheRead,
		Intervene: false,
	})

	reply := e.ProcessChatCompletion(context.Background(), chatBody(true), http.Header{})

	if reply.Status != http.StatusNotFound {
		t.Fatalf("status: %d", reply.Status)
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(reply.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Type != "cache_not_found" {
		t.Errorf("error type: %q", body.Error.Type)
	}
	if body.Error.Message != "No cached response found (cache mode: read)" {
		t.Errorf("error message: %q", body.Error.Message)
	}

	s, _ := e.Broker().Get(reply.SessionID)
	if s.State != entity.StateComplete || s.Error == "" {
		t.Errorf("session should be failed: %+v", s)
	}
}

func TestUpstreamFailureReturns500(t *testing.T) {
	e := newTestEngine(t, "http://127.0.0.1:1", entity.Settings{
		Cache:     entity.CacheOff,
		Intervene: false,
	})

	reply := e.ProcessChatCompletion(context.Background(), chatBody(true), http.Header{})

	if reply.Status != http.StatusInternalServerError {
		t.Fatalf("status: %d", reply.Status)
	}
	if !strings.Contains(string(reply.Bytes()), "proxy_error") {
		t.Errorf("body: %s", reply.Bytes())
	}
}

// resolve retries until the awaiter registers or the deadline passes.
func resolve(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("awaiter never registered")
}

func TestMockAtPoint1(t *testing.T) {
	e := newTestEngine(t, "http://127.0.0.1:1", entity.Settings{
		Cache:     entity.CacheOff,
		Intervene: true,
	})

	done := make(chan *Reply, 1)
	go func() {
		done <- e.ProcessChatCompletion(context.Background(), chatBody(true), http.Header{})
	}()

	var sessionID string
	resolve(t, func() bool {
		for _, s := range e.Broker().List() {
			if s.State == entity.StatePending {
				sessionID = s.ID
			}
		}
		return sessionID != "" && e.Broker().ResolvePoint1(sessionID, entity.Point1Action{
			Type:    entity.Point1Mock,
			Content: "mocked answer",
		})
	})
	resolve(t, func() bool {
		return e.Broker().ResolvePoint2(sessionID, entity.Point2Action{Type: entity.Point2Return})
	})

	reply := <-done
	e.Finish(reply)

	if !reply.Mocked || reply.Source != entity.SourceMock {
		t.Errorf("reply should be mocked: %+v", reply)
	}
	if !reply.SSE || reply.Status != http.StatusOK {
		t.Errorf("mocked stream reply: sse=%v status=%d", reply.SSE, reply.Status)
	}
	s, _ := e.Broker().Get(sessionID)
	if s.Response == nil || s.Response.Content != "mocked answer" {
		t.Errorf("assembled mock content: %+v", s.Response)
	}
	if s.Source != entity.SourceMock {
		t.Errorf("session source: %q", s.Source)
	}
}

func TestModifyAtPoint2(t *testing.T) {
	hits := 0
	srv := sseUpstream(t, &hits)
	defer srv.Close()

	e := newTestEngine(t, srv.URL, entity.Settings{
		Cache:     entity.CacheOff,
		Intervene: true,
	})

	done := make(chan *Reply, 1)
	go func() {
		done <- e.ProcessChatCompletion(context.Background(), chatBody(true), http.Header{})
	}()

	var sessionID string
	resolve(t, func() bool {
		for _, s := range e.Broker().List() {
			sessionID = s.ID
		}
		return sessionID != "" && e.Broker().ResolvePoint1(sessionID, entity.Point1Action{Type: entity.Point1LLM})
	})

	// Wait for the reviewing state before resolving point 2 with modify.
	resolve(t, func() bool {
		s, ok := e.Broker().Get(sessionID)
		return ok && s.State == entity.StateReviewing
	})
	if s, _ := e.Broker().Get(sessionID); s.Response.Content != "Hello world" {
		t.Errorf("buffered content before modify: %q", s.Response.Content)
	}

	resolve(t, func() bool {
		return e.Broker().ResolvePoint2(sessionID, entity.Point2Action{
			Type:    entity.Point2Modify,
			Content: "replacement",
		})
	})

	reply := <-done
	e.Finish(reply)

	if hits != 1 {
		t.Errorf("upstream hits: %d", hits)
	}
	if !reply.Mocked || reply.Source != entity.SourceMock {
		t.Errorf("modified reply should report mock source: %+v", reply)
	}
	s, _ := e.Broker().Get(sessionID)
	if s.Response.Content != "replacement" {
		t.Errorf("session content after modify: %q", s.Response.Content)
	}
	if !strings.Contains(string(reply.Bytes()), "replacement") {
		t.Error("emitted bytes do not carry the replacement content")
	}
}

func TestStreamRecordServedAsJSON(t *testing.T) {
	hits := 0
	srv := sseUpstream(t, &hits)
	defer srv.Close()

	e := newTestEngine(t, srv.URL, entity.Settings{
		Cache:     entity.CacheReadWrite,
		Intervene: false,
	})

	// Record with a streaming caller.
	first := e.ProcessChatCompletion(context.Background(), chatBody(true), http.Header{})
	e.Finish(first)

	// Replay to a non-streaming caller. The cache fingerprint ignores the
	// stream flag, so this hits the same record.
	reply := e.ProcessChatCompletion(context.Background(), chatBody(false), http.Header{})
	e.Finish(reply)

	if hits != 1 {
		t.Fatalf("upstream hits: %d", hits)
	}
	if reply.SSE {
		t.Fatal("non-streaming caller got SSE framing")
	}
	if !reply.Cached {
		t.Error("reply should come from the cache")
	}

	var completion struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(reply.Bytes(), &completion); err != nil {
		t.Fatalf("assembled body is not valid JSON: %v\n%s", err, reply.Bytes())
	}
	if completion.Object != "chat.completion" {
		t.Errorf("object: %q", completion.Object)
	}
	if len(completion.Choices) != 1 || completion.Choices[0].Message.Content != "Hello world" {
		t.Errorf("choices: %+v", completion.Choices)
	}
	if completion.Choices[0].FinishReason != "stop" {
		t.Errorf("finish reason: %q", completion.Choices[0].FinishReason)
	}
	if completion.Usage.TotalTokens != 5 {
		t.Errorf("usage: %+v", completion.Usage)
	}
}
