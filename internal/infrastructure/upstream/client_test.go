package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestPrepareBodyInjectsUsageWhenStreaming(t *testing.T) {
	body := []byte(`{"model":"gpt-4","stream":true,"messages":[]}`)
	out, stream, err := PrepareBody(body)
	if err != nil {
		t.Fatal(err)
	}
	if !stream {
		t.Error("stream flag should be true")
	}

	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatal(err)
	}
	opts, ok := parsed["stream_options"].(map[string]any)
	if !ok {
		t.Fatalf("stream_options missing: %s", out)
	}
	if opts["include_usage"] != true {
		t.Errorf("include_usage: got %v", opts["include_usage"])
	}
}

func TestPrepareBodyPreservesCallerStreamOptions(t *testing.T) {
	body := []byte(`{"model":"gpt-4","stream":true,"stream_options":{"foo":1}}`)
	out, _, err := PrepareBody(body)
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatal(err)
	}
	opts := parsed["stream_options"].(map[string]any)
	if opts["foo"] != float64(1) {
		t.Errorf("caller option lost: %v", opts)
	}
	if opts["include_usage"] != true {
		t.Errorf("include_usage not merged: %v", opts)
	}
}

func TestPrepareBodyNonStreamingUntouched(t *testing.T) {
	body := []byte(`{"model":"gpt-4","stream":false}`)
	out, stream, err := PrepareBody(body)
	if err != nil {
		t.Fatal(err)
	}
	if stream {
		t.Error("stream flag should be false")
	}

	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatal(err)
	}
	if _, ok := parsed["stream_options"]; ok {
		t.Error("non-streaming request must not gain stream_options")
	}
}

func TestPrepareBodyDefaultsToStreaming(t *testing.T) {
	_, stream, err := PrepareBody([]byte(`{"model":"gpt-4"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !stream {
		t.Error("absent stream flag should default to streaming")
	}
}

func TestForwardFiltersHeadersAndSetsAccept(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer sk-test")
	headers.Set("Openai-Organization", "org-1")
	headers.Set("Cookie", "secret=1")
	headers.Set("X-Forwarded-For", "1.2.3.4")
	headers.Set("Accept", "application/json")

	c := NewClient(testLogger())
	res, err := c.Forward(context.Background(), "POST", "/v1/chat/completions",
		headers, []byte(`{"model":"gpt-4","stream":true}`), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if !res.OK || res.Status != http.StatusOK {
		t.Errorf("status: got %d ok=%v", res.Status, res.OK)
	}
	if seen.Get("Authorization") != "Bearer sk-test" {
		t.Error("Authorization should be forwarded")
	}
	if seen.Get("Openai-Organization") != "org-1" {
		t.Error("Openai-Organization should be forwarded")
	}
	if seen.Get("Cookie") != "" {
		t.Error("Cookie must be dropped")
	}
	if seen.Get("X-Forwarded-For") != "" {
		t.Error("X-Forwarded-For must be dropped")
	}
	if seen.Get("Accept") != "text/event-stream" {
		t.Errorf("Accept forced for streaming: got %q", seen.Get("Accept"))
	}
}

func TestForwardNonStreamingAccept(t *testing.T) {
	var accept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept = r.Header.Get("Accept")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(testLogger())
	res, err := c.Forward(context.Background(), "POST", "/v1/chat/completions",
		http.Header{}, []byte(`{"model":"gpt-4","stream":false}`), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	if accept != "application/json" {
		t.Errorf("Accept: got %q", accept)
	}
}

func TestForwardStreamOptionsOnWire(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		received = nil // Unmarshal keeps existing entries in a reused map
		json.Unmarshal(raw, &received)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(testLogger())

	// Caller-supplied options are preserved and usage merged in.
	res, err := c.Forward(context.Background(), "POST", "/v1/chat/completions",
		http.Header{}, []byte(`{"stream":true,"stream_options":{"foo":1}}`), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	opts := received["stream_options"].(map[string]any)
	if opts["foo"] != float64(1) || opts["include_usage"] != true {
		t.Errorf("stream_options on wire: %v", opts)
	}

	// Non-streaming requests carry no stream_options.
	res, err = c.Forward(context.Background(), "POST", "/v1/chat/completions",
		http.Header{}, []byte(`{"stream":false}`), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	if _, ok := received["stream_options"]; ok {
		t.Error("non-streaming request gained stream_options on the wire")
	}
}

func TestForwardPropagatesNetworkFailure(t *testing.T) {
	c := NewClient(testLogger())
	_, err := c.Forward(context.Background(), "POST", "/v1/chat/completions",
		http.Header{}, []byte(`{"stream":false}`), "http://127.0.0.1:1")
	if err == nil {
		t.Error("expected network error")
	}
}

func TestForwardNonOKStatusReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := NewClient(testLogger())
	res, err := c.Forward(context.Background(), "POST", "/v1/chat/completions",
		http.Header{}, []byte(`{"stream":false}`), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.OK {
		t.Error("429 is not OK")
	}
	if res.Status != http.StatusTooManyRequests {
		t.Errorf("status: got %d", res.Status)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != `{"error":{"message":"rate limited"}}` {
		t.Errorf("body forwarded verbatim: got %s", body)
	}
}
