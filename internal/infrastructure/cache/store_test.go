package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

const testFP = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), testLogger())
}

func TestWriteLoadRoundTrip(t *testing.T) {
	s := testStore(t)

	w := s.NewWriter(testFP, RecordRequest{
		Model:    "gpt-4",
		Messages: []map[string]any{{"role": "user", "content": "Hi"}},
	})
	w.Add("data: {\"a\":1}\n\n")
	w.Add("data: [DONE]\n\n")
	if err := w.Save(200); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if !s.Exists(testFP) {
		t.Fatal("Exists should be true after Save")
	}

	rec, ok := s.Load(testFP)
	if !ok {
		t.Fatal("Load should find the record")
	}
	if rec.Hash != testFP {
		t.Errorf("hash: got %q", rec.Hash)
	}
	if rec.Response.Status != 200 {
		t.Errorf("status: got %d", rec.Response.Status)
	}
	if len(rec.Response.Chunks) != 2 {
		t.Fatalf("chunks: got %d", len(rec.Response.Chunks))
	}
	if rec.Response.Chunks[0].DelayMS != 0 {
		t.Errorf("first chunk delay must be 0, got %d", rec.Response.Chunks[0].DelayMS)
	}
	if rec.Request.Model != "gpt-4" {
		t.Errorf("request model: got %q", rec.Request.Model)
	}
}

func TestLoadMissingIsAbsent(t *testing.T) {
	s := testStore(t)
	if s.Exists(testFP) {
		t.Error("Exists should be false for empty store")
	}
	if _, ok := s.Load(testFP); ok {
		t.Error("Load should report absent for empty store")
	}
}

func TestLoadCorruptIsAbsent(t *testing.T) {
	s := testStore(t)
	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), testFP+".json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Load(testFP); ok {
		t.Error("corrupt file must be treated as a miss")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	s := testStore(t)
	w := s.NewWriter(testFP, RecordRequest{Model: "gpt-4"})
	w.Add("data: x\n\n")
	if err := w.Save(200); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly one file, got %d", len(entries))
	}
}

func TestSaveCreatesParentDirs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	s := NewStore(dir, testLogger())
	w := s.NewWriter(testFP, RecordRequest{})
	w.Add("data: x\n\n")
	if err := w.Save(200); err != nil {
		t.Fatalf("Save with missing parents: %v", err)
	}
	if !s.Exists(testFP) {
		t.Error("record should exist under created dirs")
	}
}

func TestWriterRecordsInterChunkDelays(t *testing.T) {
	s := testStore(t)
	w := s.NewWriter(testFP, RecordRequest{})
	w.Add("one")
	time.Sleep(30 * time.Millisecond)
	w.Add("two")
	if err := w.Save(200); err != nil {
		t.Fatal(err)
	}

	rec, ok := s.Load(testFP)
	if !ok {
		t.Fatal("record absent")
	}
	if got := rec.Response.Chunks[1].DelayMS; got < 20 {
		t.Errorf("second chunk delay too small: %dms", got)
	}
}

func TestReplayPreservesBytes(t *testing.T) {
	rec := &Record{
		Response: RecordResponse{
			Status: 200,
			Chunks: []Chunk{
				{Data: "data: {\"a\":1}\n\n", DelayMS: 0},
				{Data: "data: {\"b\":2}\n\n", DelayMS: 5},
				{Data: "data: [DONE]\n\n", DelayMS: 5},
			},
		},
	}

	var got strings.Builder
	err := Replay(context.Background(), rec, true, func(c Chunk) error {
		got.WriteString(c.Data)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	want := "data: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n"
	if got.String() != want {
		t.Errorf("replayed bytes differ:\n got %q\nwant %q", got.String(), want)
	}
}

func TestReplayFastSkipsDelays(t *testing.T) {
	chunks := make([]Chunk, 20)
	for i := range chunks {
		chunks[i] = Chunk{Data: "x", DelayMS: 100}
	}
	rec := &Record{Response: RecordResponse{Chunks: chunks}}

	start := time.Now()
	if err := Replay(context.Background(), rec, true, func(Chunk) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("fast replay took %v, should not sleep", elapsed)
	}
}

func TestReplayHonoursCancellation(t *testing.T) {
	chunks := make([]Chunk, 100)
	for i := range chunks {
		chunks[i] = Chunk{Data: "x", DelayMS: 50}
	}
	rec := &Record{Response: RecordResponse{Chunks: chunks}}

	ctx, cancel := context.WithCancel(context.Background())
	seen := 0
	done := make(chan error, 1)
	go func() {
		done <- Replay(ctx, rec, false, func(Chunk) error {
			seen++
			return nil
		})
	}()

	time.Sleep(75 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("replay did not stop after cancellation")
	}
	if seen >= len(chunks) {
		t.Error("replay ran to completion despite cancellation")
	}
}
