// Package cache persists recorded upstream responses keyed by request
// fingerprint and replays them with their original inter-chunk timing.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Chunk is one recorded response fragment. Data holds the wire bytes as
// received from upstream (SSE framing included for streaming responses).
// DelayMS is the inter-arrival time relative to the previous chunk; the
// first chunk always carries 0.
type Chunk struct {
	Data    string `json:"data"`
	DelayMS int64  `json:"delay_ms"`
}

// RecordRequest is the request context stored alongside the response for
// operator inspection.
type RecordRequest struct {
	Model    string           `json:"model"`
	Messages []map[string]any `json:"messages"`
}

// RecordResponse is the recorded upstream response.
type RecordResponse struct {
	Status int     `json:"status"`
	Chunks []Chunk `json:"chunks"`
}

// Record is the persisted cache entry, one file per fingerprint.
type Record struct {
	Hash      string         `json:"hash"`
	Timestamp time.Time      `json:"timestamp"`
	Request   RecordRequest  `json:"request"`
	Response  RecordResponse `json:"response"`
}

// Store is a content-addressed file store under a single directory.
// Files are named <fingerprint>.json. Concurrent writes to different
// fingerprints are safe; same-fingerprint writers converge via rename.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates a store rooted at dir. The directory is created lazily
// on first write.
func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.With(zap.String("component", "cache")),
	}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(fingerprint string) string {
	return filepath.Join(s.dir, fingerprint+".json")
}

// Exists reports whether a readable record exists for the fingerprint.
func (s *Store) Exists(fingerprint string) bool {
	info, err := os.Stat(s.path(fingerprint))
	return err == nil && !info.IsDir()
}

// Load reads and decodes the record for the fingerprint. A missing or
// corrupt file is reported as absent, not as an error; a cache miss is
// never fatal to the request.
func (s *Store) Load(fingerprint string) (*Record, bool) {
	data, err := os.ReadFile(s.path(fingerprint))
	if err != nil {
		return nil, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("Corrupt cache file, treating as miss",
			zap.String("fingerprint", fingerprint),
			zap.Error(err),
		)
		return nil, false
	}
	return &rec, true
}

// NewWriter starts a recording for the fingerprint. Chunks added to the
// writer capture wall-clock inter-arrival delays; nothing touches disk
// until Save.
func (s *Store) NewWriter(fingerprint string, req RecordRequest) *Writer {
	return &Writer{
		store:       s,
		fingerprint: fingerprint,
		request:     req,
	}
}

// Writer accumulates chunks for a single record and finalises the write
// atomically.
type Writer struct {
	store       *Store
	fingerprint string
	request     RecordRequest
	chunks      []Chunk
	lastAt      time.Time
}

// Add appends a chunk, recording the delay since the previous one.
func (w *Writer) Add(data string) {
	now := time.Now()
	var delay int64
	if len(w.chunks) > 0 {
		delay = now.Sub(w.lastAt).Milliseconds()
	}
	w.lastAt = now
	w.chunks = append(w.chunks, Chunk{Data: data, DelayMS: delay})
}

// Len returns the number of chunks recorded so far.
func (w *Writer) Len() int {
	return len(w.chunks)
}

// Save writes the complete record as pretty JSON. The write goes to a
// temp file in the same directory and is renamed into place, so a partial
// failure never leaves a readable file at the final path.
func (w *Writer) Save(status int) error {
	rec := Record{
		Hash:      w.fingerprint,
		Timestamp: time.Now().UTC(),
		Request:   w.request,
		Response: RecordResponse{
			Status: status,
			Chunks: w.chunks,
		},
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}

	if err := os.MkdirAll(w.store.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(w.store.dir, w.fingerprint+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	final := w.store.path(w.fingerprint)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}

	w.store.logger.Debug("Cache record saved",
		zap.String("fingerprint", w.fingerprint),
		zap.Int("chunks", len(w.chunks)),
		zap.Int("status", status),
	)
	return nil
}
