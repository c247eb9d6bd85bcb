package entity

// Point1Choice selects how the response for a session is acquired.
type Point1Choice string

const (
	Point1LLM   Point1Choice = "llm"   // Forward to the upstream endpoint
	Point1Cache Point1Choice = "cache" // Replay the cached record
	Point1Mock  Point1Choice = "mock"  // Synthesise from operator content
)

// Point1Action is the operator decision at the first suspension point.
// Content is only meaningful for Point1Mock.
type Point1Action struct {
	Type    Point1Choice `json:"type"`
	Content string       `json:"content,omitempty"`
}

// Valid reports whether the action carries a recognised type.
func (a Point1Action) Valid() bool {
	switch a.Type {
	case Point1LLM, Point1Cache, Point1Mock:
		return true
	}
	return false
}

// Point2Choice selects what happens to the buffered response.
type Point2Choice string

const (
	Point2Return Point2Choice = "return" // Pass the buffer through unchanged
	Point2Modify Point2Choice = "modify" // Discard and re-synthesise from content
)

// Point2Action is the operator decision at the second suspension point.
type Point2Action struct {
	Type    Point2Choice `json:"type"`
	Content string       `json:"content,omitempty"`
}

// Valid reports whether the action carries a recognised type.
func (a Point2Action) Valid() bool {
	switch a.Type {
	case Point2Return, Point2Modify:
		return true
	}
	return false
}
