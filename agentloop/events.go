package agentloop

import (
	"sync"
	"time"
)

// ChunkKind identifies the type of a response chunk.
type ChunkKind string

const (
	ChunkText           ChunkKind = "text"
	ChunkReasoning      ChunkKind = "reasoning"
	ChunkError          ChunkKind = "error"
	ChunkToolCall       ChunkKind = "tool_call"
	ChunkToolResult     ChunkKind = "tool_result"
	ChunkSubagentStart  ChunkKind = "subagent_start"
	ChunkSubagentFinish ChunkKind = "subagent_finish"
	ChunkSubagentText   ChunkKind = "subagent_text"
	ChunkFinish         ChunkKind = "finish"
)

// Chunk is one observable event of a run.
type Chunk struct {
	Kind          ChunkKind   `json:"type"`
	Text          string      `json:"text,omitempty"`
	AgentID       string      `json:"agentId,omitempty"`
	AgentType     string      `json:"agentType,omitempty"`
	ParentAgentID string      `json:"parentAgentId,omitempty"`
	ToolCall      *ToolCall   `json:"toolCall,omitempty"`
	ToolResult    *ToolResult `json:"toolResult,omitempty"`
	Credits       int         `json:"credits,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// structural reports whether the chunk describes tree structure rather than
// content.
func (c Chunk) structural() bool {
	switch c.Kind {
	case ChunkSubagentStart, ChunkSubagentFinish, ChunkToolCall, ChunkToolResult:
		return true
	}
	return false
}

// ChunkSink receives every chunk of a run. Sinks shared by parallel children
// are called from several goroutines.
type ChunkSink func(Chunk)

func (s ChunkSink) emit(c Chunk) {
	if s == nil {
		return
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	s(c)
}

// EventEmitter delivers chunks to the host application via a channel.
type EventEmitter struct {
	ch     chan Chunk
	closed bool
	mu     sync.Mutex
}

// NewEventEmitter creates a new EventEmitter with a buffered channel.
func NewEventEmitter(bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		ch: make(chan Chunk, bufferSize),
	}
}

// Emit sends a chunk to the channel. If the emitter is closed or the buffer
// is full, the chunk is dropped.
func (e *EventEmitter) Emit(c Chunk) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- c:
	default:
		// Channel full; drop to avoid blocking the agent loop.
	}
}

// Sink returns a ChunkSink feeding this emitter.
func (e *EventEmitter) Sink() ChunkSink {
	return e.Emit
}

// Events returns the read-only chunk channel.
func (e *EventEmitter) Events() <-chan Chunk {
	return e.ch
}

// Close closes the chunk channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
