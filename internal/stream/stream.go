// Package stream turns provider chunk streams into incrementally built
// proto.Response values.
package stream

import (
	"iter"
	"time"

	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/usage"
)

// ChunkKind discriminates chunks.
type ChunkKind int

// Chunk kinds.
const (
	ChunkText ChunkKind = iota
	ChunkToolCall
	ChunkUsage
)

// Chunk is one item emitted by a provider stream.
type Chunk struct {
	Kind ChunkKind
	// PartID identifies the response part a chunk extends. Chunks without a
	// PartID extend the latest part of the same kind.
	PartID     string
	Text       string
	ToolName   string
	ToolCallID string
	Args       string
	Usage      usage.Usage
}

// TextChunk builds a text delta chunk.
func TextChunk(text string) Chunk {
	return Chunk{Kind: ChunkText, Text: text}
}

// ToolCallChunk builds a tool call chunk.
func ToolCallChunk(partID, name, args, id string) Chunk {
	return Chunk{Kind: ChunkToolCall, PartID: partID, ToolName: name, Args: args, ToolCallID: id}
}

// UsageChunk builds a usage report chunk.
func UsageChunk(u usage.Usage) Chunk {
	return Chunk{Kind: ChunkUsage, Usage: u}
}

// Event reports a change to the response being streamed.
type Event struct {
	Index int
	// Start is set on the first event of a part.
	Start bool
	// Part is a snapshot of the part after the change.
	Part proto.ResponsePart
	// Delta is the text or arguments appended by the change.
	Delta string
}

// Response is a model response being streamed.
//
// Next advances to the next event, returning false once the stream is
// exhausted or failed. Get returns the response built so far.
type Response interface {
	Next() bool
	Current() Event
	Err() error
	Close() error
	Get() *proto.Response
	Usage() usage.Usage
	ModelName() string
}

// FromSeq builds a Response from a chunk sequence. The sequence is pulled
// lazily; Close stops it.
func FromSeq(modelName string, seq iter.Seq2[Chunk, error]) Response {
	next, stop := iter.Pull2(seq)
	return &seqResponse{
		modelName: modelName,
		next:      next,
		stop:      stop,
		timestamp: time.Now().UTC(),
	}
}

type seqResponse struct {
	modelName string
	next      func() (Chunk, error, bool)
	stop      func()
	timestamp time.Time

	parts   Parts
	usage   usage.Usage
	current Event
	err     error
	done    bool
}

var _ Response = &seqResponse{}

func (r *seqResponse) Next() bool {
	for !r.done {
		chunk, err, ok := r.next()
		if !ok {
			r.finish()
			return false
		}
		if err != nil {
			r.err = err
			r.finish()
			return false
		}
		if chunk.Kind == ChunkUsage {
			r.usage.Incr(chunk.Usage, 0)
			continue
		}
		if ev, ok := r.parts.Apply(chunk); ok {
			r.current = ev
			return true
		}
	}
	return false
}

func (r *seqResponse) finish() {
	r.done = true
	r.stop()
}

func (r *seqResponse) Current() Event { return r.current }

func (r *seqResponse) Err() error { return r.err }

func (r *seqResponse) Close() error {
	if !r.done {
		r.finish()
	}
	return nil
}

func (r *seqResponse) Get() *proto.Response {
	return &proto.Response{
		Parts:     r.parts.Snapshot(),
		ModelName: r.modelName,
		Timestamp: r.timestamp,
	}
}

func (r *seqResponse) Usage() usage.Usage { return r.usage }

func (r *seqResponse) ModelName() string { return r.modelName }

// Events adapts a Response to a sequence. A stream error is yielded last.
func Events(r Response) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for r.Next() {
			if !yield(r.Current(), nil) {
				return
			}
		}
		if err := r.Err(); err != nil {
			yield(Event{}, err)
		}
	}
}

// Collect drains r and returns the complete response and its usage.
func Collect(r Response) (*proto.Response, usage.Usage, error) {
	defer r.Close() //nolint:errcheck
	for r.Next() {
	}
	if err := r.Err(); err != nil {
		return nil, r.Usage(), err
	}
	return r.Get(), r.Usage(), nil
}
