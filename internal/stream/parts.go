package stream

import (
	"github.com/dotcommander/yagent/internal/proto"
)

// Parts assembles response parts from chunks.
type Parts struct {
	parts []proto.ResponsePart
	ids   map[string]int
}

// Apply folds a chunk into the parts and reports the resulting event. It
// returns false when the chunk changed nothing.
func (p *Parts) Apply(c Chunk) (Event, bool) {
	switch c.Kind {
	case ChunkText:
		return p.applyText(c)
	case ChunkToolCall:
		return p.applyToolCall(c)
	default:
		return Event{}, false
	}
}

func (p *Parts) applyText(c Chunk) (Event, bool) {
	if c.Text == "" {
		return Event{}, false
	}
	idx, ok := p.lookup(c.PartID, proto.PartText)
	if !ok {
		idx = p.add(c.PartID, proto.TextPart{Content: c.Text})
		return Event{Index: idx, Start: true, Part: p.parts[idx], Delta: c.Text}, true
	}
	tp := p.parts[idx].(proto.TextPart)
	tp.Content += c.Text
	p.parts[idx] = tp
	return Event{Index: idx, Part: tp, Delta: c.Text}, true
}

func (p *Parts) applyToolCall(c Chunk) (Event, bool) {
	idx, ok := p.lookup(c.PartID, proto.PartToolCall)
	if !ok || (c.PartID == "" && c.ToolName != "") {
		part := proto.ToolCallPart{
			ToolName:   c.ToolName,
			Args:       c.Args,
			ToolCallID: proto.GuardToolCallID(c.ToolCallID),
		}
		idx = p.add(c.PartID, part)
		return Event{Index: idx, Start: true, Part: part, Delta: c.Args}, true
	}
	tc := p.parts[idx].(proto.ToolCallPart)
	if tc.ToolName == "" {
		tc.ToolName = c.ToolName
	}
	if c.ToolCallID != "" {
		tc.ToolCallID = c.ToolCallID
	}
	tc.Args += c.Args
	p.parts[idx] = tc
	return Event{Index: idx, Part: tc, Delta: c.Args}, true
}

func (p *Parts) lookup(id string, kind proto.PartKind) (int, bool) {
	if id != "" {
		idx, ok := p.ids[id]
		if !ok || p.parts[idx].PartKind() != kind {
			return 0, false
		}
		return idx, true
	}
	if n := len(p.parts); n > 0 && p.parts[n-1].PartKind() == kind {
		return n - 1, true
	}
	return 0, false
}

func (p *Parts) add(id string, part proto.ResponsePart) int {
	p.parts = append(p.parts, part)
	idx := len(p.parts) - 1
	if id != "" {
		if p.ids == nil {
			p.ids = make(map[string]int)
		}
		p.ids[id] = idx
	}
	return idx
}

// Snapshot returns a copy of the parts assembled so far.
func (p *Parts) Snapshot() []proto.ResponsePart {
	return append([]proto.ResponsePart(nil), p.parts...)
}
