package modeltest

import (
	"context"
	"iter"

	"github.com/dotcommander/yagent/internal/model"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/settings"
	"github.com/dotcommander/yagent/internal/stream"
	"github.com/dotcommander/yagent/internal/usage"
)

// Info is what a Func model sees besides the messages.
type Info struct {
	Settings *settings.ModelSettings
	Params   model.Parameters
}

// RespondFunc computes a response from the conversation.
type RespondFunc func(ctx context.Context, messages []proto.Message, info Info) (*proto.Response, usage.Usage, error)

// StreamFunc computes a chunk stream from the conversation.
type StreamFunc func(ctx context.Context, messages []proto.Message, info Info) iter.Seq2[stream.Chunk, error]

// Func is a model whose answers are computed by Go functions.
type Func struct {
	Respond RespondFunc
	Stream  StreamFunc
}

var _ model.Model = Func{}

func (Func) Name() string { return "function" }

func (f Func) Request(ctx context.Context, messages []proto.Message, ms *settings.ModelSettings, params model.Parameters) (*proto.Response, usage.Usage, error) {
	info := Info{Settings: ms, Params: params}
	if f.Respond == nil {
		return stream.Collect(stream.FromSeq(f.Name(), f.Stream(ctx, messages, info)))
	}
	return f.Respond(ctx, messages, info)
}

func (f Func) RequestStream(ctx context.Context, messages []proto.Message, ms *settings.ModelSettings, params model.Parameters) (stream.Response, error) {
	info := Info{Settings: ms, Params: params}
	if f.Stream != nil {
		return stream.FromSeq(f.Name(), f.Stream(ctx, messages, info)), nil
	}
	resp, u, err := f.Respond(ctx, messages, info)
	if err != nil {
		return nil, err
	}
	return stream.FromSeq(f.Name(), seq(append(ChunksOf(resp), stream.UsageChunk(u)))), nil
}

// LastRequest returns the most recent request in messages.
func LastRequest(messages []proto.Message) *proto.Request {
	for i := len(messages) - 1; i >= 0; i-- {
		if req, ok := messages[i].(*proto.Request); ok {
			return req
		}
	}
	return nil
}
