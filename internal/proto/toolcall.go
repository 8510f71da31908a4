package proto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Parameters is a JSON schema object. Its dialect is up to the adapter.
	Parameters map[string]any `json:"parameters_json_schema"`
	// OuterKey is set when a non-object result type was wrapped in an object
	// under this key.
	OuterKey string `json:"outer_typed_dict_key,omitempty"`
}

// NewToolCallPart builds a ToolCallPart, encoding args as JSON unless it is
// already a string. An empty id is replaced by a generated one.
func NewToolCallPart(name string, args any, id string) ToolCallPart {
	var raw string
	switch v := args.(type) {
	case nil:
		raw = "{}"
	case string:
		raw = v
	case json.RawMessage:
		raw = string(v)
	case []byte:
		raw = string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			raw = fmt.Sprint(v)
		} else {
			raw = string(b)
		}
	}
	return ToolCallPart{ToolName: name, Args: raw, ToolCallID: GuardToolCallID(id)}
}

// ArgsAsMap decodes the arguments into a JSON object.
func (p ToolCallPart) ArgsAsMap() (map[string]any, error) {
	if strings.TrimSpace(p.Args) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(p.Args), &args); err != nil {
		return nil, fmt.Errorf("invalid arguments for tool %s: %w", p.ToolName, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// ArgsAsJSON returns the arguments as JSON text, "{}" when empty.
func (p ToolCallPart) ArgsAsJSON() string {
	if strings.TrimSpace(p.Args) == "" {
		return "{}"
	}
	return p.Args
}

// HasContent reports whether the call carries any arguments.
func (p ToolCallPart) HasContent() bool {
	args, err := p.ArgsAsMap()
	if err != nil {
		return p.Args != ""
	}
	return len(args) > 0
}

// GuardToolCallID returns id, or a freshly generated id when it is empty.
func GuardToolCallID(id string) string {
	if id != "" {
		return id
	}
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithUniqueToolCallIDs returns r with every tool call carrying a non-empty
// id that no earlier call of the response uses. Offending calls get fresh
// ids; r itself is left untouched. The count of rewritten ids is returned.
func (r *Response) WithUniqueToolCallIDs() (*Response, int) {
	seen := make(map[string]bool)
	var parts []ResponsePart
	rewritten := 0
	for i, part := range r.Parts {
		call, ok := part.(ToolCallPart)
		if !ok {
			continue
		}
		if call.ToolCallID != "" && !seen[call.ToolCallID] {
			seen[call.ToolCallID] = true
			continue
		}
		if parts == nil {
			parts = append([]ResponsePart(nil), r.Parts...)
		}
		for call.ToolCallID == "" || seen[call.ToolCallID] {
			call.ToolCallID = GuardToolCallID("")
		}
		seen[call.ToolCallID] = true
		parts[i] = call
		rewritten++
	}
	if parts == nil {
		return r, 0
	}
	cp := *r
	cp.Parts = parts
	return &cp, rewritten
}
