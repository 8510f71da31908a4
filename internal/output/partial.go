package output

import "strings"

// CompleteJSON closes the open strings, objects and arrays of a truncated
// JSON document so it can be decoded. Complete documents are returned as is.
func CompleteJSON(s string) string {
	var (
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(s)
	if inString {
		if escaped {
			sb.WriteString("\\")
		}
		sb.WriteByte('"')
	}
	out := strings.TrimRight(sb.String(), " \t\r\n")
	switch {
	case strings.HasSuffix(out, ","):
		out = out[:len(out)-1]
	case strings.HasSuffix(out, ":"):
		out += "null"
	}
	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out
}
