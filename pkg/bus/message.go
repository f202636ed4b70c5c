package bus

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AllMessages is the topic that receives a copy of every emitted message.
const AllMessages = "message"

// Message is the unit exchanged on the message bus.
type Message struct {
	Type    string         `json:"type"`
	Data    map[string]any `json:"data"`
	Context map[string]any `json:"context"`
}

// NewMessage builds a message, replacing nil maps with empty ones.
func NewMessage(msgType string, data, ctx map[string]any) Message {
	if data == nil {
		data = map[string]any{}
	}
	if ctx == nil {
		ctx = map[string]any{}
	}
	return Message{Type: msgType, Data: data, Context: ctx}
}

// Forward builds a new message that keeps the current context unchanged.
func (m Message) Forward(msgType string, data map[string]any) Message {
	return NewMessage(msgType, cloneMap(data), cloneMap(m.Context))
}

// Reply builds a new message addressed back to the sender: source and
// destination are swapped when both are present.
func (m Message) Reply(msgType string, data map[string]any) Message {
	ctx := cloneMap(m.Context)
	src, okSrc := ctx["source"]
	dst, okDst := ctx["destination"]
	if okSrc && okDst {
		ctx["source"] = dst
		ctx["destination"] = src
	}
	return NewMessage(msgType, cloneMap(data), ctx)
}

// Response is Reply with the conventional ".response" suffix.
func (m Message) Response(data map[string]any) Message {
	return m.Reply(m.Type+".response", data)
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	return Message{Type: m.Type, Data: cloneMap(m.Data), Context: cloneMap(m.Context)}
}

// Serialize encodes the message in wire format.
func (m Message) Serialize() ([]byte, error) {
	if m.Data == nil || m.Context == nil {
		m = NewMessage(m.Type, m.Data, m.Context)
	}
	return json.Marshal(m)
}

// Deserialize decodes a wire message.
func Deserialize(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if strings.TrimSpace(m.Type) == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return NewMessage(m.Type, m.Data, m.Context), nil
}

// String returns a string data field or "".
func (m Message) String(key string) string {
	return stringValue(m.Data[key])
}

// Bool returns a bool data field, or fallback when absent or not a bool.
func (m Message) Bool(key string, fallback bool) bool {
	if v, ok := m.Data[key].(bool); ok {
		return v
	}
	return fallback
}

// Float returns a numeric data field.
func (m Message) Float(key string) (float64, bool) {
	return floatValue(m.Data[key])
}

// Strings returns a list-of-strings data field. A single string is
// returned as a one-element list.
func (m Message) Strings(key string) []string {
	return stringsValue(m.Data[key])
}

// ContextString returns a string context field or "".
func (m Message) ContextString(key string) string {
	return stringValue(m.Context[key])
}

func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func floatValue(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func stringsValue(v any) []string {
	switch val := v.(type) {
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	default:
		return nil
	}
}

// FloatValue converts a decoded JSON number to float64.
func FloatValue(v any) (float64, bool) { return floatValue(v) }

// StringsValue converts a decoded JSON list to []string.
func StringsValue(v any) []string { return stringsValue(v) }

// CloneMap deep-copies a JSON-shaped map.
func CloneMap(in map[string]any) map[string]any { return cloneMap(in) }

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i := range val {
			out[i] = cloneMap(val[i])
		}
		return out
	default:
		return v
	}
}
