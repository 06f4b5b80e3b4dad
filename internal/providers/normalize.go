package providers

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireToolCall accepts every tool-call shape the endpoint may emit: the
// canonical envelope, the flat {name, arguments} shape, and string-encoded
// arguments. Normalization lifts all of them into ToolCall.
type wireToolCall struct {
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function *wireFunction `json:"function,omitempty"`

	// Flat shape without a function envelope.
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type wireFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// normalizeToolCalls repairs and validates wire tool calls. It returns the
// canonical calls plus one error string per call that could not be repaired.
// Repairs applied: missing id synthesized as repaired-<timestamp>-<index>,
// missing type defaulted to "function", flat {name, arguments} lifted into
// the function envelope, string arguments JSON-decoded, absent arguments
// coerced to an empty object.
func normalizeToolCalls(calls []wireToolCall) ([]ToolCall, []string) {
	var out []ToolCall
	var errs []string

	for i, wc := range calls {
		name := ""
		rawArgs := wc.Arguments
		if wc.Function != nil {
			name = wc.Function.Name
			rawArgs = wc.Function.Arguments
		} else if wc.Name != "" {
			name = wc.Name
		}

		if name == "" {
			errs = append(errs, fmt.Sprintf("tool call %d: function.name is missing or not a string", i))
			continue
		}

		args, err := decodeArguments(rawArgs)
		if err != nil {
			errs = append(errs, fmt.Sprintf("tool call %d (%s): %v", i, name, err))
			continue
		}

		id := wc.ID
		if id == "" {
			id = fmt.Sprintf("repaired-%d-%d", time.Now().UnixMilli(), i)
		}
		typ := wc.Type
		if typ == "" {
			typ = "function"
		}

		out = append(out, ToolCall{
			ID:   id,
			Type: typ,
			Function: ToolFunction{
				Name:      name,
				Arguments: args,
			},
		})
	}
	return out, errs
}

// decodeArguments coerces wire arguments into an object. Accepts an absent
// value, a JSON object, or a string containing encoded JSON. A string that
// is not valid JSON fails validation.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj == nil {
			obj = map[string]any{}
		}
		return obj, nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if str == "" {
			return map[string]any{}, nil
		}
		if err := json.Unmarshal([]byte(str), &obj); err != nil {
			return nil, fmt.Errorf("arguments is a string that is not valid JSON: %v", err)
		}
		if obj == nil {
			obj = map[string]any{}
		}
		return obj, nil
	}

	return nil, fmt.Errorf("arguments is neither an object nor an encoded JSON string")
}

// toWire converts canonical calls back to the wire shape, used when the
// client reconstructs an assistant message for the validation retry.
func toWire(calls []wireToolCall) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(calls))
	for _, c := range calls {
		if b, err := json.Marshal(c); err == nil {
			out = append(out, b)
		}
	}
	return out
}
