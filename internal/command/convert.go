package command

import "encoding/json"

// decodeInto re-marshals a generic payload map into a concrete struct,
// the cheapest way to reuse encoding/json's tag-driven decoding for the
// dispatcher's untyped command payloads.
func decodeInto(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// toMap renders any domain value as a plain map[string]any so it can be
// merged into the {ok, …} response envelope.
func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// toMapSlice renders a slice of domain values as []any of maps, for the
// list-shaped command results.
func toMapSlice[T any](items []T) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = toMap(item)
	}
	return out
}
