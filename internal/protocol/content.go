package protocol

import (
	jsoniter "github.com/json-iterator/go"
)

// DecodeMessageContent converts a raw content map into its typed shape.
// Unknown fields are dropped; a decode failure yields the zero value.
func DecodeMessageContent(content map[string]any) MessageContent {
	var body MessageContent
	raw, _ := jsoniter.Marshal(content)
	_ = jsoniter.Unmarshal(raw, &body)
	return body
}

// DecodeReactionContent converts a raw content map of a reaction event.
func DecodeReactionContent(content map[string]any) ReactionContent {
	var body ReactionContent
	raw, _ := jsoniter.Marshal(content)
	_ = jsoniter.Unmarshal(raw, &body)
	return body
}

// EncodeContent converts typed message content back into the generic map
// shape carried on the wire.
func EncodeContent(content MessageContent) map[string]any {
	var out map[string]any
	raw, _ := jsoniter.Marshal(content)
	_ = jsoniter.Unmarshal(raw, &out)
	return out
}
