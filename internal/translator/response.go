package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// TranslateStreamChunk converts one Google streamGenerateContent SSE frame
// (optionally prefixed with "data: ") into an OpenAI chat.completion.chunk
// JSON object. ok is false when the chunk carries neither content nor a
// finish reason and should be suppressed rather than forwarded.
func TranslateStreamChunk(requestID string, frame []byte) (chunk []byte, ok bool) {
	raw := strings.TrimPrefix(strings.TrimSpace(string(frame)), "data: ")
	if !gjson.Valid(raw) {
		return nil, false
	}
	candidate := gjson.Get(raw, "candidates.0")
	content, reasoning := walkParts(candidate.Get("content.parts"), false)

	finishReason := candidate.Get("finishReason")
	if content == "" && reasoning == "" && !finishReason.Exists() {
		return nil, false
	}

	delta := map[string]any{}
	if content != "" {
		delta["content"] = content
	}
	if reasoning != "" {
		delta["reasoning_content"] = reasoning
	}

	var finishValue any
	if finishReason.Exists() {
		finishValue = finishReason.String()
	}

	out := map[string]any{
		"id":      "chatcmpl-" + requestID,
		"object":  "chat.completion.chunk",
		"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finishValue}},
	}
	return marshalOrNil(out), true
}

// TranslateNonStreamResponse converts a fully buffered Google
// generateContent JSON body into an OpenAI chat.completion object.
func TranslateNonStreamResponse(requestID string, body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("translator: invalid Google response JSON")
	}
	candidate := gjson.GetBytes(body, "candidates.0")
	content, reasoning := walkParts(candidate.Get("content.parts"), true)

	finishReason := candidate.Get("finishReason").String()
	if finishReason == "" {
		finishReason = "UNKNOWN"
	}

	message := map[string]any{"role": "assistant", "content": content}
	if reasoning != "" {
		message["reasoning_content"] = reasoning
	} else {
		message["reasoning_content"] = nil
	}

	out := map[string]any{
		"id":      "chatcmpl-" + requestID,
		"object":  "chat.completion",
		"choices": []map[string]any{{"index": 0, "message": message, "finish_reason": finishReason}},
	}
	return marshalOrNil(out), nil
}

// walkParts accumulates a candidate's content parts into the OpenAI
// content/reasoning_content strings. When fullImage is true an inlineData
// part is rendered as a complete Markdown data-URI image; otherwise it is
// rendered as a lightweight "![Image]" placeholder, matching the streaming
// chunk contract where re-sending the full payload on every chunk would be
// wasteful.
func walkParts(parts gjson.Result, fullImage bool) (content, reasoning string) {
	var c, r strings.Builder
	parts.ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("thought").Bool():
			r.WriteString(part.Get("text").String())
		case part.Get("inlineData").Exists():
			if fullImage {
				mime := part.Get("inlineData.mimeType").String()
				data := part.Get("inlineData.data").String()
				c.WriteString(fmt.Sprintf("![Image](data:%s;base64,%s)", mime, data))
			} else {
				c.WriteString("![Image]")
			}
		default:
			c.WriteString(part.Get("text").String())
		}
		return true
	})
	return c.String(), r.String()
}

func marshalOrNil(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
