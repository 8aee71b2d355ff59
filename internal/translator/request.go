package translator

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RequestOptions carries the toggles that influence OpenAI->Google request
// translation; all are read from Configuration or admin toggles by the
// caller.
type RequestOptions struct {
	Stream                 bool
	OpenAIReasoningEnabled bool
	Redirect25to30         bool
}

// TranslateRequest converts an OpenAI chat-completions request body into a
// Google generateContent body plus the endpoint path it must be forwarded
// to. rawJSON is the untouched OpenAI request body.
func TranslateRequest(rawJSON []byte, opts RequestOptions) (body []byte, endpoint string, err error) {
	if !gjson.ValidBytes(rawJSON) {
		return nil, "", fmt.Errorf("translator: invalid OpenAI request JSON")
	}

	model := gjson.GetBytes(rawJSON, "model").String()
	if opts.Redirect25to30 && strings.Contains(model, "gemini-2.5-pro") {
		model = strings.ReplaceAll(model, "gemini-2.5-pro", "gemini-3-pro-preview")
	}

	var systemParts []string
	var contents []map[string]any
	gjson.GetBytes(rawJSON, "messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		content := msg.Get("content")
		if role == "system" {
			if text := extractText(content); text != "" {
				systemParts = append(systemParts, text)
			}
			return true
		}
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": buildParts(content),
		})
		return true
	})

	out := "{}"
	out, _ = sjson.Set(out, "contents", contents)
	if len(systemParts) > 0 {
		out, _ = sjson.Set(out, "systemInstruction.parts", []map[string]any{
			{"text": strings.Join(systemParts, "\n")},
		})
	}

	genConfig := map[string]any{}
	if v := gjson.GetBytes(rawJSON, "temperature"); v.Exists() {
		genConfig["temperature"] = v.Value()
	}
	if v := gjson.GetBytes(rawJSON, "top_p"); v.Exists() {
		genConfig["topP"] = v.Value()
	}
	if v := gjson.GetBytes(rawJSON, "top_k"); v.Exists() {
		genConfig["topK"] = v.Value()
	}
	if v := gjson.GetBytes(rawJSON, "max_tokens"); v.Exists() {
		genConfig["maxOutputTokens"] = v.Value()
	}
	if v := gjson.GetBytes(rawJSON, "stop"); v.Exists() {
		genConfig["stopSequences"] = stopSequences(v)
	}
	if opts.OpenAIReasoningEnabled {
		genConfig["thinkingConfig"] = map[string]any{"includeThoughts": true}
	}
	if len(genConfig) > 0 {
		out, _ = sjson.Set(out, "generationConfig", genConfig)
	}

	out, _ = sjson.Set(out, "safetySettings", defaultSafetySettings)

	method := "generateContent"
	if opts.Stream {
		method = "streamGenerateContent"
	}
	endpoint = fmt.Sprintf("/v1beta/models/%s:%s", model, method)
	if opts.Stream {
		endpoint += "?alt=sse"
	}
	return []byte(out), endpoint, nil
}

// extractText flattens string or array-of-parts OpenAI message content into
// a single string, keeping only text parts.
func extractText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var b strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(part.Get("text").String())
		}
		return true
	})
	return b.String()
}

// buildParts maps an OpenAI message's content (string or multimodal array)
// to Google content parts. Non-data-URI image_url entries are dropped:
// the relay has no way to fetch an external URL on the client's behalf.
func buildParts(content gjson.Result) []map[string]any {
	if content.Type == gjson.String {
		return []map[string]any{{"text": content.String()}}
	}
	var parts []map[string]any
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			parts = append(parts, map[string]any{"text": part.Get("text").String()})
		case "image_url":
			url := part.Get("image_url.url").String()
			if mime, data, ok := parseDataURI(url); ok {
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{"mimeType": mime, "data": data},
				})
			}
		}
		return true
	})
	return parts
}

// parseDataURI splits a "data:<mime>;base64,<data>" URI. Any other shape
// (an http(s) URL, a malformed data URI) reports ok=false.
func parseDataURI(uri string) (mime, data string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", false
	}
	rest := uri[len(prefix):]
	semi := strings.IndexByte(rest, ';')
	comma := strings.IndexByte(rest, ',')
	if semi < 0 || comma < 0 || comma < semi {
		return "", "", false
	}
	mime = rest[:semi]
	encoding := rest[semi+1 : comma]
	if encoding != "base64" {
		return "", "", false
	}
	return mime, rest[comma+1:], true
}

// stopSequences normalises OpenAI's `stop` field (string or string array)
// into Google's stopSequences array shape.
func stopSequences(v gjson.Result) []string {
	if v.Type == gjson.String {
		return []string{v.String()}
	}
	var out []string
	v.ForEach(func(_, item gjson.Result) bool {
		out = append(out, item.String())
		return true
	})
	return out
}
