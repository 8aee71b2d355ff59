package translator

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TranslateModelList converts a Google ListModels response body into the
// OpenAI-shape model list served from GET /v1/models.
func TranslateModelList(body []byte) []byte {
	var models []map[string]any
	gjson.GetBytes(body, "models").ForEach(func(_, m gjson.Result) bool {
		name := m.Get("name").String()
		models = append(models, map[string]any{
			"id":       name,
			"object":   "model",
			"created":  0,
			"owned_by": "google",
		})
		return true
	})
	out := "{}"
	out, _ = sjson.Set(out, "object", "list")
	out, _ = sjson.Set(out, "data", models)
	return []byte(out)
}

// RewriteInlineImagesToMarkdown rewrites any
// candidates[*].content.parts[*].inlineData entry in a buffered Google
// generateContent body in place into a Markdown image data URI, per the
// non-streaming response contract in the Request Pipeline.
func RewriteInlineImagesToMarkdown(body []byte) []byte {
	out := body
	gjson.GetBytes(out, "candidates").ForEach(func(ci, candidate gjson.Result) bool {
		candidate.Get("content.parts").ForEach(func(pi, part gjson.Result) bool {
			inline := part.Get("inlineData")
			if !inline.Exists() {
				return true
			}
			mime := inline.Get("mimeType").String()
			data := inline.Get("data").String()
			markdown := "![Image](data:" + mime + ";base64," + data + ")"
			path := fmt.Sprintf("candidates.%d.content.parts.%d", ci.Int(), pi.Int())
			out, _ = sjson.SetBytes(out, path+".text", markdown)
			out, _ = sjson.DeleteBytes(out, path+".inlineData")
			return true
		})
		return true
	})
	return out
}
