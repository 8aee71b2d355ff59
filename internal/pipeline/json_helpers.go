package pipeline

import "github.com/tidwall/sjson"

// jsonSetThinkingConfig sets generationConfig.thinkingConfig.includeThoughts
// on a Google-dialect request body without disturbing any other field.
func jsonSetThinkingConfig(body []byte) ([]byte, error) {
	return sjson.SetBytes(body, "generationConfig.thinkingConfig.includeThoughts", true)
}
