// Package translator implements the Dialect Translator (C7): OpenAI chat
// completions <-> Google generateContent payload translation, including
// multimodal parts and "thinking" content, following the raw-JSON,
// gjson/sjson-driven style used throughout the rest of this translator
// layer rather than a full struct round-trip.
package translator

// defaultSafetySettings is appended verbatim to every translated Google
// request: every harm category is opened up, since the relay's own account
// already carries whatever upstream content policy applies.
var defaultSafetySettings = []map[string]string{
	{"category": "HARM_CATEGORY_HARASSMENT", "threshold": "BLOCK_NONE"},
	{"category": "HARM_CATEGORY_HATE_SPEECH", "threshold": "BLOCK_NONE"},
	{"category": "HARM_CATEGORY_SEXUALLY_EXPLICIT", "threshold": "BLOCK_NONE"},
	{"category": "HARM_CATEGORY_DANGEROUS_CONTENT", "threshold": "BLOCK_NONE"},
}
