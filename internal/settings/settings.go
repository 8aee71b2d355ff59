// Package settings holds the small set of runtime toggles the Control &
// Status Surface (C8) mutates and the Request Pipeline (C6) and Dialect
// Translator (C7) read on every request. It is the one piece of mutable
// state outside the Rotation Controller's own lock, so it gets its own
// narrow mutex rather than being smuggled into rotation.Controller.
package settings

import "sync"

// StreamingMode selects how generative requests are serviced when the
// client asks for a streamed response.
type StreamingMode string

const (
	Real StreamingMode = "real"
	Fake StreamingMode = "fake"
)

// Settings is the admin-mutable, pipeline-read configuration surface.
type Settings struct {
	mu sync.RWMutex

	streamingMode    StreamingMode
	nativeReasoning  bool
	openAIReasoning  bool
	redirect25to30   bool
	resumeLimit      int
	enableResume     bool
}

// New constructs Settings seeded from startup configuration.
func New(streamingMode StreamingMode, redirect25to30, nativeReasoning, openAIReasoning bool, resumeLimit int) *Settings {
	return &Settings{
		streamingMode:   streamingMode,
		nativeReasoning: nativeReasoning,
		openAIReasoning: openAIReasoning,
		redirect25to30:  redirect25to30,
		resumeLimit:     resumeLimit,
		enableResume:    resumeLimit > 0,
	}
}

// StreamingMode returns the current streaming strategy for generative
// requests that want a stream.
func (s *Settings) StreamingMode() StreamingMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamingMode
}

// SetStreamingMode implements the admin "set-mode" operation.
func (s *Settings) SetStreamingMode(mode StreamingMode) {
	s.mu.Lock()
	s.streamingMode = mode
	s.mu.Unlock()
}

// NativeReasoning reports whether the pipeline should inject
// generationConfig.thinkingConfig.includeThoughts directly into
// already-Google-dialect request bodies.
func (s *Settings) NativeReasoning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nativeReasoning
}

// ToggleNativeReasoning flips the native reasoning flag and returns its new
// value.
func (s *Settings) ToggleNativeReasoning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nativeReasoning = !s.nativeReasoning
	return s.nativeReasoning
}

// OpenAIReasoning reports whether the Dialect Translator should set
// thinkingConfig.includeThoughts when translating an OpenAI request.
func (s *Settings) OpenAIReasoning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openAIReasoning
}

// ToggleReasoning flips the OpenAI-side reasoning flag and returns its new
// value.
func (s *Settings) ToggleReasoning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openAIReasoning = !s.openAIReasoning
	return s.openAIReasoning
}

// Redirect25to30 reports whether gemini-2.5-pro should be substituted with
// gemini-3-pro-preview before forwarding.
func (s *Settings) Redirect25to30() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.redirect25to30
}

// ToggleRedirect25to30 flips the model-redirect flag and returns its new
// value.
func (s *Settings) ToggleRedirect25to30() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirect25to30 = !s.redirect25to30
	return s.redirect25to30
}

// ResumeConfig returns the current resume limit and whether resume-on-
// prohibit is enabled.
func (s *Settings) ResumeConfig() (limit int, enabled bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resumeLimit, s.enableResume
}

// SetResumeConfig implements the admin "set-resume-config" operation:
// enableResume is derived from limit > 0, never set independently.
func (s *Settings) SetResumeConfig(limit int) {
	s.mu.Lock()
	s.resumeLimit = limit
	s.enableResume = limit > 0
	s.mu.Unlock()
}
