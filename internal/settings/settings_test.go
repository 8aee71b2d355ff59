package settings

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTogglesReturnToPriorValueWhenAppliedTwice(t *testing.T) {
	s := New(Real, false, false, false, 0)

	before := s.NativeReasoning()
	s.ToggleNativeReasoning()
	s.ToggleNativeReasoning()
	require.Equal(t, before, s.NativeReasoning())

	before = s.OpenAIReasoning()
	s.ToggleReasoning()
	s.ToggleReasoning()
	require.Equal(t, before, s.OpenAIReasoning())

	before = s.Redirect25to30()
	s.ToggleRedirect25to30()
	s.ToggleRedirect25to30()
	require.Equal(t, before, s.Redirect25to30())
}

func TestSetResumeConfigDerivesEnableResume(t *testing.T) {
	s := New(Real, false, false, false, 0)
	s.SetResumeConfig(5)
	limit, enabled := s.ResumeConfig()
	require.Equal(t, 5, limit)
	require.True(t, enabled)

	s.SetResumeConfig(0)
	limit, enabled = s.ResumeConfig()
	require.Equal(t, 0, limit)
	require.False(t, enabled)
}

func TestSetStreamingMode(t *testing.T) {
	s := New(Real, false, false, false, 0)
	require.Equal(t, Real, s.StreamingMode())
	s.SetStreamingMode(Fake)
	require.Equal(t, Fake, s.StreamingMode())
}
