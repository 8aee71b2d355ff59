// Package config provides configuration management for the AI-Studio relay
// proxy. It loads a typed Config from environment variables, applying the
// documented defaults whenever a variable is unset or fails to parse.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the application's runtime configuration. A YAML file supplies
// the base values (see LoadFile); every field can still be overridden from
// the environment on top of the file, see applyEnv for the variable names.
type Config struct {
	// HTTPPort is the public API listen port.
	HTTPPort int `yaml:"httpPort"`

	// Host is the bind address for the public API and admin console.
	Host string `yaml:"host"`

	// WSPort is the listen port for the Relay Channel websocket endpoint.
	WSPort int `yaml:"wsPort"`

	// StreamingMode selects the default streaming strategy: "real" or "fake".
	StreamingMode string `yaml:"streamingMode"`

	// FailureThreshold is the number of terminal relay errors that triggers
	// an immediate credential rotation. 0 disables failure-based rotation.
	FailureThreshold int `yaml:"failureThreshold"`

	// SwitchOnUses is the number of generative requests that triggers a
	// deferred credential rotation. 0 disables usage-based rotation.
	SwitchOnUses int `yaml:"switchOnUses"`

	// MaxRetries bounds pseudo-stream retry attempts.
	MaxRetries int `yaml:"maxRetries"`

	// RetryDelay is the pause between pseudo-stream retries.
	RetryDelay time.Duration `yaml:"retryDelay"`

	// ImmediateSwitchStatusCodes lists upstream HTTP statuses that trigger an
	// immediate rotation regardless of the failure counter.
	ImmediateSwitchStatusCodes []int `yaml:"immediateSwitchStatusCodes"`

	// APIKeys is the server-side allowlist for client API-key authentication.
	APIKeys []string `yaml:"apiKeys"`

	// InitialAuthIndex is the credential index loaded at startup.
	InitialAuthIndex int `yaml:"initialAuthIndex"`

	// CredentialsDir is the directory scanned for auth-<N>.json bundles when
	// the Credential Store runs in directory-backed mode.
	CredentialsDir string `yaml:"credentialsDir"`

	// CamoufoxExecutablePath is passed through to the (out-of-scope) browser
	// session orchestrator; the core never inspects it beyond logging it.
	CamoufoxExecutablePath string `yaml:"camoufoxExecutablePath"`

	// Redirect25to30 enables substituting gemini-3-pro-preview for
	// gemini-2.5-pro before forwarding.
	Redirect25to30 bool `yaml:"redirect25to30"`

	// NativeReasoning injects generationConfig.thinkingConfig.includeThoughts
	// on generative requests.
	NativeReasoning bool `yaml:"nativeReasoning"`

	// OpenAIReasoning controls whether the OpenAI->Google translator requests
	// thinking content for OpenAI-dialect clients.
	OpenAIReasoning bool `yaml:"openAIReasoning"`

	// ResumeLimit configures the opaque resume_limit pass-through flag on
	// relay requests; EnableResume mirrors ResumeLimit > 0.
	ResumeLimit int `yaml:"resumeLimit"`

	// EnableResume mirrors ResumeLimit > 0.
	EnableResume bool `yaml:"-"`

	// AdminPassword is the password accepted by the session-cookie admin
	// login. Defaults to the first configured API key.
	AdminPassword string `yaml:"adminPassword"`

	// LogFilePath, when non-empty, adds a rotating file sink alongside
	// stdout for the structured logger.
	LogFilePath string `yaml:"logFilePath"`
}

// Defaults documented in the specification (§4.9).
const (
	DefaultHTTPPort         = 7860
	DefaultHost             = "0.0.0.0"
	DefaultWSPort           = 9998
	DefaultStreamingMode    = "real"
	DefaultFailureThreshold = 3
	DefaultSwitchOnUses     = 40
	DefaultMaxRetries       = 1
	DefaultRetryDelay       = 2000 * time.Millisecond
	DefaultInitialAuthIndex = 1
	DefaultCredentialsDir   = "./auth"
	DefaultAPIKey           = "123456"
)

// defaultConfig returns the documented defaults (§4.9), before any YAML
// file or environment override is applied.
func defaultConfig() *Config {
	return &Config{
		HTTPPort:                   DefaultHTTPPort,
		Host:                       DefaultHost,
		WSPort:                     DefaultWSPort,
		StreamingMode:              DefaultStreamingMode,
		FailureThreshold:           DefaultFailureThreshold,
		SwitchOnUses:               DefaultSwitchOnUses,
		MaxRetries:                 DefaultMaxRetries,
		RetryDelay:                 DefaultRetryDelay,
		ImmediateSwitchStatusCodes: []int{429, 503},
		APIKeys:                    []string{DefaultAPIKey},
		InitialAuthIndex:           DefaultInitialAuthIndex,
		CredentialsDir:             DefaultCredentialsDir,
	}
}

// Load builds a Config from the process environment only, falling back to
// the documented defaults whenever a variable is absent or fails to parse.
func Load() *Config {
	return applyEnv(defaultConfig())
}

// LoadFile builds a Config by layering, in increasing precedence: the
// documented defaults, a YAML file at path (if it exists), and finally the
// environment. A missing file is not an error; an unreadable or malformed
// one is.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if yerr := yaml.Unmarshal(data, cfg); yerr != nil {
				return nil, yerr
			}
		case os.IsNotExist(err):
			log.Debugf("config: no YAML file at %s, using defaults and environment", path)
		default:
			return nil, err
		}
	}

	return applyEnv(cfg), nil
}

// applyEnv layers environment-variable overrides on top of cfg, then
// derives EnableResume and AdminPassword.
func applyEnv(cfg *Config) *Config {
	cfg.HTTPPort = envInt("PORT", cfg.HTTPPort)
	cfg.Host = envString("HOST", cfg.Host)
	cfg.WSPort = envInt("WS_PORT", cfg.WSPort)
	cfg.StreamingMode = envStreamingMode("STREAMING_MODE", cfg.StreamingMode)
	cfg.FailureThreshold = envInt("FAILURE_THRESHOLD", cfg.FailureThreshold)
	cfg.SwitchOnUses = envInt("SWITCH_ON_USES", cfg.SwitchOnUses)
	cfg.MaxRetries = envInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.RetryDelay = envMillis("RETRY_DELAY", cfg.RetryDelay)
	cfg.CamoufoxExecutablePath = envString("CAMOUFOX_EXECUTABLE_PATH", cfg.CamoufoxExecutablePath)
	cfg.InitialAuthIndex = envInt("INITIAL_AUTH_INDEX", cfg.InitialAuthIndex)
	cfg.ResumeLimit = envInt("RESUME_LIMIT", cfg.ResumeLimit)
	cfg.EnableResume = cfg.ResumeLimit > 0
	cfg.LogFilePath = envString("LOG_FILE", cfg.LogFilePath)
	cfg.NativeReasoning = envBool("NATIVE_REASONING", cfg.NativeReasoning)
	cfg.OpenAIReasoning = envBool("OPENAI_REASONING", cfg.OpenAIReasoning)
	cfg.Redirect25to30 = envBool("REDIRECT_25_TO_30", cfg.Redirect25to30)

	if codes := envIntList("IMMEDIATE_SWITCH_STATUS_CODES"); len(codes) > 0 {
		cfg.ImmediateSwitchStatusCodes = codes
	}

	if keys := envStringList("API_KEYS"); len(keys) > 0 {
		cfg.APIKeys = keys
	}
	if len(cfg.APIKeys) == 1 && cfg.APIKeys[0] == DefaultAPIKey {
		log.Warnf("API_KEYS not set; using insecure default key %q", DefaultAPIKey)
	}

	if dir := envString("CREDENTIALS_DIR", ""); dir != "" {
		cfg.CredentialsDir = dir
	}

	if pass := envString("ADMIN_PASSWORD", ""); pass != "" {
		cfg.AdminPassword = pass
	}
	if cfg.AdminPassword == "" && len(cfg.APIKeys) > 0 {
		cfg.AdminPassword = cfg.APIKeys[0]
	}

	return cfg
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		log.Warnf("config: invalid boolean for %s=%q, using default %v", name, v, def)
		return def
	}
	return parsed
}

func envInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warnf("config: invalid integer for %s=%q, using default %d", name, v, def)
		return def
	}
	return parsed
}

func envMillis(name string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warnf("config: invalid integer for %s=%q, using default %s", name, v, def)
		return def
	}
	return time.Duration(parsed) * time.Millisecond
}

func envStreamingMode(name, def string) string {
	v := envString(name, def)
	v = strings.ToLower(strings.TrimSpace(v))
	if v != "real" && v != "fake" {
		log.Warnf("config: invalid %s=%q, using default %q", name, v, def)
		return def
	}
	return v
}

func envStringList(name string) []string {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envIntList(name string) []int {
	parts := envStringList(name)
	if len(parts) == 0 {
		return nil
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			log.Warnf("config: invalid integer %q in %s, skipping", p, name)
			continue
		}
		out = append(out, n)
	}
	return out
}
