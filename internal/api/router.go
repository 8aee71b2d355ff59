// Package api wires the public HTTP surface: API-key authentication, the
// OpenAI-compatible /v1 endpoints, and the Google-dialect passthrough that
// hands every other path straight to the Request Pipeline.
package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/relaypilot/aistudio-proxy/internal/pipeline"
	"github.com/relaypilot/aistudio-proxy/internal/settings"
	"github.com/relaypilot/aistudio-proxy/internal/translator"
	"github.com/relaypilot/aistudio-proxy/internal/util"
)

// Server owns the public API's dependencies.
type Server struct {
	pipeline *pipeline.Pipeline
	settings *settings.Settings
	apiKeys  map[string]struct{}
}

// New constructs Server with an allowlist of accepted API keys.
func New(p *pipeline.Pipeline, se *settings.Settings, apiKeys []string) *Server {
	allow := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		allow[k] = struct{}{}
	}
	return &Server{pipeline: p, settings: se, apiKeys: allow}
}

// RegisterRoutes mounts the authenticated public surface onto the engine.
// The passthrough surface is registered as the engine's catch-all NoRoute
// handler, so it never shadows the admin console's own routes.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/", s.requireAPIKey)
	v1.GET("/v1/models", s.handleListModels)
	v1.POST("/v1/chat/completions", s.handleChatCompletions)
	r.NoRoute(s.requireAPIKey, s.handlePassthrough)
}

// requireAPIKey accepts a credential from x-goog-api-key, an Authorization
// bearer token, x-api-key, or a ?key= query parameter, matching the surfaces
// Google and OpenAI clients each use natively.
func (s *Server) requireAPIKey(c *gin.Context) {
	if len(s.apiKeys) == 0 {
		c.Next()
		return
	}
	key := c.GetHeader("x-goog-api-key")
	if key == "" {
		key = c.GetHeader("x-api-key")
	}
	if key == "" {
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if key == "" {
		key = c.Query("key")
	}
	if _, ok := s.apiKeys[key]; !ok {
		log.Warnf("api: rejected request with invalid API key %s", util.HideAPIKey(key))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "invalid API key", "code": 401}})
		return
	}
	c.Next()
}

func (s *Server) handleListModels(c *gin.Context) {
	body, status, err := s.pipeline.FetchBuffered(c.Request.Context(), http.MethodGet, "/v1beta/models",
		pipeline.BuildHeaderMap(c.Request.Header), pipeline.BuildQueryMap(c.Request.URL.Query()), nil, pipeline.ModelsTimeout)
	if err != nil {
		if status == 0 {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Data(status, "application/json", translator.TranslateModelList(body))
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	raw, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	translated, endpoint, err := translator.TranslateRequest(raw, translator.RequestOptions{
		Stream:                 gjson.GetBytes(raw, "stream").Bool(),
		OpenAIReasoningEnabled: s.settings.OpenAIReasoning(),
		Redirect25to30:         s.settings.Redirect25to30(),
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed chat completion request"})
		return
	}

	s.pipeline.Forward(c, http.MethodPost, endpoint,
		pipeline.BuildHeaderMap(c.Request.Header),
		pipeline.BuildQueryMap(c.Request.URL.Query()),
		translated, true, openAIHooks())
}

// handlePassthrough forwards any Google-dialect path verbatim, applying the
// model redirect and native-reasoning injection toggles before sending.
func (s *Server) handlePassthrough(c *gin.Context) {
	raw, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	path := pipeline.ApplyModelRedirect(c.Request.URL.Path, s.settings.Redirect25to30())
	isGenerative := strings.Contains(path, ":generateContent") || strings.Contains(path, ":streamGenerateContent")
	if isGenerative && s.settings.NativeReasoning() && len(raw) > 0 {
		raw = pipeline.InjectNativeReasoning(raw)
	}

	s.pipeline.Forward(c, c.Request.Method, path,
		pipeline.BuildHeaderMap(c.Request.Header),
		pipeline.BuildQueryMap(c.Request.URL.Query()),
		raw, isGenerative, dialectPassthrough())
}

func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	defer c.Request.Body.Close()
	return io.ReadAll(c.Request.Body)
}

func dialectPassthrough() pipeline.DialectHooks {
	return pipeline.DialectHooks{}
}

func openAIHooks() pipeline.DialectHooks {
	return pipeline.DialectHooks{
		ChunkTransform: func(requestID string, raw []byte) ([]byte, bool) {
			return translator.TranslateStreamChunk(requestID, raw)
		},
		BodyTransform: func(requestID string, body []byte) ([]byte, error) {
			return translator.TranslateNonStreamResponse(requestID, body)
		},
	}
}
