// Package admin implements the Control & Status Surface (C8):
// session-cookie protected admin routes for mode toggles, manual rotation,
// and status introspection, kept separate from the API-key gated public
// surface.
package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/relaypilot/aistudio-proxy/internal/logging"
	"github.com/relaypilot/aistudio-proxy/internal/metrics"
	"github.com/relaypilot/aistudio-proxy/internal/relay"
	"github.com/relaypilot/aistudio-proxy/internal/rotation"
	"github.com/relaypilot/aistudio-proxy/internal/settings"
	"github.com/relaypilot/aistudio-proxy/internal/store"
	"github.com/relaypilot/aistudio-proxy/internal/util"
)

const (
	sessionCookieName = "proxy_admin_session"
	sessionTTL        = 24 * time.Hour
)

// SessionStore is a tiny in-memory session table. Sessions are opaque
// uuid4 tokens; there is no refresh, matching the admin console's
// simple session-cookie login.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]time.Time
}

// NewSessionStore constructs an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]time.Time)}
}

// Create mints a fresh session token.
func (s *SessionStore) Create() string {
	token := uuid.NewString()
	s.mu.Lock()
	s.sessions[token] = time.Now().Add(sessionTTL)
	s.mu.Unlock()
	return token
}

// Valid reports whether token is a live, unexpired session.
func (s *SessionStore) Valid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.sessions[token]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.sessions, token)
		return false
	}
	return true
}

// Revoke deletes a session, used by logout.
func (s *SessionStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Admin owns the Control & Status Surface's state and dependencies.
type Admin struct {
	rotation     *rotation.Controller
	settings     *settings.Settings
	channel      *relay.Channel
	store        *store.Store
	sessions     *SessionStore
	passwordHash []byte
}

// New constructs Admin, hashing adminPassword with bcrypt so the plaintext
// is never retained.
func New(rc *rotation.Controller, se *settings.Settings, ch *relay.Channel, st *store.Store, adminPassword string) (*Admin, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &Admin{
		rotation:     rc,
		settings:     se,
		channel:      ch,
		store:        st,
		sessions:     NewSessionStore(),
		passwordHash: hash,
	}, nil
}

// RegisterRoutes mounts the login endpoint (unauthenticated) and the
// session-protected /api/* routes onto r.
func (a *Admin) RegisterRoutes(r gin.IRouter) {
	r.POST("/login", a.handleLogin)
	r.POST("/logout", a.handleLogout)

	api := r.Group("/api", a.requireSession)
	api.GET("/status", a.handleStatus)
	api.POST("/switch-account", a.handleSwitchAccount)
	api.POST("/set-mode", a.handleSetMode)
	api.POST("/toggle-reasoning", a.handleToggleReasoning)
	api.POST("/toggle-native-reasoning", a.handleToggleNativeReasoning)
	api.POST("/toggle-redirect-25-30", a.handleToggleRedirect)
	api.POST("/set-resume-config", a.handleSetResumeConfig)
}

func (a *Admin) requireSession(c *gin.Context) {
	token, err := c.Cookie(sessionCookieName)
	if err != nil || !a.sessions.Valid(token) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	c.Next()
}

type loginRequest struct {
	Password string `json:"password"`
}

func (a *Admin) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed login request"})
		return
	}
	if bcrypt.CompareHashAndPassword(a.passwordHash, []byte(req.Password)) != nil {
		log.Warn("admin: rejected login attempt")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}
	token := a.sessions.Create()
	c.SetCookie(sessionCookieName, token, int(sessionTTL.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *Admin) handleLogout(c *gin.Context) {
	if token, err := c.Cookie(sessionCookieName); err == nil {
		a.sessions.Revoke(token)
	}
	c.SetCookie(sessionCookieName, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *Admin) handleStatus(c *gin.Context) {
	snap := a.rotation.Snapshot()
	limit, enableResume := a.settings.ResumeConfig()
	accountName := "unknown"
	if name := a.store.NameOf(snap.CurrentIndex); name != nil {
		accountName = *name
	}

	c.JSON(http.StatusOK, gin.H{
		"streamingMode": string(a.settings.StreamingMode()),
		"flags": gin.H{
			"nativeReasoning": a.settings.NativeReasoning(),
			"openAIReasoning": a.settings.OpenAIReasoning(),
			"redirect25to30":  a.settings.Redirect25to30(),
			"enableResume":    enableResume,
			"resumeLimit":     limit,
		},
		"browserConnected": a.channel.IsConnected(),
		"currentAuthIndex": snap.CurrentIndex,
		"usageCount":       snap.UsageSummary(),
		"failureCount":     snap.FailureSummary(),
		"accountDetails":   accountName,
		"rotationState":    snap.State.String(),
		"recentLogs":       redactLogEntries(logging.GetRecentGlobalEntries(100)),
	})
}

// redactLogEntries scrubs sensitive structured fields (auth headers, API
// keys, tokens) off of log entries before they leave the proxy through the
// admin console's status response.
func redactLogEntries(entries []logging.LogEntry) []logging.LogEntry {
	for i, entry := range entries {
		if len(entry.Fields) == 0 {
			continue
		}
		raw, err := json.Marshal(entry.Fields)
		if err != nil {
			continue
		}
		var redacted map[string]interface{}
		if err := json.Unmarshal(util.RedactSensitiveJSON(raw), &redacted); err != nil {
			continue
		}
		entries[i].Fields = redacted
	}
	return entries
}

type switchAccountRequest struct {
	TargetIndex *int `json:"targetIndex"`
}

func (a *Admin) handleSwitchAccount(c *gin.Context) {
	var req switchAccountRequest
	_ = c.ShouldBindJSON(&req)
	outcome := a.rotation.ManualSwitch(c.Request.Context(), req.TargetIndex)
	if outcome.Success {
		metrics.RecordRotationSwitch("success")
	} else {
		metrics.RecordRotationSwitch("failure")
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    outcome.Success,
		"fellBackTo": outcome.FellBackTo,
		"reason":     outcome.Reason,
	})
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

func (a *Admin) handleSetMode(c *gin.Context) {
	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Mode != string(settings.Real) && req.Mode != string(settings.Fake)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be \"real\" or \"fake\""})
		return
	}
	a.settings.SetStreamingMode(settings.StreamingMode(req.Mode))
	c.JSON(http.StatusOK, gin.H{"streamingMode": req.Mode})
}

func (a *Admin) handleToggleReasoning(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"openAIReasoning": a.settings.ToggleReasoning()})
}

func (a *Admin) handleToggleNativeReasoning(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nativeReasoning": a.settings.ToggleNativeReasoning()})
}

func (a *Admin) handleToggleRedirect(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"redirect25to30": a.settings.ToggleRedirect25to30()})
}

type setResumeConfigRequest struct {
	Limit int `json:"limit"`
}

func (a *Admin) handleSetResumeConfig(c *gin.Context) {
	var req setResumeConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed resume config"})
		return
	}
	a.settings.SetResumeConfig(req.Limit)
	limit, enabled := a.settings.ResumeConfig()
	c.JSON(http.StatusOK, gin.H{"resumeLimit": limit, "enableResume": enabled})
}
