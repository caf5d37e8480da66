package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/listing-automation/internal/domain"
	"github.com/smallbiznis/listing-automation/internal/health"
	"github.com/smallbiznis/listing-automation/internal/repository"
	"github.com/smallbiznis/listing-automation/internal/token"
)

// AutomationHandler serves the dashboard-facing REST API.
type AutomationHandler struct {
	Configs repository.AutomationConfigRepository
	Records repository.JobExecutionRepository
	Posts   repository.QueuedPostRepository
	Tokens  *token.Manager
	Monitor *health.Monitor
	Node    *snowflake.Node
}

// NewAutomationHandler wires the handler.
func NewAutomationHandler(
	configs repository.AutomationConfigRepository,
	records repository.JobExecutionRepository,
	posts repository.QueuedPostRepository,
	tokens *token.Manager,
	monitor *health.Monitor,
	node *snowflake.Node,
) *AutomationHandler {
	return &AutomationHandler{
		Configs: configs,
		Records: records,
		Posts:   posts,
		Tokens:  tokens,
		Monitor: monitor,
		Node:    node,
	}
}

// GetAutomation returns the automation config for one resource.
func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	resourceID := c.Param("resourceID")

	cfg, err := h.Configs.Get(c.Request.Context(), resourceID)
	if err != nil {
		if errors.Is(err, domain.ErrConfigNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "No automation config for resource."})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Failed to load automation config."})
		return
	}

	c.JSON(http.StatusOK, cfg)
}

// PutAutomation creates or replaces the automation config for one resource.
// Saving clears any disabled reason, so this is also how the owner re-enables
// an automation after reconnecting.
func (h *AutomationHandler) PutAutomation(c *gin.Context) {
	resourceID := c.Param("resourceID")

	var req struct {
		OwnerPrincipalID     string          `json:"owner_principal_id"`
		PostingEnabled       bool            `json:"posting_enabled"`
		Schedule             domain.Schedule `json:"schedule"`
		ReplyEnabled         bool            `json:"reply_enabled"`
		CheckIntervalSeconds int             `json:"check_interval_seconds"`
		ReplyMessage         string          `json:"reply_message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
		return
	}
	if strings.TrimSpace(req.OwnerPrincipalID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "owner_principal_id is required."})
		return
	}
	if req.PostingEnabled {
		if err := req.Schedule.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_schedule", "error_description": err.Error()})
			return
		}
	}
	if req.ReplyEnabled && req.CheckIntervalSeconds <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "check_interval_seconds must be positive when replies are enabled."})
		return
	}

	cfg := domain.AutomationConfig{
		ResourceID:           resourceID,
		OwnerPrincipalID:     req.OwnerPrincipalID,
		PostingEnabled:       req.PostingEnabled,
		Schedule:             req.Schedule,
		ReplyEnabled:         req.ReplyEnabled,
		CheckIntervalSeconds: req.CheckIntervalSeconds,
		ReplyMessage:         req.ReplyMessage,
	}
	if existing, err := h.Configs.Get(c.Request.Context(), resourceID); err == nil {
		cfg.LastRunAt = existing.LastRunAt
		cfg.LastReplyCheckAt = existing.LastReplyCheckAt
		cfg.CreatedAt = existing.CreatedAt
	}

	if err := h.Configs.Save(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Failed to save automation config."})
		return
	}

	c.JSON(http.StatusOK, cfg)
}

// ListExecutions returns the recent execution history for one resource.
func (h *AutomationHandler) ListExecutions(c *gin.Context) {
	resourceID := c.Param("resourceID")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "limit must be between 1 and 500."})
			return
		}
		limit = parsed
	}

	records, err := h.Records.ListRecent(c.Request.Context(), resourceID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Failed to load execution history."})
		return
	}

	c.JSON(http.StatusOK, gin.H{"executions": records})
}

// EnqueuePost adds owner-authored content to the resource's posting queue.
func (h *AutomationHandler) EnqueuePost(c *gin.Context) {
	resourceID := c.Param("resourceID")

	var req struct {
		Body string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "body is required."})
		return
	}

	post := domain.QueuedPost{
		ID:         h.Node.Generate().Int64(),
		ResourceID: resourceID,
		Body:       req.Body,
		Status:     domain.PostStatusPending,
	}
	created, err := h.Posts.Enqueue(c.Request.Context(), post)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Failed to enqueue post."})
		return
	}

	c.JSON(http.StatusCreated, created)
}

// PutCredentials records a fresh authorization grant for a principal. The
// dashboard calls this after the owner completes the consent flow, both on
// first connect and on manual re-connect.
func (h *AutomationHandler) PutCredentials(c *gin.Context) {
	principalID := c.Param("principalID")

	var req struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
		TokenType    string `json:"token_type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" || strings.TrimSpace(req.RefreshToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "access_token and refresh_token are required."})
		return
	}

	grant := domain.TokenGrant{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		Scope:        req.Scope,
		TokenType:    req.TokenType,
	}
	if req.ExpiresIn > 0 {
		grant.Expiry = time.Now().UTC().Add(time.Duration(req.ExpiresIn) * time.Second)
	}

	record, err := h.Tokens.StoreGrant(c.Request.Context(), principalID, grant)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Failed to store credentials."})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"principal_id": record.PrincipalID,
		"expiry":       record.AccessTokenExpiry,
	})
}

// DeletePrincipal disconnects a principal: best-effort remote revocation,
// unconditional local deletion.
func (h *AutomationHandler) DeletePrincipal(c *gin.Context) {
	principalID := c.Param("principalID")

	if err := h.Tokens.Revoke(c.Request.Context(), principalID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Failed to disconnect principal."})
		return
	}

	c.Status(http.StatusNoContent)
}

// PrincipalStatuses returns the connection health snapshot for every known
// principal.
func (h *AutomationHandler) PrincipalStatuses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"principals": h.Monitor.Statuses()})
}

// Healthz is the liveness probe.
func (h *AutomationHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
