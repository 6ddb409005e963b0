package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/executor"
	"github.com/claude-host/claude-host/internal/session"
	"github.com/claude-host/claude-host/internal/tmux"
)

// Handlers hold the REST surface. Each handler authenticates via the
// group middleware, validates the request shape, and delegates to the
// session manager.
type Handlers struct {
	mgr    *session.Manager
	reg    *executor.Registry
	logger *logger.Logger
}

// NewHandlers wires the REST handlers.
func NewHandlers(mgr *session.Manager, reg *executor.Registry, log *logger.Logger) *Handlers {
	return &Handlers{
		mgr:    mgr,
		reg:    reg,
		logger: log.WithFields(zap.String("component", "api_handlers")),
	}
}

func (h *Handlers) register(api *gin.RouterGroup) {
	api.GET("/sessions", h.listSessions)
	api.POST("/sessions", h.createSession)
	api.POST("/sessions/fork", h.forkSession)
	api.POST("/sessions/job", h.createJob)
	api.DELETE("/sessions/:name", h.deleteSession)
	api.GET("/sessions/:name/snapshot", h.snapshotSession)
	api.GET("/sessions/:name/summarize", h.summarizeSession)
	api.GET("/config", h.getConfig)
	api.PUT("/config", h.setConfig)
	api.GET("/executors", h.listExecutors)
	api.GET("/executors/logs", h.executorLogs)
	api.POST("/executors/upgrade", h.upgradeExecutor)
	api.GET("/executor-keys", h.listExecutorKeys)
	api.POST("/executor-keys", h.createExecutorKey)
	api.DELETE("/executor-keys/:id", h.revokeExecutorKey)
}

func (h *Handlers) listSessions(c *gin.Context) {
	p := principalFrom(c)
	sessions, err := h.mgr.List(c.Request.Context(), p.UserID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handlers) createSession(c *gin.Context) {
	p := principalFrom(c)
	var body session.CreateParams
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	row, err := h.mgr.Create(c.Request.Context(), p.UserID, body)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

type forkRequest struct {
	SourceName string `json:"source_name"`
}

func (h *Handlers) forkSession(c *gin.Context) {
	p := principalFrom(c)
	var body forkRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.SourceName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_name is required"})
		return
	}
	row, err := h.mgr.Fork(c.Request.Context(), p.UserID, body.SourceName)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

func (h *Handlers) createJob(c *gin.Context) {
	p := principalFrom(c)
	var body session.JobParams
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	row, err := h.mgr.CreateJob(c.Request.Context(), p.UserID, body)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

func (h *Handlers) deleteSession(c *gin.Context) {
	p := principalFrom(c)
	name := c.Param("name")
	if err := tmux.ValidateName(name); err != nil {
		writeError(c, h.logger, err)
		return
	}
	if err := h.mgr.Delete(c.Request.Context(), p.UserID, name); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) snapshotSession(c *gin.Context) {
	p := principalFrom(c)
	name := c.Param("name")
	if err := tmux.ValidateName(name); err != nil {
		writeError(c, h.logger, err)
		return
	}
	lines, _ := strconv.Atoi(c.DefaultQuery("lines", "0"))
	text, err := h.mgr.Snapshot(c.Request.Context(), p.UserID, name, lines)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}

func (h *Handlers) summarizeSession(c *gin.Context) {
	p := principalFrom(c)
	name := c.Param("name")
	if err := tmux.ValidateName(name); err != nil {
		writeError(c, h.logger, err)
		return
	}
	// analyze=1 additionally refreshes the needs-input verdict.
	if c.Query("analyze") != "" {
		desc, needsInput, err := h.mgr.Analyze(c.Request.Context(), p.UserID, name)
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"description": desc, "needs_input": needsInput})
		return
	}
	desc, err := h.mgr.Summarize(c.Request.Context(), p.UserID, name)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"description": desc})
}

func (h *Handlers) getConfig(c *gin.Context) {
	p := principalFrom(c)
	cfg, err := h.mgr.GetConfig(c.Request.Context(), p.UserID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

type setConfigRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (h *Handlers) setConfig(c *gin.Context) {
	p := principalFrom(c)
	var body setConfigRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.mgr.SetConfig(c.Request.Context(), p.UserID, body.Key, body.Value); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) listExecutors(c *gin.Context) {
	p := principalFrom(c)
	executors, err := h.mgr.ListExecutors(c.Request.Context(), p.UserID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executors": executors})
}

func (h *Handlers) executorLogs(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
		since = parsed
	}
	c.JSON(http.StatusOK, gin.H{"logs": h.reg.Logs(since)})
}

type upgradeRequest struct {
	ExecutorID string `json:"executor_id"`
	Reason     string `json:"reason"`
}

func (h *Handlers) upgradeExecutor(c *gin.Context) {
	p := principalFrom(c)
	var body upgradeRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.ExecutorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "executor_id is required"})
		return
	}
	if err := h.mgr.UpgradeExecutor(c.Request.Context(), p.UserID, body.ExecutorID, body.Reason); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) listExecutorKeys(c *gin.Context) {
	p := principalFrom(c)
	keys, err := h.mgr.ListExecutorKeys(c.Request.Context(), p.UserID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

type createKeyRequest struct {
	Name       string `json:"name"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (h *Handlers) createExecutorKey(c *gin.Context) {
	p := principalFrom(c)
	var body createKeyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	var expiresAt *time.Time
	if body.TTLSeconds > 0 {
		t := time.Now().Add(time.Duration(body.TTLSeconds) * time.Second)
		expiresAt = &t
	}
	token, key, err := h.mgr.CreateExecutorKey(c.Request.Context(), p.UserID, body.Name, expiresAt)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	// The token is shown exactly once.
	c.JSON(http.StatusCreated, gin.H{"token": token, "key": key})
}

func (h *Handlers) revokeExecutorKey(c *gin.Context) {
	p := principalFrom(c)
	if err := h.mgr.RevokeExecutorKey(c.Request.Context(), p.UserID, c.Param("id")); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
