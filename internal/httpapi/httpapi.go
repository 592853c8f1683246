// Package httpapi wires the HTTP surface onto gin, mounting
// the Delivery Engine, Session Registry, Event Store, Request Ledger,
// Scheduler, and Hook Ingestor behind the common middleware stack.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/adapter/rpc"
	"github.com/kandev/orchestrator/internal/adapter/terminal"
	"github.com/kandev/orchestrator/internal/common/httpmw"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/delivery"
	"github.com/kandev/orchestrator/internal/eventstore"
	"github.com/kandev/orchestrator/internal/hooks"
	"github.com/kandev/orchestrator/internal/ledger"
	"github.com/kandev/orchestrator/internal/registry"
	"github.com/kandev/orchestrator/internal/scheduler"
)

// Deps bundles every component the HTTP surface drives.
type Deps struct {
	Registry  *registry.Registry
	Engine    *delivery.Engine
	Terminal  *terminal.Adapter
	RPC       *rpc.Manager
	Events    *eventstore.Store
	Ledger    *ledger.Ledger
	Scheduler *scheduler.Scheduler
	Hooks     *hooks.Service
	Log       *logger.Logger
}

// Server holds the gin engine and its dependencies.
type Server struct {
	deps Deps
	log  *logger.Logger
}

func New(deps Deps) *Server {
	return &Server{deps: deps, log: deps.Log.WithFields(zap.String("component", "httpapi"))}
}

// Router builds the gin engine with middleware and routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(httpmw.Recovery(s.log), httpmw.RequestLogger(s.log, "orchestrator"), httpmw.CORS(), httpmw.OtelTracing("orchestrator"))

	r.GET("/health", s.handleHealth)

	sessions := r.Group("/sessions")
	sessions.POST("", s.handleCreateSession)
	sessions.DELETE("/:id", s.handleKillSession)
	sessions.POST("/:id/input", s.handleInput)
	sessions.POST("/:id/clear", s.handleClear)
	sessions.POST("/:id/review", s.handleReview)
	sessions.POST("/:id/reminders", s.handleReminders)
	sessions.POST("/:id/watch", s.handleWatch)
	sessions.GET("/:id/events", s.handleEvents)
	sessions.GET("/:id/stream", s.handleStream)

	r.POST("/requests/:request_id/resolve", s.handleResolveRequest)

	h := s.deps.Hooks
	r.POST("/hooks/pre-tool-use", h.HandlePreToolUse)
	r.POST("/hooks/post-tool-use", h.HandlePostToolUse)
	r.POST("/hooks/stop", h.HandleStop)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"registry":  s.deps.Registry != nil,
		"events":    s.deps.Events != nil,
		"ledger":    s.deps.Ledger != nil,
		"scheduler": s.deps.Scheduler != nil,
	})
}

type createSessionRequest struct {
	WorkingDir    string   `json:"working_dir" binding:"required"`
	Name          string   `json:"name"`
	FriendlyName  string   `json:"friendly_name"`
	Kind          string   `json:"kind" binding:"required"`
	ChatID        string   `json:"chat_id"`
	Command       []string `json:"command"`
	InitialPrompt string   `json:"initial_prompt"`
	ParentID      string   `json:"parent_id"`
	RoleTag       string   `json:"role_tag"`
	IsEM          bool     `json:"is_em"`
	// Protocol selects the RPC Adapter's wire dialect for KindRPC sessions:
	// "codex" (default) or "acp". Ignored for KindTerminal sessions.
	Protocol string `json:"protocol"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := s.deps.Registry.CreateSession(registry.CreateSessionParams{
		Name:         req.Name,
		FriendlyName: req.FriendlyName,
		WorkingDir:   req.WorkingDir,
		Kind:         registry.AdapterKind(req.Kind),
		ParentID:     req.ParentID,
		RoleTag:      req.RoleTag,
		IsEM:         req.IsEM,
		ChatID:       req.ChatID,
		Command:      req.Command,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var spawnErr error
	switch sess.Kind {
	case registry.KindTerminal:
		spawnErr = s.deps.Terminal.Spawn(c.Request.Context(), sess.ID, sess.WorkingDir, req.Command, nil, req.InitialPrompt)
	case registry.KindRPC:
		var threadID string
		threadID, spawnErr = s.deps.RPC.Start(c.Request.Context(), sess.ID, sess.WorkingDir, req.Command, "", "", req.Protocol)
		if spawnErr == nil {
			if err := s.deps.Registry.SetRPCThreadID(sess.ID, threadID); err != nil {
				s.log.Warn("failed to persist rpc thread id", zap.Error(err), zap.String("session_id", sess.ID))
			}
		}
	}
	if spawnErr != nil {
		_ = s.deps.Registry.KillSession(sess.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": spawnErr.Error()})
		return
	}

	if sess.Kind == registry.KindTerminal {
		s.deps.Engine.StartStaleInputPoll(sess.ID)
	}

	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleKillSession(c *gin.Context) {
	id := c.Param("id")
	if sess, err := s.deps.Registry.Get(id); err == nil {
		switch sess.Kind {
		case registry.KindTerminal:
			_ = s.deps.Terminal.Kill(id)
		case registry.KindRPC:
			_ = s.deps.RPC.Close(id)
		}
	}
	s.deps.Scheduler.CancelRemind(id)
	s.deps.Scheduler.CancelParentWake(id)
	s.deps.Scheduler.CancelReminders(id)
	s.deps.Engine.StopStaleInputPoll(id)
	if err := s.deps.Registry.KillSession(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type inputRequest struct {
	Text               string `json:"text" binding:"required"`
	SenderID           string `json:"sender_id"`
	DeliveryMode       string `json:"delivery_mode"`
	TimeoutSeconds     *int   `json:"timeout_seconds"`
	NotifyOnDelivery   bool   `json:"notify_on_delivery"`
	NotifyAfterSeconds *int   `json:"notify_after_seconds"`
	NotifyOnStop       bool   `json:"notify_on_stop"`
	BypassQueue        bool   `json:"bypass_queue"`
}

func (s *Server) handleInput(c *gin.Context) {
	id := c.Param("id")
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mode := delivery.Mode(req.DeliveryMode)
	if mode == "" {
		mode = delivery.ModeSequential
	}
	if req.BypassQueue {
		mode = delivery.ModeSteer
	}

	senderName := ""
	if req.SenderID != "" {
		if sender, err := s.deps.Registry.Get(req.SenderID); err == nil {
			senderName = sender.FriendlyNameOrName()
		}
	}

	m, err := s.deps.Engine.QueueMessage(c.Request.Context(), id, req.Text, req.SenderID, senderName, mode, delivery.Flags{
		NotifyOnDelivery:   req.NotifyOnDelivery,
		NotifyAfterSeconds: req.NotifyAfterSeconds,
		NotifyOnStop:       req.NotifyOnStop,
		TimeoutSeconds:     req.TimeoutSeconds,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "failed", "error": err.Error()})
		return
	}

	status := "queued"
	if mode == delivery.ModeUrgent || mode == delivery.ModeSteer {
		status = "delivered"
	}
	depth, _ := s.deps.Engine.QueueDepth(id)
	c.JSON(http.StatusOK, gin.H{"status": status, "message_id": m.ID, "queue_position": depth})
}

type clearRequest struct {
	NewPrompt string `json:"new_prompt"`
}

func (s *Server) handleClear(c *gin.Context) {
	id := c.Param("id")
	var req clearRequest
	_ = c.ShouldBindJSON(&req)

	sess, err := s.deps.Registry.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	lock := s.deps.Engine.Lock(id)
	lock.Lock()
	s.deps.Engine.ArmSkipFence(id, 1)
	_, _ = s.deps.Engine.CancelCategory(id, "context_monitor")

	var clearErr error
	switch sess.Kind {
	case registry.KindTerminal:
		term := s.deps.Engine.Terminal()
		clearErr = term.SendKey(c.Request.Context(), id, "Escape")
		if clearErr == nil {
			_, clearErr = term.WaitForIdlePrompt(c.Request.Context(), id, 5*time.Second)
		}
		if clearErr == nil {
			clearErr = term.SendText(c.Request.Context(), id, "/clear")
		}
		if clearErr == nil {
			_, clearErr = term.WaitForIdlePrompt(c.Request.Context(), id, 5*time.Second)
		}
	case registry.KindRPC:
		var threadID string
		threadID, clearErr = s.deps.RPC.StartNewThread(c.Request.Context(), id, "")
		if clearErr == nil {
			clearErr = s.deps.Registry.SetRPCThreadID(id, threadID)
		}
	}
	lock.Unlock()

	if clearErr != nil {
		s.deps.Engine.RestoreIdleAndRetry(c.Request.Context(), id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": clearErr.Error()})
		return
	}

	if req.NewPrompt != "" {
		if _, err := s.deps.Engine.QueueMessage(c.Request.Context(), id, req.NewPrompt, "operator", "", delivery.ModeSequential, delivery.Flags{}); err != nil {
			s.log.Warn("failed to queue post-clear prompt", zap.Error(err), zap.String("session_id", id))
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type reviewRequest struct {
	Mode         string `json:"mode" binding:"required"`
	BaseBranch   string `json:"base_branch"`
	CommitSHA    string `json:"commit_sha"`
	CustomPrompt string `json:"custom_prompt"`
	Delivery     string `json:"delivery"`
}

func (s *Server) handleReview(c *gin.Context) {
	id := c.Param("id")
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.deps.RPC.ReviewStart(c.Request.Context(), id, req.Mode, req.BaseBranch, req.CommitSHA, req.CustomPrompt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type remindersRequest struct {
	SoftThresholdSeconds *int   `json:"soft_threshold_seconds"`
	HardThresholdSeconds *int   `json:"hard_threshold_seconds"`
	OneShotDelaySeconds  *int   `json:"one_shot_delay_seconds"`
	Message              string `json:"message"`
}

func (s *Server) handleReminders(c *gin.Context) {
	id := c.Param("id")
	var req remindersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.OneShotDelaySeconds != nil {
		s.deps.Scheduler.ScheduleReminder(id, time.Duration(*req.OneShotDelaySeconds)*time.Second, req.Message)
		c.JSON(http.StatusOK, gin.H{"ok": true, "type": "one_shot"})
		return
	}
	if req.SoftThresholdSeconds == nil || req.HardThresholdSeconds == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "soft_threshold_seconds and hard_threshold_seconds are required for a periodic remind"})
		return
	}
	s.deps.Scheduler.RegisterPeriodicRemind(id,
		time.Duration(*req.SoftThresholdSeconds)*time.Second,
		time.Duration(*req.HardThresholdSeconds)*time.Second)
	c.JSON(http.StatusOK, gin.H{"ok": true, "type": "periodic"})
}

type watchRequest struct {
	Watcher        string `json:"watcher" binding:"required"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (s *Server) handleWatch(c *gin.Context) {
	id := c.Param("id")
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	s.deps.Scheduler.WatchSession(id, req.Watcher, timeout)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleEvents(c *gin.Context) {
	id := c.Param("id")
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var sinceSeq *int64
	if v := c.Query("since_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			sinceSeq = &n
		}
	}
	page, err := s.deps.Events.GetEvents(id, sinceSeq, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, page)
}

type resolveRequest struct {
	Payload interface{} `json:"payload"`
}

func (s *Server) handleResolveRequest(c *gin.Context) {
	requestID := c.Param("request_id")
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := marshalPayload(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.deps.Ledger.Resolve(requestID, payload, "operator", "", "", false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !result.OK {
		c.JSON(http.StatusConflict, gin.H{"error": result.ErrorCode})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "idempotent": result.Idempotent})
}

func marshalPayload(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal resolve payload: %w", err)
	}
	return b, nil
}
