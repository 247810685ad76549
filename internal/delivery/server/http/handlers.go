package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"muse/internal/delivery/server/app"
	"muse/internal/domain/instance"
	"muse/internal/domain/task"
)

type imagineRequest struct {
	Prompt     string `json:"prompt" binding:"required"`
	NotifyHook string `json:"notifyHook"`
}

type changeRequest struct {
	TaskID     string `json:"taskId" binding:"required"`
	Action     string `json:"action" binding:"required"`
	Index      int    `json:"index"`
	NotifyHook string `json:"notifyHook"`
}

type actionRequest struct {
	TaskID     string `json:"taskId" binding:"required"`
	CustomID   string `json:"customId" binding:"required"`
	NotifyHook string `json:"notifyHook"`
}

type describeRequest struct {
	Base64     string `json:"base64" binding:"required"`
	FileName   string `json:"fileName"`
	NotifyHook string `json:"notifyHook"`
}

type blendRequest struct {
	Base64Array []string `json:"base64Array" binding:"required"`
	Dimensions  string   `json:"dimensions"`
	NotifyHook  string   `json:"notifyHook"`
}

func (s *Server) writeResult(c *gin.Context, action string, result instance.SubmitResult) {
	s.metrics.ObserveSubmission(action, result.Code)
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleImagine(c *gin.Context) {
	var req imagineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, instance.SubmitResult{Code: instance.CodeValidationError, Description: err.Error()})
		return
	}
	s.writeResult(c, "imagine", s.service.SubmitImagine(req.Prompt, req.NotifyHook))
}

func (s *Server) handleChange(c *gin.Context) {
	var req changeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, instance.SubmitResult{Code: instance.CodeValidationError, Description: err.Error()})
		return
	}
	kind := app.ChangeKind(strings.ToUpper(req.Action))
	switch kind {
	case app.ChangeUpscale, app.ChangeVariation, app.ChangeReroll:
	default:
		c.JSON(http.StatusOK, instance.SubmitResult{Code: instance.CodeValidationError, Description: "action must be UPSCALE, VARIATION or REROLL"})
		return
	}
	s.writeResult(c, "change", s.service.SubmitChange(c.Request.Context(), req.TaskID, kind, req.Index, req.NotifyHook))
}

func (s *Server) handleAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, instance.SubmitResult{Code: instance.CodeValidationError, Description: err.Error()})
		return
	}
	s.writeResult(c, "action", s.service.SubmitAction(c.Request.Context(), req.TaskID, req.CustomID, req.NotifyHook))
}

func (s *Server) handleDescribe(c *gin.Context) {
	var req describeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, instance.SubmitResult{Code: instance.CodeValidationError, Description: err.Error()})
		return
	}
	s.writeResult(c, "describe", s.service.SubmitDescribe(req.FileName, req.Base64, req.NotifyHook))
}

func (s *Server) handleBlend(c *gin.Context) {
	var req blendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, instance.SubmitResult{Code: instance.CodeValidationError, Description: err.Error()})
		return
	}
	s.writeResult(c, "blend", s.service.SubmitBlend(req.Base64Array, instance.BlendDimensions(strings.ToUpper(req.Dimensions)), req.NotifyHook))
}

func (s *Server) handleFetch(c *gin.Context) {
	snap, err := s.service.FetchTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.service.CancelTask(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": instance.CodeSuccess, "description": "cancelled"})
}

func (s *Server) handleQueue(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.QueueInfo())
}

func (s *Server) handleList(c *gin.Context) {
	var filter func(*task.Task) bool
	if status := c.Query("status"); status != "" {
		want := task.Status(strings.ToUpper(status))
		filter = func(t *task.Task) bool { return t.Status() == want }
	}
	snaps, err := s.service.ListTasks(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snaps)
}

type accountView struct {
	ID        string `json:"id"`
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
	Enabled   bool   `json:"enabled"`
	CoreSize  int    `json:"coreSize"`
	Weight    int    `json:"weight"`
	Queued    int    `json:"queued"`
	Running   int    `json:"running"`
}

func (s *Server) handleAccounts(c *gin.Context) {
	runtimes := s.registry.All()
	views := make([]accountView, 0, len(runtimes))
	for _, rt := range runtimes {
		acc := rt.Account()
		views = append(views, accountView{
			ID:        acc.ID,
			GuildID:   acc.GuildID,
			ChannelID: acc.ChannelID,
			Enabled:   acc.Enabled,
			CoreSize:  acc.EffectiveCoreSize(),
			Weight:    acc.Weight,
			Queued:    rt.QueueLen(),
			Running:   len(rt.RunningTasks()),
		})
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).String(),
		"instances": len(s.registry.All()),
		"alive":     len(s.registry.Alive()),
	})
}

// writeError maps application sentinels to HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, app.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, app.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, app.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, app.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
