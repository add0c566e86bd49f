package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/access"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

func (s *Server) listSchedules(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionView)
	if !ok {
		return
	}
	schedules, err := s.schedules.List(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

func (s *Server) createSchedule(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	var req v1.CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respond.Error(c, apperrors.InvalidInput("invalid schedule: %v", err))
		return
	}
	req.AgentName = a.Name
	sched, err := s.schedules.Create(c.Request.Context(), &req, currentUser(c).ID)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, sched)
}

// resolveSchedule loads the :id schedule and verifies it belongs to the
// :name agent the caller already passed the matrix for.
func (s *Server) resolveSchedule(c *gin.Context, agent string) (*v1.Schedule, bool) {
	sched, err := s.schedules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respond.Error(c, err)
		return nil, false
	}
	if sched.AgentName != agent {
		s.respond.Error(c, apperrors.NotFound("schedule %s not found", c.Param("id")))
		return nil, false
	}
	return sched, true
}

func (s *Server) updateSchedule(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	sched, ok := s.resolveSchedule(c, a.Name)
	if !ok {
		return
	}
	var req v1.UpdateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respond.Error(c, apperrors.InvalidInput("invalid update: %v", err))
		return
	}
	updated, err := s.schedules.Update(c.Request.Context(), sched.ID, &req)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteSchedule(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	sched, ok := s.resolveSchedule(c, a.Name)
	if !ok {
		return
	}
	if err := s.schedules.Delete(c.Request.Context(), sched.ID); err != nil {
		s.respond.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pauseSchedule(c *gin.Context) {
	s.setSchedulePaused(c, true)
}

func (s *Server) resumeSchedule(c *gin.Context) {
	s.setSchedulePaused(c, false)
}

func (s *Server) setSchedulePaused(c *gin.Context, paused bool) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	sched, ok := s.resolveSchedule(c, a.Name)
	if !ok {
		return
	}
	if err := s.schedules.SetPaused(c.Request.Context(), sched.ID, paused); err != nil {
		s.respond.Error(c, err)
		return
	}
	updated, err := s.schedules.Get(c.Request.Context(), sched.ID)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) triggerSchedule(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	sched, ok := s.resolveSchedule(c, a.Name)
	if !ok {
		return
	}
	if err := s.schedEng.TriggerNow(c.Request.Context(), sched.ID); err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"triggered": sched.ID})
}

func (s *Server) pauseAllSchedules(c *gin.Context) {
	n, err := s.schedEng.PauseAll(c.Request.Context())
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	s.logger.Info("all schedules paused", zap.Int64("count", n))
	c.JSON(http.StatusOK, gin.H{"paused": n})
}
