package gateway

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trinity/trinity/internal/access"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/docker"
	"github.com/trinity/trinity/internal/events"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// resolveAgent loads the :name agent and enforces the access matrix. A
// denial has already been written when ok is false.
func (s *Server) resolveAgent(c *gin.Context, action access.Action) (*v1.Agent, bool) {
	a, err := s.agents.GetByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.respond.Error(c, err)
		return nil, false
	}
	if err := s.matrix.Check(c.Request.Context(), principal(c), action, a); err != nil {
		s.respond.Error(c, err)
		return nil, false
	}
	return a, true
}

func (s *Server) listAgents(c *gin.Context) {
	all, err := s.agents.List(c.Request.Context())
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	visible := s.matrix.VisibleAgents(c.Request.Context(), principal(c), all)
	c.JSON(http.StatusOK, gin.H{"agents": visible})
}

func (s *Server) createAgent(c *gin.Context) {
	p := principal(c)
	if p.Type == access.PrincipalAgent {
		s.respond.Error(c, apperrors.Forbidden("agents cannot deploy agents"))
		return
	}
	var req v1.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respond.Error(c, apperrors.InvalidInput("invalid agent request: %v", err))
		return
	}
	a, err := s.lifecycle.CreateAgent(c.Request.Context(), &req, currentUser(c).ID)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) getAgent(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionView)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) updateAgent(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	var req v1.UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respond.Error(c, apperrors.InvalidInput("invalid update: %v", err))
		return
	}
	if err := s.agents.Update(c.Request.Context(), a.Name, &req); err != nil {
		s.respond.Error(c, err)
		return
	}
	updated, err := s.agents.GetByName(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteAgent(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	if err := s.lifecycle.DeleteAgent(c.Request.Context(), a.Name); err != nil {
		s.respond.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startAgent(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	if err := s.lifecycle.StartAgent(c.Request.Context(), a.Name); err != nil {
		s.respond.Error(c, err)
		return
	}
	started, err := s.agents.GetByName(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, started)
}

func (s *Server) stopAgent(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	if err := s.lifecycle.StopAgent(c.Request.Context(), a.Name); err != nil {
		s.respond.Error(c, err)
		return
	}
	stopped, err := s.agents.GetByName(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, stopped)
}

func (s *Server) recreateAgent(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	recreated, err := s.lifecycle.RecreateContainer(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, recreated)
}

func (s *Server) reloadCredentials(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	result, err := s.lifecycle.ReloadCredentials(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) agentStats(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionView)
	if !ok {
		return
	}
	var stats *v1.AgentStats
	if a.ContainerID != nil && a.State == v1.AgentStateRunning {
		var err error
		stats, err = s.docker.ContainerStats(c.Request.Context(), *a.ContainerID)
		if err != nil {
			s.respond.Error(c, err)
			return
		}
		stats.Name = a.Name
	}
	sessions, err := s.sessions.List(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	totalCost, err := s.sessions.TotalCost(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent":          a.Name,
		"state":          a.State,
		"container":      stats,
		"sessions":       sessions,
		"total_cost_usd": totalCost,
	})
}

func (s *Server) agentLogs(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionView)
	if !ok {
		return
	}
	if a.ContainerID == nil {
		s.respond.Error(c, apperrors.Conflict("agent %s has no container", a.Name))
		return
	}
	tail := "100"
	if lines := c.Query("lines"); lines != "" {
		if _, err := strconv.Atoi(lines); err != nil {
			s.respond.Error(c, apperrors.InvalidInput("lines must be a number"))
			return
		}
		tail = lines
	}
	rc, err := s.docker.ContainerLogs(c.Request.Context(), *a.ContainerID, false, tail)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	defer rc.Close()
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, rc)
}

func (s *Server) listActivities(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionView)
	if !ok {
		return
	}
	cursor, _ := strconv.ParseInt(c.Query("cursor"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	page, err := s.activity.Store().List(c.Request.Context(), a.Name, cursor, limit)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) listSessions(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionView)
	if !ok {
		return
	}
	sessions, err := s.sessions.List(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) queueStatus(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionView)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.queue.Status(a.Name))
}

func (s *Server) clearQueue(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	n := s.queue.Clear(c.Request.Context(), a.Name)
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

func (s *Server) releaseQueue(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	if err := s.queue.ForceRelease(c.Request.Context(), a.Name); err != nil {
		s.respond.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) chat(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionInvoke)
	if !ok {
		return
	}
	var req v1.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respond.Error(c, apperrors.InvalidInput("message is required"))
		return
	}

	p := principal(c)
	origin := v1.OriginManual
	if p.Type == access.PrincipalAgent || viaMCPKey(c) {
		origin = v1.OriginAPI
	}
	exec, err := s.queue.Enqueue(c.Request.Context(), a.Name, &req, p.String(), origin)
	if err != nil {
		s.respond.Error(c, err)
		return
	}

	// Agent-to-agent calls leave a collaboration trail on both sides.
	if p.Type == access.PrincipalAgent && p.AgentName != a.Name {
		s.activity.Record(c.Request.Context(), p.AgentName, events.KindCollaboration, map[string]any{
			"direction":    "out",
			"peer":         a.Name,
			"execution_id": exec.ID,
		})
		s.activity.Record(c.Request.Context(), a.Name, events.KindCollaboration, map[string]any{
			"direction":    "in",
			"peer":         p.AgentName,
			"execution_id": exec.ID,
		})
	}

	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, exec)
		return
	}
	final, err := s.awaitExecution(c, exec.ID)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, final)
}

func (s *Server) awaitExecution(c *gin.Context, id string) (*v1.Execution, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return nil, apperrors.Cancelled("client went away while waiting")
		case <-ticker.C:
			exec, err := s.execs.Get(c.Request.Context(), id)
			if err != nil {
				return nil, err
			}
			if exec.Status.Terminal() {
				return exec, nil
			}
		}
	}
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.execs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	a, err := s.agents.GetByName(c.Request.Context(), exec.AgentName)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	if err := s.matrix.Check(c.Request.Context(), principal(c), access.ActionView, a); err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

type permissionsRequest struct {
	AllowedCallers []string `json:"allowed_callers"`
}

func (s *Server) listPermissions(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionView)
	if !ok {
		return
	}
	perms, err := s.agents.ListInvocations(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": perms})
}

// putPermissions replaces the set of agents allowed to invoke the target.
func (s *Server) putPermissions(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	var req permissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respond.Error(c, apperrors.InvalidInput("allowed_callers is required"))
		return
	}

	desired := map[string]bool{}
	for _, caller := range req.AllowedCallers {
		if caller == a.Name {
			s.respond.Error(c, apperrors.InvalidInput("agent cannot grant itself"))
			return
		}
		if _, err := s.agents.GetByName(c.Request.Context(), caller); err != nil {
			s.respond.Error(c, err)
			return
		}
		desired[caller] = true
	}

	existing, err := s.agents.ListInvocations(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	current := map[string]bool{}
	for _, perm := range existing {
		if perm.TargetAgent == a.Name {
			current[perm.CallerAgent] = true
		}
	}

	grantedBy := principal(c).String()
	for caller := range desired {
		if !current[caller] {
			if err := s.agents.GrantInvocation(c.Request.Context(), caller, a.Name, grantedBy); err != nil {
				s.respond.Error(c, err)
				return
			}
		}
	}
	for caller := range current {
		if !desired[caller] {
			if err := s.agents.RevokeInvocation(c.Request.Context(), caller, a.Name); err != nil {
				s.respond.Error(c, err)
				return
			}
		}
	}

	perms, err := s.agents.ListInvocations(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": perms})
}

type foldersRequest struct {
	Paths []string `json:"paths"`
}

func (s *Server) listFolders(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionView)
	if !ok {
		return
	}
	folders, err := s.agents.ListSharedFolders(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"folders": folders})
}

// putFolders replaces the set of folders the agent exposes. Mount changes
// take effect on the next container recreate.
func (s *Server) putFolders(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	var req foldersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respond.Error(c, apperrors.InvalidInput("paths is required"))
		return
	}

	desired := map[string]bool{}
	for _, path := range req.Paths {
		if path == "" || path[0] == '/' || path == ".." {
			s.respond.Error(c, apperrors.InvalidInput("folder paths must be relative to the workspace"))
			return
		}
		desired[path] = true
	}

	existing, err := s.agents.ListSharedFolders(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	current := map[string]bool{}
	for _, f := range existing {
		current[f.Path] = true
	}

	for path := range desired {
		if !current[path] {
			if _, err := s.agents.AddSharedFolder(c.Request.Context(), a.Name, path); err != nil {
				s.respond.Error(c, err)
				return
			}
		}
	}
	for path := range current {
		if !desired[path] {
			if err := s.agents.RemoveSharedFolder(c.Request.Context(), a.Name, path); err != nil {
				s.respond.Error(c, err)
				return
			}
		}
	}

	folders, err := s.agents.ListSharedFolders(c.Request.Context(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"folders": folders})
}

func (s *Server) listOrphans(c *gin.Context) {
	containers, err := s.docker.ListManaged(c.Request.Context())
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	known, err := s.agents.List(c.Request.Context())
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	names := map[string]bool{}
	for _, a := range known {
		names[a.Name] = true
	}
	orphans := containers[:0:0]
	for _, info := range containers {
		if !names[info.Labels[docker.LabelAgent]] {
			orphans = append(orphans, info)
		}
	}
	c.JSON(http.StatusOK, gin.H{"orphans": orphans})
}
