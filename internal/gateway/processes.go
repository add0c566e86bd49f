package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/trinity/trinity/internal/access"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// canSeeProcess applies ownership: members see their own definitions,
// admins and the system principal see everything. Agents have no business
// with process definitions at all.
func canSeeProcess(p access.Principal, proc *v1.Process) bool {
	switch p.Type {
	case access.PrincipalSystem:
		return true
	case access.PrincipalUser:
		return p.Role == v1.RoleAdmin || proc.OwnerID == p.UserID
	default:
		return false
	}
}

func (s *Server) resolveProcess(c *gin.Context) (*v1.Process, bool) {
	proc, err := s.processes.GetProcess(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respond.Error(c, err)
		return nil, false
	}
	if !canSeeProcess(principal(c), proc) {
		s.respond.Error(c, apperrors.NotFound("process %s not found", c.Param("id")))
		return nil, false
	}
	return proc, true
}

func (s *Server) listProcesses(c *gin.Context) {
	all, err := s.processes.ListProcesses(c.Request.Context())
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	p := principal(c)
	visible := make([]*v1.Process, 0, len(all))
	for _, proc := range all {
		if canSeeProcess(p, proc) {
			visible = append(visible, proc)
		}
	}
	c.JSON(http.StatusOK, gin.H{"processes": visible})
}

func (s *Server) createProcess(c *gin.Context) {
	p := principal(c)
	if p.Type == access.PrincipalAgent {
		s.respond.Error(c, apperrors.Forbidden("agents cannot define processes"))
		return
	}
	var req v1.CreateProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respond.Error(c, apperrors.InvalidInput("invalid process definition: %v", err))
		return
	}
	proc, err := s.processes.CreateProcess(c.Request.Context(), &req, currentUser(c).ID)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, proc)
}

func (s *Server) getProcess(c *gin.Context) {
	proc, ok := s.resolveProcess(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, proc)
}

func (s *Server) deleteProcess(c *gin.Context) {
	proc, ok := s.resolveProcess(c)
	if !ok {
		return
	}
	if err := s.processes.DeleteProcess(c.Request.Context(), proc.ID); err != nil {
		s.respond.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startRun(c *gin.Context) {
	proc, ok := s.resolveProcess(c)
	if !ok {
		return
	}
	var req v1.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respond.Error(c, apperrors.InvalidInput("invalid run input: %v", err))
		return
	}
	run, err := s.procEng.StartRun(c.Request.Context(), proc.ID, &req, principal(c).String())
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (s *Server) listRuns(c *gin.Context) {
	proc, ok := s.resolveProcess(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.processes.ListRuns(c.Request.Context(), proc.ID, limit)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// resolveRun loads the :id run and applies the owning process's visibility.
// Runs outlive their definition; a deleted process leaves its runs visible
// to admins only.
func (s *Server) resolveRun(c *gin.Context) (*v1.ProcessRun, bool) {
	run, err := s.processes.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respond.Error(c, err)
		return nil, false
	}
	p := principal(c)
	proc, err := s.processes.GetProcess(c.Request.Context(), run.ProcessID)
	if err != nil {
		if p.Type == access.PrincipalSystem || (p.Type == access.PrincipalUser && p.Role == v1.RoleAdmin) {
			return run, true
		}
		s.respond.Error(c, apperrors.NotFound("run %s not found", c.Param("id")))
		return nil, false
	}
	if !canSeeProcess(p, proc) {
		s.respond.Error(c, apperrors.NotFound("run %s not found", c.Param("id")))
		return nil, false
	}
	return run, true
}

func (s *Server) getRun(c *gin.Context) {
	run, ok := s.resolveRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) cancelRun(c *gin.Context) {
	run, ok := s.resolveRun(c)
	if !ok {
		return
	}
	if err := s.procEng.CancelRun(c.Request.Context(), run.ID); err != nil {
		s.respond.Error(c, err)
		return
	}
	cancelled, err := s.processes.GetRun(c.Request.Context(), run.ID)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, cancelled)
}

// canDecide reports whether the caller may resolve the approval: a listed
// approver (by user id or email), an admin, or the system principal.
func canDecide(p access.Principal, email string, approval *v1.Approval) bool {
	switch p.Type {
	case access.PrincipalSystem:
		return true
	case access.PrincipalUser:
		if p.Role == v1.RoleAdmin {
			return true
		}
		for _, approver := range approval.Approvers {
			if approver == p.UserID || (email != "" && approver == email) {
				return true
			}
		}
	}
	return false
}

func (s *Server) listApprovals(c *gin.Context) {
	open, err := s.processes.ListOpenApprovals(c.Request.Context())
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	p := principal(c)
	mine := make([]*v1.Approval, 0, len(open))
	for _, approval := range open {
		if canDecide(p, p.Email, approval) {
			mine = append(mine, approval)
		}
	}
	c.JSON(http.StatusOK, gin.H{"approvals": mine})
}

func (s *Server) decideApproval(c *gin.Context) {
	approval, err := s.processes.GetApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	p := principal(c)
	if !canDecide(p, p.Email, approval) {
		s.respond.Error(c, apperrors.Forbidden("you are not an approver for this step"))
		return
	}
	var req v1.DecideApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respond.Error(c, apperrors.InvalidInput("invalid decision: %v", err))
		return
	}
	decided, err := s.procEng.DecideApproval(c.Request.Context(), approval.ID, &req, p.String())
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, decided)
}
