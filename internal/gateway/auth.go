package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

func (s *Server) login(c *gin.Context) {
	var req v1.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respond.Error(c, apperrors.InvalidInput("email and password are required"))
		return
	}
	resp, err := s.users.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) logout(c *gin.Context) {
	if err := s.users.Logout(c.Request.Context(), bearerToken(c)); err != nil {
		s.respond.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"user":      currentUser(c),
		"principal": principal(c).String(),
	})
}

func (s *Server) mintKey(c *gin.Context) {
	var req v1.MintMCPKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respond.Error(c, apperrors.InvalidInput("key name is required"))
		return
	}
	u := currentUser(c)
	if req.System && u.Role != v1.RoleAdmin {
		s.respond.Error(c, apperrors.Forbidden("system keys require admin role"))
		return
	}
	resp, err := s.users.MintKey(c.Request.Context(), u.ID, &req)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) listKeys(c *gin.Context) {
	keys, err := s.users.ListKeys(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (s *Server) revokeKey(c *gin.Context) {
	if err := s.users.RevokeKey(c.Request.Context(), c.Param("id"), currentUser(c).ID); err != nil {
		s.respond.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
