package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/trinity/trinity/internal/access"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

func (s *Server) listTemplates(c *gin.Context) {
	templates, err := s.templates.List(c.Request.Context())
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

// deploySystem converges a fleet of agents onto a manifest. The body is
// YAML by default; JSON is accepted with the matching content type.
func (s *Server) deploySystem(c *gin.Context) {
	p := principal(c)
	if p.Type == access.PrincipalAgent {
		s.respond.Error(c, apperrors.Forbidden("agents cannot deploy systems"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		s.respond.Error(c, apperrors.InvalidInput("unreadable request body"))
		return
	}

	var manifest v1.SystemManifest
	if strings.Contains(c.ContentType(), "json") {
		err = json.Unmarshal(body, &manifest)
	} else {
		err = yaml.Unmarshal(body, &manifest)
	}
	if err != nil {
		s.respond.Error(c, apperrors.InvalidInput("invalid system manifest: %v", err))
		return
	}

	result, err := s.lifecycle.DeploySystem(c.Request.Context(), &manifest, currentUser(c).ID)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
