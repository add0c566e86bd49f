package gateway

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/trinity/trinity/internal/access"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/user"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

const (
	ctxPrincipal = "trinity.principal"
	ctxUser      = "trinity.user"
	ctxViaKey    = "trinity.via_key"

	// agentHeader lets an MCP key act on behalf of one of the key owner's
	// agents, narrowing the principal to that agent's permissions.
	agentHeader = "X-Trinity-Agent"
)

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// WebSocket clients cannot set headers from browsers; accept the token
	// as a query parameter there.
	return c.Query("token")
}

// authRequired resolves the bearer token to a principal and aborts
// unauthenticated requests.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := s.users.Authenticate(c.Request.Context(), bearerToken(c))
		if err != nil {
			s.respond.Error(c, err)
			c.Abort()
			return
		}

		p, err := s.resolvePrincipal(c, result)
		if err != nil {
			s.respond.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ctxPrincipal, p)
		c.Set(ctxUser, result.User)
		c.Set(ctxViaKey, result.Key != nil)
		c.Next()
	}
}

func (s *Server) resolvePrincipal(c *gin.Context, result *user.AuthResult) (access.Principal, error) {
	if result.Key != nil && result.Key.System {
		return access.Principal{Type: access.PrincipalSystem}, nil
	}

	if name := c.GetHeader(agentHeader); name != "" {
		if result.Key == nil {
			return access.Principal{}, apperrors.Forbidden("agent identity requires an MCP key")
		}
		a, err := s.agents.GetByName(c.Request.Context(), name)
		if err != nil {
			return access.Principal{}, apperrors.Unauthorized("unknown agent identity")
		}
		if a.OwnerID != result.User.ID {
			return access.Principal{}, apperrors.Unauthorized("unknown agent identity")
		}
		return access.Principal{Type: access.PrincipalAgent, AgentName: a.Name, UserID: result.User.ID}, nil
	}

	return access.Principal{
		Type:   access.PrincipalUser,
		UserID: result.User.ID,
		Email:  result.User.Email,
		Role:   result.User.Role,
	}, nil
}

// requireAdmin gates fleet-wide operations.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := principal(c)
		if p.Type == access.PrincipalSystem {
			c.Next()
			return
		}
		if p.Type == access.PrincipalUser && p.Role == v1.RoleAdmin {
			c.Next()
			return
		}
		s.respond.Error(c, apperrors.Forbidden("admin role required"))
		c.Abort()
	}
}

func principal(c *gin.Context) access.Principal {
	if v, ok := c.Get(ctxPrincipal); ok {
		if p, ok := v.(access.Principal); ok {
			return p
		}
	}
	return access.Principal{}
}

// viaMCPKey reports whether the request authenticated with an MCP key
// rather than a login session.
func viaMCPKey(c *gin.Context) bool {
	return c.GetBool(ctxViaKey)
}

func currentUser(c *gin.Context) *v1.User {
	if v, ok := c.Get(ctxUser); ok {
		if u, ok := v.(*v1.User); ok {
			return u
		}
	}
	return nil
}
