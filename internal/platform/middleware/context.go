package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/reqcontext"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

const (
	// HeaderAgentID is the header key for the authenticated agent id
	HeaderAgentID = "X-Agent-ID"
	// HeaderAgentName is the header key for the authenticated agent name
	HeaderAgentName = "X-Agent-Name"
)

func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			ctx := req.Context()
			ctx = reqcontext.SetRequestID(ctx, requestID)
			ctx = reqcontext.SetMethod(ctx, req.Method)
			ctx = reqcontext.SetRoute(ctx, req.URL.Path)
			ctx = reqcontext.SetRemoteIP(ctx, c.RealIP())

			if agentID := req.Header.Get(HeaderAgentID); agentID != "" {
				ctx = reqcontext.SetAgent(ctx, models.Agent{
					Ref:  "Agents",
					ID:   agentID,
					Name: req.Header.Get(HeaderAgentName),
				})
			}

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
