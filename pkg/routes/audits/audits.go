package audits

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/internal/repositories/audit"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

// Register registers audit trail routes
func Register(g *echo.Group) {
	g.GET("", ListAudits)
	g.GET("/:id", GetAudit)
}

// ListAudits lists audit entries with optional filters
func ListAudits(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "audits_handler.ListAudits")
	defer span.End()

	params := audit.ListParams{
		Coll:       c.QueryParam("coll"),
		DocumentID: c.QueryParam("documentId"),
		Op:         models.AuditOperation(c.QueryParam("op")),
	}
	params.Page, _ = strconv.Atoi(c.QueryParam("page"))
	params.PageSize, _ = strconv.Atoi(c.QueryParam("pageSize"))

	ctx, repo, err := ectoinject.GetContext[*audit.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	page, err := repo.List(ctx, params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// GetAudit gets an audit entry by ID
func GetAudit(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "audits_handler.GetAudit")
	defer span.End()

	ctx, repo, err := ectoinject.GetContext[*audit.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entry, err := repo.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}
