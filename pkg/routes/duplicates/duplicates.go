package duplicates

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/duplicates"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/fusion"
)

var validate = validator.New()

// Register registers duplicate detection and fusion routes
func Register(g *echo.Group) {
	g.GET("", ListDuplicates)
	g.POST("/fuse", FuseIdentities)
	g.POST("/ignore", IgnoreFusion)
	g.POST("/unignore", UnignoreFusion)
}

// ListDuplicates returns the current duplicate clusters
func ListDuplicates(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "duplicates_handler.ListDuplicates")
	defer span.End()

	includeIgnored, _ := strconv.ParseBool(c.QueryParam("includeIgnored"))

	ctx, detector, err := ectoinject.GetContext[*duplicates.Detector](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	clusters, err := detector.FindDuplicates(ctx, includeIgnored)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, clusters)
}

type fuseRequest struct {
	PrimaryID   string `json:"primaryId" validate:"required"`
	SecondaryID string `json:"secondaryId" validate:"required"`
}

// FuseIdentities merges the secondary identity into the primary
func FuseIdentities(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "duplicates_handler.FuseIdentities")
	defer span.End()

	var req fuseRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid fusion payload")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, engine, err := ectoinject.GetContext[*fusion.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	survivorID, err := engine.Fuse(ctx, req.PrimaryID, req.SecondaryID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"id": survivorID})
}

type ignoreRequest struct {
	IDs []string `json:"ids" validate:"required,min=2"`
}

// IgnoreFusion suppresses the listed identities as duplicate suggestions
func IgnoreFusion(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "duplicates_handler.IgnoreFusion")
	defer span.End()

	var req ignoreRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid ignore payload")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, engine, err := ectoinject.GetContext[*fusion.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := engine.IgnoreFusion(ctx, req.IDs); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// UnignoreFusion re-enables the listed identities as duplicate suggestions
func UnignoreFusion(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "duplicates_handler.UnignoreFusion")
	defer span.End()

	var req ignoreRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid ignore payload")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, engine, err := ectoinject.GetContext[*fusion.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := engine.UnignoreFusion(ctx, req.IDs); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
