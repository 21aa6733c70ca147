package identities

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/internal/repositories/identity"
	"github.com/Libertech-FR/sesame-identity-engine/internal/repositories/job"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/lifecycle"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/storage"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/upsert"
)

var validate = validator.New()

// Register registers identity routes
func Register(g *echo.Group) {
	g.GET("", ListIdentities)
	g.POST("/upsert", UpsertIdentity)
	g.POST("/state", UpdateStates)
	g.GET("/by-uid/:uid", GetIdentityByUID)
	g.GET("/:id", GetIdentity)
	g.DELETE("/:id", DeleteIdentity)
	g.GET("/:id/photo", GetIdentityPhoto)
	g.GET("/:id/jobs", ListIdentityJobs)
	g.POST("/:id/activation", ActivateIdentity)
	g.POST("/:id/password-reset", AskToChangePassword)
}

// UpsertIdentity ingests one identity payload through the upsert pipeline
func UpsertIdentity(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "identities_handler.UpsertIdentity")
	defer span.End()

	var payload models.UpsertPayload
	if err := c.Bind(&payload); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid upsert payload")
	}
	force, _ := strconv.ParseBool(c.QueryParam("force"))

	ctx, pipeline, err := ectoinject.GetContext[*upsert.Pipeline](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := pipeline.Upsert(ctx, payload, upsert.Options{Force: force})
	if err != nil {
		return err
	}

	switch result.Status {
	case models.UpsertStatusCreated:
		return c.JSON(http.StatusCreated, result.Identity)
	case models.UpsertStatusNotModified:
		return c.JSON(http.StatusNotModified, result.Identity)
	default:
		return c.JSON(http.StatusOK, result.Identity)
	}
}

// ListIdentities lists identities with optional state filters
func ListIdentities(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "identities_handler.ListIdentities")
	defer span.End()

	params := identity.ListParams{}
	params.Page, _ = strconv.Atoi(c.QueryParam("page"))
	params.PageSize, _ = strconv.Atoi(c.QueryParam("pageSize"))
	params.IncludeDeleted, _ = strconv.ParseBool(c.QueryParam("includeDeleted"))
	if states := c.QueryParam("states"); states != "" {
		for _, s := range strings.Split(states, ",") {
			params.States = append(params.States, models.LifecycleState(strings.TrimSpace(s)))
		}
	}

	ctx, repo, err := ectoinject.GetContext[*identity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	page, err := repo.List(ctx, params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// GetIdentity gets an identity by ID
func GetIdentity(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "identities_handler.GetIdentity")
	defer span.End()

	ctx, repo, err := ectoinject.GetContext[*identity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	found, err := repo.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, found)
}

// GetIdentityByUID gets a non-deleted identity by its uid attribute
func GetIdentityByUID(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "identities_handler.GetIdentityByUID")
	defer span.End()

	ctx, repo, err := ectoinject.GetContext[*identity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	found, err := repo.FindByUID(ctx, c.Param("uid"))
	if err != nil {
		return err
	}
	if found == nil {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "identity with uid %s not found", c.Param("uid"))
	}
	return c.JSON(http.StatusOK, found)
}

// DeleteIdentity soft-deletes an identity
func DeleteIdentity(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "identities_handler.DeleteIdentity")
	defer span.End()

	ctx, repo, err := ectoinject.GetContext[*identity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := repo.SoftDelete(ctx, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// GetIdentityPhoto streams the identity's referenced photo from storage
func GetIdentityPhoto(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "identities_handler.GetIdentityPhoto")
	defer span.End()

	ctx, repo, err := ectoinject.GetContext[*identity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	found, err := repo.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}

	ref := found.Profile.GetValue().JpegPhoto
	if ref == "" {
		return httperror.NewHTTPError(http.StatusNotFound, "identity has no photo")
	}

	ctx, files, err := ectoinject.GetContext[storage.Storage](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	f, err := files.Open(ref)
	if err != nil {
		return httperror.NewHTTPError(http.StatusNotFound, "photo not found in storage")
	}
	defer f.Close()

	c.Response().Header().Set(echo.HeaderContentType, "image/jpeg")
	c.Response().WriteHeader(http.StatusOK)
	_, err = io.Copy(c.Response(), f)
	return err
}

// ListIdentityJobs lists the backend jobs dispatched for an identity
func ListIdentityJobs(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "identities_handler.ListIdentityJobs")
	defer span.End()

	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	ctx, repo, err := ectoinject.GetContext[*job.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	jobs, err := repo.ListByConcernedID(ctx, c.Param("id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, jobs)
}

type activationRequest struct {
	Active bool `json:"active"`
}

// ActivateIdentity toggles an identity's activation on the backends
func ActivateIdentity(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "identities_handler.ActivateIdentity")
	defer span.End()

	var req activationRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid activation payload")
	}

	ctx, svc, err := ectoinject.GetContext[*lifecycle.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	updated, err := svc.Activation(ctx, c.Param("id"), req.Active)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

// AskToChangePassword dispatches a password reset for an identity
func AskToChangePassword(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "identities_handler.AskToChangePassword")
	defer span.End()

	ctx, svc, err := ectoinject.GetContext[*lifecycle.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	updated, err := svc.AskToChangePassword(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

type stateRequest struct {
	IDs    []string              `json:"ids" validate:"required,min=1"`
	Origin models.LifecycleState `json:"origin" validate:"required"`
	Target models.LifecycleState `json:"target" validate:"required"`
}

// UpdateStates moves a batch of identities between lifecycle states
func UpdateStates(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "identities_handler.UpdateStates")
	defer span.End()

	var req stateRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid state payload")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, svc, err := ectoinject.GetContext[*lifecycle.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	updated, err := svc.UpdateStateMany(ctx, req.IDs, req.Origin, req.Target)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int64{"updated": updated})
}
