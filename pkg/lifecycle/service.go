// Package lifecycle implements the operator-facing identity transitions:
// activation toggles, password change requests and bulk state moves.
package lifecycle

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/backends"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

// Store is the persistence surface the service needs. *identity.Repository
// implements it.
type Store interface {
	Get(ctx context.Context, id string) (*models.Identity, error)
	GetByIDs(ctx context.Context, ids []string) ([]models.Identity, error)
	UpdateState(ctx context.Context, id string, state models.LifecycleState) (*models.Identity, error)
	UpdateStateMany(ctx context.Context, ids []string, state models.LifecycleState) (int64, error)
	UpdateDataStatus(ctx context.Context, id string, status models.DataStatus) (*models.Identity, error)
}

// Service drives identity lifecycle transitions through the backend
// dispatcher.
type Service struct {
	store      Store
	dispatcher backends.Dispatcher
	logger     ectologger.Logger
}

func NewService(store Store, dispatcher backends.Dispatcher, logger ectologger.Logger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Activation enables or disables an identity in the downstream directories.
// The backend job must complete before the local row is touched, so the
// stored status never claims a state the directories refused.
func (s *Service) Activation(ctx context.Context, id string, active bool) (*models.Identity, error) {
	ctx, span := tracing.StartSpan(ctx, "lifecycle.Service.Activation")
	defer span.End()

	identity, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if identity.LastBackendSyncAt == nil {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "identity %s has never been synced to the backends", id)
	}
	if identity.DataStatus == models.DataStatusDeleted {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "identity %s is deleted", id)
	}

	target := models.DataStatusInactive
	if active {
		target = models.DataStatusActive
	}
	if identity.DataStatus == target {
		return identity, nil
	}

	j, err := s.dispatcher.ActivationIdentity(ctx, identity, active)
	if err != nil {
		return nil, err
	}
	if j.State != models.JobStateCompleted {
		s.logger.WithContext(ctx).WithFields(map[string]any{"id": id, "job_id": j.ID, "job_state": j.State}).Error("Activation job did not complete")
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "activation of identity %s failed on the backends", id)
	}

	return s.store.UpdateDataStatus(ctx, id, target)
}

// AskToChangePassword dispatches a password reset and marks the identity as
// awaiting a password change.
func (s *Service) AskToChangePassword(ctx context.Context, id string) (*models.Identity, error) {
	ctx, span := tracing.StartSpan(ctx, "lifecycle.Service.AskToChangePassword")
	defer span.End()

	identity, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity.LastBackendSyncAt == nil {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "identity %s has never been synced to the backends", id)
	}

	j, err := s.dispatcher.AskToChangePassword(ctx, identity)
	if err != nil {
		return nil, err
	}
	if j.State != models.JobStateCompleted {
		s.logger.WithContext(ctx).WithFields(map[string]any{"id": id, "job_id": j.ID, "job_state": j.State}).Error("Password reset job did not complete")
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "password reset for identity %s failed on the backends", id)
	}

	return s.store.UpdateDataStatus(ctx, id, models.DataStatusPasswordNeedsChange)
}

// UpdateStateMany moves a batch of identities from origin to target. Every
// identity must currently sit in origin, otherwise nothing is written.
func (s *Service) UpdateStateMany(ctx context.Context, ids []string, origin, target models.LifecycleState) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "lifecycle.Service.UpdateStateMany")
	defer span.End()

	if len(ids) == 0 {
		return 0, httperror.NewHTTPError(http.StatusBadRequest, "at least one identity id is required")
	}

	identities, err := s.store.GetByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	if len(identities) != len(ids) {
		return 0, httperror.NewHTTPError(http.StatusBadRequest, "one or more identities do not exist")
	}
	for i := range identities {
		if identities[i].State != origin {
			return 0, httperror.NewHTTPErrorf(http.StatusBadRequest, "identity %s is in state %s, expected %s", identities[i].ID, identities[i].State, origin)
		}
	}

	return s.store.UpdateStateMany(ctx, ids, target)
}
