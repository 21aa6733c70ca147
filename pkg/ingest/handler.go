// Package ingest adapts upstream feed messages into upsert pipeline calls.
package ingest

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/kafka"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/upsert"
)

// Handler feeds consumed messages into the upsert pipeline.
type Handler struct {
	pipeline *upsert.Pipeline
	logger   ectologger.Logger
}

func NewHandler(pipeline *upsert.Pipeline, logger ectologger.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		logger:   logger,
	}
}

// Handle processes one feed message. Malformed payloads and payloads the
// pipeline rejects as invalid are logged and dropped; infrastructure errors
// are returned so the message is redelivered.
func (h *Handler) Handle(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "ingest.Handler.Handle")
	defer span.End()

	log := h.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	var payload models.UpsertPayload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		log.WithError(err).Error("Failed to parse upsert payload")
		return nil
	}

	result, err := h.pipeline.Upsert(ctx, payload, upsert.Options{})
	if err != nil {
		if isClientError(err) {
			// Re-delivering a payload the pipeline rejects can never succeed.
			log.WithError(err).Error("Dropping rejected upsert payload")
			return nil
		}
		return err
	}

	switch result.Status {
	case models.UpsertStatusNotModified:
		log.WithFields(map[string]any{"id": result.Identity.ID}).Debug("Identity unchanged, nothing to dispatch")
	case models.UpsertStatusCreated:
		log.WithFields(map[string]any{"id": result.Identity.ID}).Info("Ingested new identity")
	default:
		log.WithFields(map[string]any{"id": result.Identity.ID}).Info("Ingested identity update")
	}
	return nil
}

func isClientError(err error) bool {
	if !httperror.IsHTTPError(err) {
		return false
	}
	status := httperror.GetStatusCode(err)
	return status >= 300 && status < 500
}
