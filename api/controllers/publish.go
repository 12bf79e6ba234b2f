package controllers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/angelmondragon/timeflow-backend/api/responses"
	pkgerrors "github.com/angelmondragon/timeflow-backend/pkg/errors"
	"github.com/angelmondragon/timeflow-backend/pkg/events"
	"github.com/angelmondragon/timeflow-backend/pkg/logger"
)

// EventPublisher appends a record to the main event stream.
type EventPublisher interface {
	Publish(ctx context.Context, rec events.EventRecord) error
}

type publishRequest struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	TaskID string `json:"taskId"`
}

// OpsPublish injects an event into the pipeline. Unlike domain publication
// this path is synchronous so the operator sees the failure.
func OpsPublish(publisher EventPublisher, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req publishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid request body"))
			return
		}

		if !events.KnownType(req.Type) {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "unknown event type"))
			return
		}

		rec := events.NewRecord(req.Type, req.UserID, req.TaskID)
		if err := rec.Validate(); err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error()))
			return
		}

		if err := publisher.Publish(r.Context(), rec); err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "publish failed"))
			return
		}

		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]string{
			"eventId": rec.EventID,
			"type":    rec.Type,
		})
	}
}
