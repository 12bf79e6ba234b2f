package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/timeflow-backend/api/responses"
	"github.com/angelmondragon/timeflow-backend/internal/ops"
)

// SnapshotService produces the aggregated pipeline health view.
type SnapshotService interface {
	Snapshot(ctx context.Context) ops.Snapshot
}

// OpsRealtime serves the snapshot as-is. The snapshot carries its own
// top-level ok flag, so it is written without the success envelope.
func OpsRealtime(service SnapshotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := service.Snapshot(r.Context())
		responses.WriteJSON(w, http.StatusOK, snapshot)
	}
}
