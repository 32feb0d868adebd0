package investapi

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/investigation"
)

// submitRequest carries one alert and an optional investigation plan. A
// missing plan gets the default plan built from the alert.
type submitRequest struct {
	Alert *alert.Alert        `json:"alert"`
	Plan  *investigation.Plan `json:"plan,omitempty"`
}

func (a *API) handleSubmitAlert(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if req.Alert == nil || req.Alert.Fingerprint == "" {
		http.Error(w, `{"error":"alert with fingerprint is required"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("inquest.alert.fingerprint", req.Alert.Fingerprint))

	result, err := a.svc.Submit(r.Context(), req.Alert, req.Plan)
	if err != nil {
		a.writeError(w, r, err, "failed to submit alert")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.Skipped {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"skipped": true, "reason": result.Reason, "id": result.ID})
		return
	}
	span.SetAttributes(attribute.String("inquest.investigation.id", result.ID))
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": result.ID})
}
