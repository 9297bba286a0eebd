package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/memoright/memoright-ops/internal/recovery"
	"github.com/memoright/memoright-ops/model"
)

const maxBodyBytes = 1 << 20

func handlePlanList(registry *recovery.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters := model.PlanFilters{
			Status: model.Status(r.URL.Query().Get("status")),
			Kind:   r.URL.Query().Get("kind"),
		}
		if filters.Status != "" && !filters.Status.Valid() {
			WriteValidationError(w, []model.FieldError{{
				Field: "status", Code: "INVALID_ENUM", Message: "unknown status " + string(filters.Status),
			}})
			return
		}

		plans := registry.List(filters)
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        plans,
			"total_count": len(plans),
		})
	}
}

func handlePlanGet(registry *recovery.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plan, err := registry.Get(chi.URLParam(r, "planId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, plan)
	}
}

func handlePlanRegister(registry *recovery.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var plan model.Plan
		if err := decodeBody(r, &plan, false); err != nil {
			WriteError(w, err)
			return
		}

		status := http.StatusCreated
		if _, err := registry.Get(plan.ID); err == nil {
			status = http.StatusOK
		}

		registered, err := registry.Register(r.Context(), plan)
		if err != nil {
			if registered.ID != "" {
				WritePlanError(w, err, registered)
				return
			}
			WriteError(w, err)
			return
		}
		WriteJSON(w, status, registered)
	}
}

func handlePlanDelete(registry *recovery.Registry, events *recovery.EventLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		planID := chi.URLParam(r, "planId")
		if err := registry.Delete(r.Context(), planID); err != nil {
			WriteError(w, err)
			return
		}
		if events != nil {
			events.Forget(planID)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// decodeBody decodes a JSON request body into v. An empty body is accepted
// when optional is true.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}
