package transport

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/memoright/memoright-ops/internal/idempotency"
	"github.com/memoright/memoright-ops/internal/observability"
	"github.com/memoright/memoright-ops/internal/recovery"
	"github.com/memoright/memoright-ops/model"
)

// IdempotencyKeyHeader carries the client's deduplication key on execute.
const IdempotencyKeyHeader = "Idempotency-Key"

// ReplayedHeader is set on responses replayed from the idempotency store.
const ReplayedHeader = "Idempotent-Replayed"

// handlePlanExecute runs the plan within the request, or in the background
// with ?async=true. The execution is detached from the request context so a
// dropped connection does not abandon a half-run plan. A synchronous run is
// still bounded by the server's write timeout: a plan that outlives it keeps
// running but its response is lost, so long plans should use ?async=true and
// poll GET /plans/{planId}.
//
// With an Idempotency-Key header and a store, a successful response is
// recorded and replayed for retries carrying the same key and input.
func handlePlanExecute(executor *recovery.Executor, idem idempotency.Store, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		planID := chi.URLParam(r, "planId")

		var body struct {
			TriggerType model.TriggerType `json:"triggerType"`
		}
		if err := decodeBody(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}
		if body.TriggerType != "" && !body.TriggerType.Valid() {
			WriteValidationError(w, []model.FieldError{{
				Field: "triggerType", Code: "INVALID_ENUM", Message: "unknown trigger type " + string(body.TriggerType),
			}})
			return
		}

		async := false
		if raw := r.URL.Query().Get("async"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				WriteError(w, model.NewBadRequestError("async must be a boolean"))
				return
			}
			async = v
		}

		actor := model.ActorName(r.Context(), AnonymousActor)
		ctx := context.WithoutCancel(r.Context())

		// Replay a previous response for the same key.
		var idemKey, inputHash string
		if key := r.Header.Get(IdempotencyKeyHeader); key != "" && idem != nil {
			idemKey = idempotency.FormatKey(planID, key)
			inputHash = idempotency.HashInput(string(body.TriggerType), strconv.FormatBool(async), actor)
			cached, found, err := idem.Check(ctx, idemKey, inputHash)
			if err != nil {
				var ee *model.ErrorEnvelope
				if !errors.As(err, &ee) {
					observability.RequestLogger(r.Context(), zap.NewNop()).Error("idempotency lookup failed", zap.Error(err))
				}
				WriteError(w, err)
				return
			}
			if found {
				w.Header().Set(ReplayedHeader, "true")
				WriteJSON(w, cached.Status, cached.Plan)
				return
			}
		}
		record := func(status int, plan model.Plan) {
			if idemKey == "" {
				return
			}
			resp := idempotency.Response{Status: status, Plan: plan}
			if err := idem.Store(ctx, idemKey, inputHash, resp, ttl); err != nil {
				observability.RequestLogger(r.Context(), zap.NewNop()).Warn("idempotency record failed", zap.Error(err))
			}
		}

		if async {
			plan, err := executor.Start(ctx, planID, actor, body.TriggerType)
			if err != nil {
				WriteError(w, err)
				return
			}
			record(http.StatusAccepted, plan)
			WriteJSON(w, http.StatusAccepted, plan)
			return
		}

		plan, err := executor.Execute(ctx, planID, actor, body.TriggerType)
		if err != nil {
			if plan.ID != "" {
				WritePlanError(w, err, plan)
				return
			}
			WriteError(w, err)
			return
		}
		record(http.StatusOK, plan)
		WriteJSON(w, http.StatusOK, plan)
	}
}

func handlePlanCancel(executor *recovery.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		actor := model.ActorName(r.Context(), AnonymousActor)
		plan, err := executor.Cancel(r.Context(), chi.URLParam(r, "planId"), body.Reason, actor)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, plan)
	}
}

func handlePlanReset(executor *recovery.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.ActorName(r.Context(), AnonymousActor)
		plan, err := executor.Reset(r.Context(), chi.URLParam(r, "planId"), actor)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, plan)
	}
}

func handlePlanEvents(registry *recovery.Registry, events *recovery.EventLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		planID := chi.URLParam(r, "planId")
		if _, err := registry.Get(planID); err != nil {
			WriteError(w, err)
			return
		}

		history := []model.PlanEvent{}
		if events != nil {
			if evs := events.Events(planID); evs != nil {
				history = evs
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"planId": planID,
			"data":   history,
		})
	}
}
