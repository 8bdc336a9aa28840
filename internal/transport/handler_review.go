package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quillgate/quillgate/model"
)

func handlePendingReviews(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)

		reviews, err := deps.Runtime.PendingReviews(r.Context(), limit)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":  reviews,
			"count": len(reviews),
		})
	}
}

func handleReviewDecision(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.ActorContextFrom(r.Context())
		if actor == nil {
			WriteError(w, model.NewUnauthorizedError("missing actor context"))
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			ResumeToken   string `json:"resume_token"`
			WaitPoint     string `json:"wait_point"`
			Approve       bool   `json:"approve"`
			FinalContent  string `json:"final_content"`
			Reason        string `json:"reason"`
			Resubmittable bool   `json:"resubmittable"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.ResumeToken == "" {
			WriteValidationError(w, []model.FieldError{
				{Field: "resume_token", Code: "REQUIRED", Message: "resume_token is required"},
			})
			return
		}
		waitPoint := body.WaitPoint
		if waitPoint == "" {
			waitPoint = model.WaitPointReviewDecision
		}

		decision := model.Decision{
			Approve:       body.Approve,
			ReviewerID:    actor.ActorID,
			FinalContent:  body.FinalContent,
			Reason:        body.Reason,
			Resubmittable: body.Resubmittable,
		}

		result, err := deps.Dispatcher.Resume(r.Context(), instanceID, waitPoint, body.ResumeToken, decision)
		if err != nil {
			WriteError(w, err)
			return
		}
		if deps.Metrics != nil {
			deps.Metrics.RecordResume(result.Outcome)
		}

		// A lost race is a defined outcome carrying the winner's identity,
		// not a server fault.
		status := http.StatusOK
		if result.Outcome == model.ResumeConflict {
			status = http.StatusConflict
		}
		WriteJSON(w, status, result)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
