package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quillgate/quillgate/model"
)

func handleGrant(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.ActorContextFrom(r.Context())
		if actor == nil {
			WriteError(w, model.NewUnauthorizedError("missing actor context"))
			return
		}

		var body struct {
			OwnerID string `json:"owner_id"`
			Amount  int64  `json:"amount"`
			EventID string `json:"event_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		var details []model.FieldError
		if body.OwnerID == "" {
			details = append(details, model.FieldError{Field: "owner_id", Code: "REQUIRED", Message: "owner_id is required"})
		}
		if body.EventID == "" {
			details = append(details, model.FieldError{Field: "event_id", Code: "REQUIRED", Message: "event_id is required"})
		}
		if body.Amount <= 0 {
			details = append(details, model.FieldError{Field: "amount", Code: "INVALID", Message: "amount must be positive"})
		}
		if len(details) > 0 {
			WriteValidationError(w, details)
			return
		}

		applied, err := deps.Ledger.Grant(r.Context(), body.OwnerID, body.Amount, body.EventID, actor.ActorID)
		if err != nil {
			WriteError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"owner_id": body.OwnerID,
			"event_id": body.EventID,
			"applied":  applied,
		})
	}
}

func handleBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := chi.URLParam(r, "ownerId")

		acct, err := deps.Ledger.Get(r.Context(), ownerID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, acct)
	}
}
