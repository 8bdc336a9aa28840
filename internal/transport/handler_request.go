package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quillgate/quillgate/internal/idempotency"
	"github.com/quillgate/quillgate/internal/workflow"
	"github.com/quillgate/quillgate/model"
)

const maxRequestBody = 1 << 20

// submitResponse is the body returned by request submission. It is also the
// payload cached by the idempotency store.
type submitResponse struct {
	Request  model.Request  `json:"request"`
	Instance model.Instance `json:"instance"`
}

func handleSubmitRequest(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.ActorContextFrom(r.Context())
		if actor == nil {
			WriteError(w, model.NewUnauthorizedError("missing actor context"))
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			WriteError(w, model.NewBadRequestError("failed to read request body"))
			return
		}

		// Replay a cached response when the caller retries with the same
		// idempotency key and payload.
		idemKey := r.Header.Get("X-Idempotency-Key")
		var storeKey, inputHash string
		useIdem := deps.Idempotency != nil && idemKey != ""
		if useIdem {
			storeKey = idempotency.FormatKey(actor.ActorID, idemKey)
			inputHash = idempotency.HashInput(raw)

			cached, found, err := deps.Idempotency.Check(r.Context(), storeKey, inputHash)
			if err != nil {
				WriteError(w, err)
				return
			}
			if found {
				if deps.Metrics != nil {
					deps.Metrics.RecordIdempotencyReplay()
				}
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(cached.Status)
				w.Write(cached.Body)
				return
			}
		}

		var body struct {
			Category string         `json:"category"`
			Payload  map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		req, inst, err := deps.Runtime.Start(r.Context(), workflow.StartInput{
			OwnerID:  actor.ActorID,
			Category: body.Category,
			Payload:  body.Payload,
		})
		if err != nil {
			WriteError(w, err)
			return
		}

		advanceAsync(deps, r.Context(), inst.ID)

		resp := submitResponse{Request: req, Instance: inst}
		respBody, err := json.Marshal(resp)
		if err != nil {
			WriteError(w, err)
			return
		}

		if useIdem {
			stored := idempotency.StoredResponse{Status: http.StatusAccepted, Body: respBody}
			ttl := deps.Config.Idempotency.Store.DefaultTTL
			if err := deps.Idempotency.Store(r.Context(), storeKey, inputHash, stored, ttl); err != nil {
				deps.Logger.Warn("idempotency store failed",
					zap.String("request_id", req.ID), zap.Error(err))
			}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusAccepted)
		w.Write(respBody)
	}
}

func handleGetRequest(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := chi.URLParam(r, "requestId")

		status, err := deps.Runtime.Status(r.Context(), requestID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, status)
	}
}

func handleResubmitRequest(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := chi.URLParam(r, "requestId")

		req, inst, err := deps.Runtime.Resubmit(r.Context(), requestID)
		if err != nil {
			WriteError(w, err)
			return
		}

		advanceAsync(deps, r.Context(), inst.ID)

		WriteJSON(w, http.StatusAccepted, submitResponse{Request: req, Instance: inst})
	}
}

// advanceAsync runs the instance forward in the background. The handler
// responds as soon as the instance is persisted; step execution outcomes are
// observable through the status endpoint.
func advanceAsync(deps Dependencies, parent context.Context, instanceID string) {
	ctx := context.WithoutCancel(parent)
	go func() {
		if _, err := deps.Runtime.Advance(ctx, instanceID); err != nil {
			deps.Logger.Warn("background advance failed",
				zap.String("instance_id", instanceID),
				zap.Error(err),
			)
		}
	}()
}
