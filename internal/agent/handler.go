package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"dishpatch/internal/remote"
	"dishpatch/internal/syncqueue"
	"dishpatch/pkg/logger"
	"dishpatch/pkg/models"

	"github.com/gorilla/mux"
)

type apiHandler struct {
	agent *Agent
	log   *logger.Logger
}

func newAPIHandler(a *Agent, log *logger.Logger) *apiHandler {
	return &apiHandler{agent: a, log: log}
}

func (h *apiHandler) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/mutations", h.enqueueMutation).Methods(http.MethodPost)
	r.HandleFunc("/queue", h.queueStatus).Methods(http.MethodGet)
	r.HandleFunc("/queue", h.clearQueue).Methods(http.MethodDelete)
	r.HandleFunc("/queue/dead-letters/{id}/requeue", h.requeueDeadLetter).Methods(http.MethodPost)
	r.HandleFunc("/queue/dead-letters/{id}", h.discardDeadLetter).Methods(http.MethodDelete)
	r.HandleFunc("/sync", h.syncNow).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}", h.getOrder).Methods(http.MethodGet)
	r.HandleFunc("/events", h.listEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/{id}/read", h.markEventRead).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions/{scope}", h.subscribe).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions/{scope}", h.unsubscribe).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	return r
}

type mutationRequest struct {
	Kind       models.MutationKind `json:"kind"`
	Collection string              `json:"collection"`
	Payload    map[string]any      `json:"payload"`
	Filter     map[string]any      `json:"filter,omitempty"`
}

func (h *apiHandler) enqueueMutation(w http.ResponseWriter, r *http.Request) {
	requestID := requestID(r)

	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Collection == "" {
		http.Error(w, "collection is required", http.StatusBadRequest)
		return
	}

	m, err := h.agent.Queue().Enqueue(req.Kind, req.Collection, req.Payload, req.Filter)
	if err != nil {
		h.log.Debug(requestID, "mutation_rejected", err.Error())
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.log.Debug(requestID, "mutation_accepted", "Mutation queued: "+m.ID)
	writeJSON(w, http.StatusCreated, m)
}

func (h *apiHandler) queueStatus(w http.ResponseWriter, r *http.Request) {
	lastDrain, lastDrainAt := h.agent.lastDrainInfo()
	resp := map[string]any{
		"pending_count": h.agent.Queue().PendingCount(),
		"pending":       h.agent.Queue().Pending(),
		"dead_letters":  h.agent.Queue().DeadLetters(),
		"online":        h.agent.Online(),
	}
	if lastDrain != nil {
		resp["last_drain"] = lastDrain
		resp["last_drain_at"] = lastDrainAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) clearQueue(w http.ResponseWriter, r *http.Request) {
	requestID := requestID(r)
	if err := h.agent.Queue().Clear(); err != nil {
		h.log.Error(requestID, "queue_clear_failed", "Failed to clear queue", err)
		http.Error(w, "Failed to clear queue", http.StatusInternalServerError)
		return
	}
	h.log.Info(requestID, "queue_cleared", "Queue cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.agent.Queue().Requeue(id); err != nil {
		if errors.Is(err, syncqueue.ErrUnknownMutation) {
			http.Error(w, "No dead letter with that id", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to requeue", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) discardDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.agent.Queue().DiscardDeadLetter(id); err != nil {
		if errors.Is(err, syncqueue.ErrUnknownMutation) {
			http.Error(w, "No dead letter with that id", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to discard", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) syncNow(w http.ResponseWriter, r *http.Request) {
	requestID := requestID(r)
	result, err := h.agent.SyncNow(r.Context())
	if err != nil {
		if errors.Is(err, syncqueue.ErrDrainInProgress) {
			http.Error(w, "A drain is already in progress", http.StatusConflict)
			return
		}
		h.log.Error(requestID, "sync_failed", "Manual sync failed", err)
		http.Error(w, "Sync failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *apiHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	requestID := requestID(r)
	id := mux.Vars(r)["id"]

	order, err := h.agent.store.FetchOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, remote.ErrOrderNotFound) {
			http.Error(w, "Order not found", http.StatusNotFound)
			return
		}
		h.log.Error(requestID, "order_fetch_failed", "Failed to fetch order "+id, err)
		http.Error(w, "Failed to fetch order", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *apiHandler) listEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": h.agent.Bridge().Connected(),
		"events":    h.agent.Bridge().Events(),
	})
}

func (h *apiHandler) markEventRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.agent.Bridge().MarkRead(id) {
		http.Error(w, "No event with that id", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) subscribe(w http.ResponseWriter, r *http.Request) {
	scope := mux.Vars(r)["scope"]
	if err := h.agent.Subscribe(scope); err != nil {
		if errors.Is(err, ErrAlreadySubscribed) {
			http.Error(w, "Scope already subscribed", http.StatusConflict)
			return
		}
		http.Error(w, "Failed to subscribe", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *apiHandler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	scope := mux.Vars(r)["scope"]
	if !h.agent.Unsubscribe(scope) {
		http.Error(w, "No subscription for that scope", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"online":        h.agent.Online(),
		"pending_count": h.agent.Queue().PendingCount(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return "req-" + time.Now().Format("20060102150405")
}
