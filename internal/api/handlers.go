package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spdeepak/offlinecache"
)

// Response is the envelope of every control endpoint.
type Response struct {
	Status    string      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// ClientResponse is returned when a client is opened.
type ClientResponse struct {
	ID         string `json:"id"`
	Controller string `json:"controller,omitempty"`
}

type workerHandler struct {
	reg *offlinecache.Registration
	log *slog.Logger
}

func (h *workerHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if h.reg.Active() == nil {
		status = "starting"
	}
	writeJSON(w, http.StatusOK, Response{Status: status, Timestamp: time.Now().UTC()})
}

func (h *workerHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse(h.reg.Status()))
}

// Message delivers a control message to the waiting worker.
func (h *workerHandler) Message(w http.ResponseWriter, r *http.Request) {
	var msg offlinecache.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message body: "+err.Error())
		return
	}
	if msg.Type != offlinecache.MessageSkipWaiting {
		writeError(w, http.StatusBadRequest, "unknown message type: "+msg.Type)
		return
	}

	err := h.reg.SkipWaiting(r.Context())
	switch {
	case errors.Is(err, offlinecache.ErrNoWaitingWorker):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.log.Error("Message delivery failed", slog.String("type", msg.Type), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, okResponse(h.reg.Status()))
	}
}

// OpenClient registers a new page. The page should send the returned ID in the
// X-Client-ID header of its requests.
func (h *workerHandler) OpenClient(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	h.reg.OpenClient(id)

	resp := ClientResponse{ID: id}
	if controller, ok := h.reg.Clients().Controller(id); ok && controller != nil {
		resp.Controller = controller.Version()
	}
	writeJSON(w, http.StatusCreated, okResponse(resp))
}

func (h *workerHandler) CloseClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.reg.CloseClient(r.Context(), id) {
		writeError(w, http.StatusNotFound, "client not found: "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func okResponse(data interface{}) Response {
	return Response{Status: "ok", Timestamp: time.Now().UTC(), Data: data}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Status: "error", Timestamp: time.Now().UTC(), Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
