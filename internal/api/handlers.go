package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
	"github.com/openjobspec/ojs-campaigns-nats/internal/engine"
)

// Controller is the admission control surface exposed over HTTP.
type Controller interface {
	Status() engine.Status
	StopAccepting()
	StartAccepting()
	ResetCounters()
}

// AdminHandler serves the queue administration endpoints.
type AdminHandler struct {
	ctrl Controller
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(ctrl Controller) *AdminHandler {
	return &AdminHandler{ctrl: ctrl}
}

// Routes mounts the admin endpoints on r.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/", h.Greeting)
	r.Post("/stopQueue", h.StopQueue)
	r.Post("/startQueue", h.StartQueue)
	r.Post("/resetQueueCount", h.ResetQueueCount)
	r.Get("/queueStatus", h.QueueStatus)
}

// Greeting handles GET /api/.
func (h *AdminHandler) Greeting(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"message": "campaign scheduler is running",
		"version": core.Version,
	})
}

// StopQueue handles POST /api/stopQueue.
func (h *AdminHandler) StopQueue(w http.ResponseWriter, r *http.Request) {
	h.ctrl.StopAccepting()
	WriteJSON(w, http.StatusOK, map[string]any{"acceptingTasks": false})
}

// StartQueue handles POST /api/startQueue.
func (h *AdminHandler) StartQueue(w http.ResponseWriter, r *http.Request) {
	h.ctrl.StartAccepting()
	WriteJSON(w, http.StatusOK, map[string]any{"acceptingTasks": true})
}

// ResetQueueCount handles POST /api/resetQueueCount.
func (h *AdminHandler) ResetQueueCount(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ResetCounters()
	WriteJSON(w, http.StatusOK, h.ctrl.Status())
}

// QueueStatus handles GET /api/queueStatus.
func (h *AdminHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.ctrl.Status())
}
