// Package httpapi exposes the REST API.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/specboard/specboard/internal/errors"
	"github.com/specboard/specboard/internal/httputil"
	"github.com/specboard/specboard/internal/logging"
	"github.com/specboard/specboard/internal/metrics"
	"github.com/specboard/specboard/internal/middleware"
	"github.com/specboard/specboard/internal/ordering"
	"github.com/specboard/specboard/internal/services/auth"
	"github.com/specboard/specboard/internal/services/items"
	"github.com/specboard/specboard/internal/services/projects"
	"github.com/specboard/specboard/internal/services/specifications"
)

// APIPrefix is the base path of the versioned API.
const APIPrefix = "/api/v1"

// SkipAuthPaths are served without a session token.
var SkipAuthPaths = []string{
	APIPrefix + "/users/authenticate",
	"/healthz",
	"/metrics",
}

// Handler bundles the HTTP endpoints over the domain services.
type Handler struct {
	auth     *auth.Service
	projects *projects.Service
	specs    *specifications.Service
	items    *items.Service
	logger   *logging.Logger
}

// NewHandler creates the API handler.
func NewHandler(authSvc *auth.Service, projectsSvc *projects.Service, specsSvc *specifications.Service, itemsSvc *items.Service, logger *logging.Logger) *Handler {
	return &Handler{auth: authSvc, projects: projectsSvc, specs: specsSvc, items: itemsSvc, logger: logger}
}

// Register attaches all routes to the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix(APIPrefix).Subrouter()

	api.HandleFunc("/users/authenticate", h.authenticate).Methods(http.MethodPost)
	api.HandleFunc("/users/logout", h.logout).Methods(http.MethodPost)
	api.HandleFunc("/users/profile", h.profile).Methods(http.MethodGet)

	api.HandleFunc("/projects", h.createProject).Methods(http.MethodPost)
	api.HandleFunc("/projects", h.listProjects).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}", h.getProject).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}", h.updateProject).Methods(http.MethodPut)
	api.HandleFunc("/projects/{id}", h.deleteProject).Methods(http.MethodDelete)

	api.HandleFunc("/projects/{id}/specifications", h.createSpecification).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/specifications", h.listSpecifications).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}/specifications/reorder", h.reorderSpecifications).Methods(http.MethodPost)
	api.HandleFunc("/specifications/{id}", h.getSpecification).Methods(http.MethodGet)
	api.HandleFunc("/specifications/{id}", h.updateSpecification).Methods(http.MethodPut)
	api.HandleFunc("/specifications/{id}", h.deleteSpecification).Methods(http.MethodDelete)

	api.HandleFunc("/specifications/{id}/items", h.createItem).Methods(http.MethodPost)
	api.HandleFunc("/specifications/{id}/items", h.listItems).Methods(http.MethodGet)
	api.HandleFunc("/specifications/{id}/items/reorder", h.reorderItems).Methods(http.MethodPost)
	api.HandleFunc("/items/{id}", h.getItem).Methods(http.MethodGet)
	api.HandleFunc("/items/{id}", h.updateItem).Methods(http.MethodPut)
	api.HandleFunc("/items/{id}", h.deleteItem).Methods(http.MethodDelete)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- users ------------------------------------------------------------------

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Token string `json:"token"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.writeError(w, r, errors.Validation(err.Error()))
		return
	}

	session, err := h.auth.Authenticate(r.Context(), payload.Token, clientKey(r))
	if err != nil {
		metrics.RecordAuthEvent("login_rejected")
		h.writeError(w, r, err)
		return
	}
	metrics.RecordAuthEvent("login")
	httputil.WriteJSON(w, http.StatusOK, session)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r.Context())
	if token == "" {
		h.writeError(w, r, errors.Unauthorized("no session token"))
		return
	}
	if err := h.auth.Logout(r.Context(), token); err != nil {
		h.writeError(w, r, err)
		return
	}
	metrics.RecordAuthEvent("logout")
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	u, err := h.auth.GetUser(r.Context(), logging.GetUserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, u)
}

// --- projects ---------------------------------------------------------------

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string `json:"title"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.writeError(w, r, errors.Validation(err.Error()))
		return
	}

	p, err := h.projects.Create(r.Context(), logging.GetUserID(r.Context()), payload.Title)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	metrics.RecordMutation("projects", "create")
	httputil.WriteJSON(w, http.StatusCreated, p)
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	list, err := h.projects.List(r.Context(), logging.GetUserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.projects.Get(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) updateProject(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string `json:"title"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.writeError(w, r, errors.Validation(err.Error()))
		return
	}

	p, err := h.projects.Update(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"], payload.Title)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	metrics.RecordMutation("projects", "update")
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.projects.Delete(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	metrics.RecordMutation("projects", "delete")
	w.WriteHeader(http.StatusNoContent)
}

// --- specifications ---------------------------------------------------------

type contentPayload struct {
	Content  string `json:"content"`
	Position *int   `json:"position,omitempty"`
}

type reorderPayload struct {
	Moves []movePayload `json:"moves"`
}

type movePayload struct {
	ID       string `json:"id"`
	NewIndex int    `json:"new_index"`
}

func (p reorderPayload) toMoves() []ordering.Move {
	moves := make([]ordering.Move, len(p.Moves))
	for i, m := range p.Moves {
		moves[i] = ordering.Move{ChildID: m.ID, NewIndex: m.NewIndex}
	}
	return moves
}

func (h *Handler) createSpecification(w http.ResponseWriter, r *http.Request) {
	var payload contentPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.writeError(w, r, errors.Validation(err.Error()))
		return
	}

	spec, err := h.specs.Create(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"], payload.Content, payload.Position)
	if err != nil {
		if errors.IsCode(err, errors.CodeCapacityExceeded) {
			metrics.RecordCapacityRejection("specifications")
		}
		h.writeError(w, r, err)
		return
	}
	metrics.RecordMutation("specifications", "create")
	httputil.WriteJSON(w, http.StatusCreated, spec)
}

func (h *Handler) listSpecifications(w http.ResponseWriter, r *http.Request) {
	list, err := h.specs.List(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) reorderSpecifications(w http.ResponseWriter, r *http.Request) {
	var payload reorderPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.writeError(w, r, errors.Validation(err.Error()))
		return
	}

	list, err := h.specs.Reorder(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"], payload.toMoves())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	metrics.RecordMutation("specifications", "reorder")
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) getSpecification(w http.ResponseWriter, r *http.Request) {
	spec, err := h.specs.Get(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, spec)
}

func (h *Handler) updateSpecification(w http.ResponseWriter, r *http.Request) {
	var payload contentPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.writeError(w, r, errors.Validation(err.Error()))
		return
	}

	spec, err := h.specs.Update(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"], payload.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	metrics.RecordMutation("specifications", "update")
	httputil.WriteJSON(w, http.StatusOK, spec)
}

func (h *Handler) deleteSpecification(w http.ResponseWriter, r *http.Request) {
	if err := h.specs.Delete(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	metrics.RecordMutation("specifications", "delete")
	w.WriteHeader(http.StatusNoContent)
}

// --- items ------------------------------------------------------------------

func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	var payload contentPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.writeError(w, r, errors.Validation(err.Error()))
		return
	}

	it, err := h.items.Create(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"], payload.Content, payload.Position)
	if err != nil {
		if errors.IsCode(err, errors.CodeCapacityExceeded) {
			metrics.RecordCapacityRejection("items")
		}
		h.writeError(w, r, err)
		return
	}
	metrics.RecordMutation("items", "create")
	httputil.WriteJSON(w, http.StatusCreated, it)
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	list, err := h.items.List(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) reorderItems(w http.ResponseWriter, r *http.Request) {
	var payload reorderPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.writeError(w, r, errors.Validation(err.Error()))
		return
	}

	list, err := h.items.Reorder(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"], payload.toMoves())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	metrics.RecordMutation("items", "reorder")
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	it, err := h.items.Get(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, it)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	var payload contentPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.writeError(w, r, errors.Validation(err.Error()))
		return
	}

	it, err := h.items.Update(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"], payload.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	metrics.RecordMutation("items", "update")
	httputil.WriteJSON(w, http.StatusOK, it)
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	if err := h.items.Delete(r.Context(), logging.GetUserID(r.Context()), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	metrics.RecordMutation("items", "delete")
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ----------------------------------------------------------------

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		h.logger.WithContext(r.Context()).WithError(err).Error("unhandled error")
		serviceErr = errors.Internal("internal server error", err)
	}
	httputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
