package transfers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-wms/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-wms/internal/rbac"
)

// Handler exposes the transfer HTTP API.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds a transfers handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac.Middleware{Logger: logger}}
}

// MountRoutes registers transfer routes under the current router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireCapability(rbac.CanView))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Get("/{id}/history", h.history)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireCapability(rbac.CanCreate))
		r.Post("/", h.create)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/lines", h.addLine)
		r.Delete("/{id}/lines/{lineID}", h.removeLine)
		r.Post("/{id}/lines/{lineID}/serials", h.addSerial)
		r.Delete("/{id}/lines/{lineID}/serials/{serialID}", h.removeSerial)
		r.Post("/{id}/lines/{lineID}/validate", h.validateLine)
		r.Post("/{id}/submit", h.submit)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireCapability(rbac.CanDecideQC))
		r.Post("/{id}/qc-approve", h.approve)
		r.Post("/{id}/qc-reject", h.reject)
	})
}

// MountQCRoutes registers the QC dashboard routes.
func (h *Handler) MountQCRoutes(r chi.Router) {
	r.With(h.rbac.RequireCapability(rbac.CanDecideQC)).Get("/queue", h.queue)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, _ := rbac.ActorFromContext(r.Context())
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	result, err := h.service.List(r.Context(), actor, ListRequest{Status: q.Get("status"), Page: page, PerPage: perPage})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, "", result)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	t, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, "", t)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	logs, err := h.service.History(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, "", logs)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	t, err := h.service.Create(r.Context(), actor, req, key)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, http.StatusCreated, "Transfer "+t.Number+" created", t)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	if err := h.service.Delete(r.Context(), actor, id); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, "Transfer deleted", nil)
}

func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req AddLineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	line, err := h.service.AddLine(r.Context(), actor, id, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, http.StatusCreated, "Line added", line)
}

func (h *Handler) removeLine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := pathID(w, r, "lineID")
	if !ok {
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	if err := h.service.RemoveLine(r.Context(), actor, id, lineID); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, "Line removed", nil)
}

func (h *Handler) addSerial(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := pathID(w, r, "lineID")
	if !ok {
		return
	}
	var req AddSerialRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	serial, err := h.service.AddSerial(r.Context(), actor, id, lineID, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, http.StatusCreated, "Serial number added", serial)
}

func (h *Handler) removeSerial(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := pathID(w, r, "lineID")
	if !ok {
		return
	}
	serialID, ok := pathID(w, r, "serialID")
	if !ok {
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	if err := h.service.RemoveSerial(r.Context(), actor, id, lineID, serialID); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, "Serial number removed", nil)
}

func (h *Handler) validateLine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := pathID(w, r, "lineID")
	if !ok {
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	result, err := h.service.ValidateLine(r.Context(), actor, id, lineID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	msg := "All serial numbers validated"
	if len(result.Issues) > 0 {
		msg = strconv.Itoa(len(result.Issues)) + " issue(s) found"
	}
	httpx.OK(w, http.StatusOK, msg, result)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	t, err := h.service.Submit(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, "Transfer "+t.Number+" submitted for QC", t)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.decision(w, r)
	if !ok {
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	t, err := h.service.Approve(r.Context(), actor, id, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, "Transfer approved and posted as ERP document "+derefString(t.ERPDocumentNumber), t)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.decision(w, r)
	if !ok {
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	t, err := h.service.Reject(r.Context(), actor, id, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, "Transfer rejected", t)
}

func (h *Handler) queue(w http.ResponseWriter, r *http.Request) {
	actor, _ := rbac.ActorFromContext(r.Context())
	q, err := h.service.QCQueue(r.Context(), actor)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, "", q)
}

// decision reads the optional notes body of approve and reject calls.
func (h *Handler) decision(w http.ResponseWriter, r *http.Request) (int64, DecisionRequest, bool) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return 0, DecisionRequest{}, false
	}
	var req DecisionRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
			return 0, DecisionRequest{}, false
		}
	}
	return id, req, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		serialErr *SerialValidationError
		rejected  *ERPRejectedError
	)
	switch {
	case errors.As(err, &serialErr):
		httpx.ProblemWith(w, http.StatusUnprocessableEntity, "Serial Validation Failed", serialErr.Error(), serialErr.Issues)
	case errors.As(err, &rejected):
		httpx.Problem(w, http.StatusUnprocessableEntity, "ERP Rejected", rejected.Message)
	case errors.Is(err, ErrPreconditionFailed):
		httpx.Problem(w, http.StatusConflict, "Precondition Failed", err.Error())
	case errors.Is(err, ErrDuplicateRequest):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrERPUnavailable):
		h.logger.Warn("erp unavailable", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "ERP Unavailable", err.Error())
	case errors.Is(err, ErrFinalizeFailed):
		h.logger.Error("finalize failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Finalize Failed", err.Error())
	default:
		h.logger.Error("transfers request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+param)
		return 0, false
	}
	return id, true
}
