package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/notifier/internal/templates"
)

// TemplateRegistry is the administrative side of the template registry.
type TemplateRegistry interface {
	List() []templates.Template
	Get(name string) (templates.Template, error)
	Create(t templates.Template) (templates.Template, error)
	Update(name string, u templates.Update) (templates.Template, error)
}

// ListTemplates handles GET /v1/templates
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	list := h.templates.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"templates": list,
		"count":     len(list),
	})
}

// GetTemplate handles GET /v1/templates/{name}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.templates.Get(chi.URLParam(r, "name"))
	if err != nil {
		h.writeTemplateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CreateTemplate handles POST /v1/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var t templates.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	created, err := h.templates.Create(t)
	if err != nil {
		h.writeTemplateError(w, err)
		return
	}

	h.logger.Info("template created", zap.String("template", created.Name))
	writeJSON(w, http.StatusCreated, created)
}

// UpdateTemplate handles PUT /v1/templates/{name}
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var u templates.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	name := chi.URLParam(r, "name")
	updated, err := h.templates.Update(name, u)
	if err != nil {
		h.writeTemplateError(w, err)
		return
	}

	h.logger.Info("template updated", zap.String("template", name))
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) writeTemplateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, templates.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Template not found", err.Error())
	case errors.Is(err, templates.ErrExists):
		h.writeError(w, http.StatusConflict, "template_exists", "Template already exists", err.Error())
	case errors.Is(err, templates.ErrInvalid):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template", err.Error())
	default:
		h.logger.Error("template registry error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}
