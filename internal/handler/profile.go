package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/phone-profile/internal/apperror"
	"github.com/sakif/phone-profile/internal/service"
	"github.com/sakif/phone-profile/internal/session"
)

// ProfileHandler serves the profile editor.
type ProfileHandler struct {
	flows    *service.Registry[*service.ProfileFlow]
	renderer *Renderer
	logger   *slog.Logger
}

// NewProfileHandler creates a ProfileHandler.
func NewProfileHandler(flows *service.Registry[*service.ProfileFlow], renderer *Renderer, logger *slog.Logger) *ProfileHandler {
	return &ProfileHandler{flows: flows, renderer: renderer, logger: logger}
}

// HandleShow loads the profile and renders the form. A failed fetch still
// renders the form, pre-filled from the identity.
func (h *ProfileHandler) HandleShow(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	flow := h.flows.Get(s)
	err := flow.Load(r.Context())
	if errors.Is(err, apperror.ErrUnauthenticated) {
		http.Redirect(w, r, PathLogin, http.StatusSeeOther)
		return
	}
	if err != nil {
		h.logger.Debug("profile load incomplete", slog.Any("error", err))
	}
	h.render(w, s, flow, http.StatusOK, nil)
}

// HandleSave handles POST /profile.
func (h *ProfileHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	flow := h.flows.Get(s)
	err := flow.Submit(r.Context(), r.PostFormValue(service.FieldName), r.PostFormValue(service.FieldEmail))
	switch {
	case err == nil:
		http.Redirect(w, r, PathProfile, http.StatusSeeOther)
	case errors.Is(err, apperror.ErrUnauthenticated):
		http.Redirect(w, r, PathLogin, http.StatusSeeOther)
	default:
		h.render(w, s, flow, statusFor(err), err)
	}
}

func (h *ProfileHandler) render(w http.ResponseWriter, s *session.Session, flow *service.ProfileFlow, status int, err error) {
	form := flow.Form()
	form.Errors = mergeFieldErrors(form.Errors, err)

	h.renderer.Render(w, status, PageProfile, PageData{
		Title:         "Your profile",
		Authenticated: s.Authenticated(),
		Notifications: s.Notifications(),
		Profile:       form,
	})
}
