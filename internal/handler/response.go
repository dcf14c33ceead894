// Package handler contains the HTTP handlers for the login and profile
// pages. Handlers are the glue between HTTP and the flows in the service
// package: they parse forms, call a flow, and render the flow's state.
package handler

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/sakif/phone-profile/internal/apperror"
	"github.com/sakif/phone-profile/internal/identity"
	"github.com/sakif/phone-profile/internal/model"
	"github.com/sakif/phone-profile/internal/profile"
	"github.com/sakif/phone-profile/internal/service"
)

// Page names.
const (
	PageLogin   = "login"
	PageProfile = "profile"
)

// Route paths the handlers redirect to.
const (
	PathLogin   = "/login"
	PathProfile = "/profile"
)

// PageData is passed to the "base" template. Only one of Login and
// Profile is set.
type PageData struct {
	Title         string
	Authenticated bool
	Notifications []model.Notification
	Login         model.LoginForm
	Profile       model.ProfileForm
}

// Renderer holds one parsed template set per page. Templates are parsed
// once at startup.
type Renderer struct {
	pages  map[string]*template.Template
	logger *slog.Logger
}

// NewRenderer parses templates/base.html together with each page template
// found in fsys.
func NewRenderer(fsys fs.FS, logger *slog.Logger) (*Renderer, error) {
	r := &Renderer{pages: make(map[string]*template.Template), logger: logger}
	for _, page := range []string{PageLogin, PageProfile} {
		tmpl, err := template.ParseFS(fsys, "templates/base.html", "templates/"+page+".html")
		if err != nil {
			return nil, fmt.Errorf("parsing %s template: %w", page, err)
		}
		r.pages[page] = tmpl
	}
	return r, nil
}

// Render executes page into a buffer first, so a template error turns into
// a clean 500 instead of a half-written page.
func (r *Renderer) Render(w http.ResponseWriter, status int, page string, data PageData) {
	tmpl, ok := r.pages[page]
	if !ok {
		r.logger.Error("unknown page", slog.String("page", page))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base", data); err != nil {
		r.logger.Error("failed to render template",
			slog.String("page", page),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// statusFor maps a flow error to the status of the re-rendered page. The
// user-facing message has already been queued by the flow; the status only
// tells non-browser clients what happened.
func statusFor(err error) int {
	var pe *identity.Error
	var apiErr *profile.APIError

	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperror.ErrBusy), errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperror.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.As(err, &pe):
		if pe.Kind == identity.KindUnknown {
			return http.StatusBadGateway
		}
		return http.StatusUnprocessableEntity
	case errors.As(err, &apiErr):
		if apiErr.Status >= 400 && apiErr.Status < 500 {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	case errors.Is(err, service.ErrFlowClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// mergeFieldErrors copies the field-level validation failures in err into
// errs.
func mergeFieldErrors(errs map[string]string, err error) map[string]string {
	if errs == nil {
		errs = map[string]string{}
	}
	for k, v := range apperror.FieldErrors(err) {
		errs[k] = v
	}
	return errs
}
