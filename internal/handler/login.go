package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/phone-profile/internal/service"
	"github.com/sakif/phone-profile/internal/session"
)

// Form fields posted by the login page besides the validated ones.
const (
	formChallengeToken = "challengeToken"

	// reCAPTCHA adds this field itself when the widget is rendered inside
	// the form.
	formRecaptchaResponse = "g-recaptcha-response"
)

// CookieWriter re-issues the session cookie after the session id changes.
type CookieWriter interface {
	WriteCookie(w http.ResponseWriter, s *session.Session)
}

// LoginHandler serves the two-step phone sign-in.
type LoginHandler struct {
	flows    *service.Registry[*service.LoginFlow]
	cookies  CookieWriter
	renderer *Renderer
	logger   *slog.Logger
}

// NewLoginHandler creates a LoginHandler.
func NewLoginHandler(flows *service.Registry[*service.LoginFlow], cookies CookieWriter, renderer *Renderer, logger *slog.Logger) *LoginHandler {
	return &LoginHandler{flows: flows, cookies: cookies, renderer: renderer, logger: logger}
}

// HandleShow renders the current step. The challenge widget is initialized
// on the first view.
func (h *LoginHandler) HandleShow(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	flow := h.flows.Get(s)
	// A failure is reported to the user as a notification.
	_ = flow.Start(r.Context())
	h.render(w, s, flow, http.StatusOK, nil)
}

// HandlePhone handles POST /login/phone.
func (h *LoginHandler) HandlePhone(w http.ResponseWriter, r *http.Request) {
	s, flow, ok := h.prepare(w, r)
	if !ok {
		return
	}

	token := r.PostFormValue(formChallengeToken)
	if token == "" {
		token = r.PostFormValue(formRecaptchaResponse)
	}

	err := flow.SubmitPhone(r.Context(), r.PostFormValue(service.FieldPhoneNumber), token)
	h.afterSubmit(w, r, s, flow, err, PathLogin)
}

// HandleCode handles POST /login/code. On success the rotated session
// cookie is written and the browser is sent to the profile page.
func (h *LoginHandler) HandleCode(w http.ResponseWriter, r *http.Request) {
	s, flow, ok := h.prepare(w, r)
	if !ok {
		return
	}

	err := flow.SubmitCode(r.Context(), r.PostFormValue(service.FieldCode))
	if err == nil {
		h.cookies.WriteCookie(w, s)
	}
	h.afterSubmit(w, r, s, flow, err, PathProfile)
}

// HandleReset handles POST /login/reset ("use a different number").
func (h *LoginHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	s, flow, ok := h.prepare(w, r)
	if !ok {
		return
	}
	h.afterSubmit(w, r, s, flow, flow.Reset(), PathLogin)
}

func (h *LoginHandler) prepare(w http.ResponseWriter, r *http.Request) (*session.Session, *service.LoginFlow, bool) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, nil, false
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return nil, nil, false
	}
	return s, h.flows.Get(s), true
}

// afterSubmit redirects to next on success (post/redirect/get) and
// re-renders the step otherwise.
func (h *LoginHandler) afterSubmit(w http.ResponseWriter, r *http.Request, s *session.Session, flow *service.LoginFlow, err error, next string) {
	switch {
	case err == nil:
		http.Redirect(w, r, next, http.StatusSeeOther)
	case errors.Is(err, service.ErrFlowClosed):
		// The flow was replaced under us; start over with a fresh one.
		h.logger.Debug("login flow closed during submit", slog.String("path", r.URL.Path))
		http.Redirect(w, r, PathLogin, http.StatusSeeOther)
	default:
		h.render(w, s, flow, statusFor(err), err)
	}
}

func (h *LoginHandler) render(w http.ResponseWriter, s *session.Session, flow *service.LoginFlow, status int, err error) {
	form := flow.Form()
	form.Errors = mergeFieldErrors(form.Errors, err)

	h.renderer.Render(w, status, PageLogin, PageData{
		Title:         "Sign in",
		Authenticated: s.Authenticated(),
		Notifications: s.Notifications(),
		Login:         form,
	})
}
