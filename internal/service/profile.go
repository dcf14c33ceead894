package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sakif/phone-profile/internal/apperror"
	"github.com/sakif/phone-profile/internal/model"
	"github.com/sakif/phone-profile/internal/session"
)

// ProfileAPI is the profile HTTP API as the flow uses it.
type ProfileAPI interface {
	Fetch(ctx context.Context, token string) (*model.Profile, error)
	Persist(ctx context.Context, token string, p model.Profile) error
}

// ProfileFlow loads and saves the signed-in user's profile.
//
// A token is requested from the session right before every API call and
// dropped afterwards.
type ProfileFlow struct {
	api    ProfileAPI
	sess   *session.Session
	logger *slog.Logger

	fetching atomic.Bool
	loading  atomic.Bool
	disposed atomic.Bool

	mu    sync.Mutex
	name  string
	email string
}

// NewProfileFlow returns a flow for the identity attached to sess.
func NewProfileFlow(api ProfileAPI, sess *session.Session, logger *slog.Logger) *ProfileFlow {
	return &ProfileFlow{api: api, sess: sess, logger: logger}
}

// Load fills the form from the identity, then from the profile API when the
// identity has a verified phone number. A fetch failure keeps the identity
// defaults and queues a notification.
func (f *ProfileFlow) Load(ctx context.Context) error {
	if f.disposed.Load() {
		return ErrFlowClosed
	}
	ident := f.sess.Identity()
	if ident == nil {
		return apperror.Unauthenticated("sign in to see your profile")
	}

	f.mu.Lock()
	f.name = ident.DisplayName
	f.email = ident.Email
	f.mu.Unlock()

	if !ident.HasPhoneNumber() {
		return nil
	}
	if !f.fetching.CompareAndSwap(false, true) {
		return apperror.Busy("loading the profile")
	}
	defer f.fetching.Store(false)

	p, err := f.fetch(ctx)
	if f.disposed.Load() {
		return ErrFlowClosed
	}
	if err != nil {
		f.logger.Warn("profile fetch failed", slog.String("uid", ident.UID), slog.Any("error", err))
		f.sess.Notify(ProfileNotification(err, TitleProfileFetchFailed))
		return err
	}

	f.mu.Lock()
	f.name = p.Name
	f.email = p.Email
	f.mu.Unlock()
	return nil
}

func (f *ProfileFlow) fetch(ctx context.Context) (*model.Profile, error) {
	token, err := f.sess.Token(ctx)
	if err != nil {
		return nil, err
	}
	return f.api.Fetch(ctx, token)
}

// Submit validates and saves name and email together with the identity's
// phone number.
func (f *ProfileFlow) Submit(ctx context.Context, name, email string) error {
	if f.disposed.Load() {
		return ErrFlowClosed
	}
	if f.fetching.Load() {
		return apperror.Busy("loading the profile")
	}
	if !f.loading.CompareAndSwap(false, true) {
		return apperror.Busy("saving the profile")
	}
	defer f.loading.Store(false)

	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)

	f.mu.Lock()
	f.name = name
	f.email = email
	f.mu.Unlock()

	if err := ValidateProfile(name, email); err != nil {
		return err
	}

	ident := f.sess.Identity()
	if ident == nil {
		return apperror.Unauthenticated("sign in to save your profile")
	}

	err := f.persist(ctx, model.Profile{Name: name, Email: email, PhoneNumber: ident.PhoneNumber})
	if f.disposed.Load() {
		return ErrFlowClosed
	}
	if err != nil {
		f.logger.Warn("profile save failed", slog.String("uid", ident.UID), slog.Any("error", err))
		f.sess.Notify(ProfileNotification(err, TitleProfileSaveFailed))
		return err
	}

	f.logger.Info("profile saved", slog.String("uid", ident.UID))
	f.sess.Notify(model.Success(TitleProfileSaveSuccessful))
	return nil
}

func (f *ProfileFlow) persist(ctx context.Context, p model.Profile) error {
	token, err := f.sess.Token(ctx)
	if err != nil {
		return err
	}
	return f.api.Persist(ctx, token, p)
}

// Form returns the current field values and flags. The phone number always
// comes from the identity.
func (f *ProfileFlow) Form() model.ProfileForm {
	form := model.ProfileForm{
		Errors:   map[string]string{},
		Fetching: f.fetching.Load(),
		Loading:  f.loading.Load(),
	}
	if ident := f.sess.Identity(); ident != nil {
		form.PhoneNumber = ident.PhoneNumber
	}
	f.mu.Lock()
	form.Name = f.name
	form.Email = f.email
	f.mu.Unlock()
	return form
}

// Dispose stops the flow; results of calls in flight are discarded.
func (f *ProfileFlow) Dispose() {
	f.disposed.Store(true)
}
