// Package service holds the two user flows: phone sign-in and profile
// editing. Flows know nothing about HTTP; handlers translate form posts into
// flow calls and flow state into pages.
//
// One flow instance belongs to one browser session (see Registry). Its state
// is guarded by a mutex, and each submit by an atomic loading flag: a second
// submit while the first is in flight returns apperror.ErrBusy without doing
// anything.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sakif/phone-profile/internal/apperror"
	"github.com/sakif/phone-profile/internal/challenge"
	"github.com/sakif/phone-profile/internal/identity"
	"github.com/sakif/phone-profile/internal/model"
	"github.com/sakif/phone-profile/internal/session"
)

// ErrFlowClosed is returned by a flow that has been disposed. Results of
// calls that were in flight at the time are discarded.
var ErrFlowClosed = errors.New("flow closed")

// LoginState is a step of the phone sign-in state machine.
type LoginState int

const (
	StateAwaitingPhoneNumber LoginState = iota
	StateAwaitingCode
	StateAuthenticated
)

func (s LoginState) String() string {
	switch s {
	case StateAwaitingPhoneNumber:
		return "awaiting_phone_number"
	case StateAwaitingCode:
		return "awaiting_code"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// SessionSigner attaches a completed sign-in to a session.
type SessionSigner interface {
	SignIn(ctx context.Context, s *session.Session, in *identity.SignIn) error
}

// LoginConfig holds the settings shared by every login flow.
type LoginConfig struct {
	ChallengeContainerID string
	ChallengeSize        string
}

// LoginFlow drives AwaitingPhoneNumber → AwaitingCode → Authenticated for
// one session. Failures leave the state unchanged and queue a notification
// on the session.
type LoginFlow struct {
	provider identity.Provider
	signer   SessionSigner
	sess     *session.Session
	widget   *challenge.Widget
	logger   *slog.Logger

	containerID string

	loading  atomic.Bool
	disposed atomic.Bool

	mu             sync.Mutex
	state          LoginState
	phoneNumber    string
	verificationID string
}

// NewLoginFlow returns a flow in StateAwaitingPhoneNumber. The challenge
// widget is created here and initialized by Start.
func NewLoginFlow(provider identity.Provider, signer SessionSigner, sess *session.Session, cfg LoginConfig, logger *slog.Logger) *LoginFlow {
	source := challenge.ConfigSourceFunc(func(ctx context.Context) (string, error) {
		c, err := provider.ChallengeConfig(ctx)
		return c.SiteKey, err
	})
	return &LoginFlow{
		provider: provider,
		signer:   signer,
		sess:     sess,
		widget:   challenge.New(source, cfg.ChallengeContainerID, challenge.Options{Size: cfg.ChallengeSize}),
		logger:   logger,

		containerID: cfg.ChallengeContainerID,
	}
}

// Start initializes the challenge widget. It is safe to call on every page
// view: once initialized, the widget is not fetched again. A failure queues
// a notification but leaves the phone form usable.
func (f *LoginFlow) Start(ctx context.Context) error {
	if f.disposed.Load() {
		return ErrFlowClosed
	}
	if f.widget.Initialized() {
		return nil
	}
	if err := f.widget.Initialize(ctx); err != nil {
		if errors.Is(err, challenge.ErrDisposed) {
			return ErrFlowClosed
		}
		f.logger.Error("challenge initialization failed", slog.Any("error", err))
		f.sess.Notify(model.Failure(TitleChallengeUnavailable, GenericDescription))
		return err
	}
	return nil
}

// State returns the current step.
func (f *LoginFlow) State() LoginState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Loading reports whether a submit is in flight.
func (f *LoginFlow) Loading() bool { return f.loading.Load() }

// Form returns what the login page needs to render the current step.
func (f *LoginFlow) Form() model.LoginForm {
	f.mu.Lock()
	form := model.LoginForm{
		Step:        model.StepPhoneNumber,
		PhoneNumber: f.phoneNumber,
		Errors:      map[string]string{},
		Loading:     f.loading.Load(),

		ChallengeContainerID: f.containerID,
	}
	if f.state == StateAwaitingCode {
		form.Step = model.StepCode
	}
	f.mu.Unlock()

	if h, err := f.widget.Handle(); err == nil {
		form.ChallengeEnabled = h.Enabled
		form.ChallengeSiteKey = h.SiteKey
		form.ChallengeSize = h.Size
	}
	return form
}

// SubmitPhone validates phoneNumber and asks the provider to send a code.
// On success the flow moves to StateAwaitingCode.
func (f *LoginFlow) SubmitPhone(ctx context.Context, phoneNumber, challengeToken string) error {
	if f.disposed.Load() {
		return ErrFlowClosed
	}
	if !f.loading.CompareAndSwap(false, true) {
		return apperror.Busy("sending the verification code")
	}
	defer f.loading.Store(false)

	phoneNumber = strings.TrimSpace(phoneNumber)

	f.mu.Lock()
	if f.state != StateAwaitingPhoneNumber {
		f.mu.Unlock()
		return apperror.Conflict("login step", f.state.String())
	}
	f.phoneNumber = phoneNumber
	f.mu.Unlock()

	if err := ValidatePhoneNumber(phoneNumber); err != nil {
		return err
	}

	verificationID, err := f.provider.SendCode(ctx, phoneNumber, identity.ChallengeResponse{Token: challengeToken})
	if f.disposed.Load() {
		return ErrFlowClosed
	}
	if err != nil {
		f.logger.Warn("send code failed",
			slog.String("kind", identity.KindOf(err).String()),
			slog.Any("error", err),
		)
		f.sess.Notify(LoginNotification(err, TitleSendCodeFailed))
		return err
	}

	f.mu.Lock()
	f.verificationID = verificationID
	f.state = StateAwaitingCode
	f.mu.Unlock()

	f.logger.Info("verification code sent")
	return nil
}

// SubmitCode validates code, signs in with (verification id, code) and
// attaches the identity to the session.
func (f *LoginFlow) SubmitCode(ctx context.Context, code string) error {
	if f.disposed.Load() {
		return ErrFlowClosed
	}
	if !f.loading.CompareAndSwap(false, true) {
		return apperror.Busy("verifying the code")
	}
	defer f.loading.Store(false)

	code = strings.TrimSpace(code)

	f.mu.Lock()
	if f.state != StateAwaitingCode {
		f.mu.Unlock()
		return apperror.Conflict("login step", f.state.String())
	}
	verificationID := f.verificationID
	f.mu.Unlock()

	if err := ValidateCode(code); err != nil {
		return err
	}

	result, err := f.provider.SignInWithCredential(ctx, identity.Credential(verificationID, code))
	if f.disposed.Load() {
		return ErrFlowClosed
	}
	if err != nil {
		f.logger.Warn("code verification failed",
			slog.String("kind", identity.KindOf(err).String()),
			slog.Any("error", err),
		)
		f.sess.Notify(LoginNotification(err, TitleVerifyCodeFailed))
		return err
	}

	f.mu.Lock()
	f.verificationID = ""
	f.state = StateAuthenticated
	f.mu.Unlock()

	// The session notifies its subscribers, which disposes this flow.
	if err := f.signer.SignIn(ctx, f.sess, result); err != nil {
		f.mu.Lock()
		f.state = StateAwaitingPhoneNumber
		f.mu.Unlock()
		f.logger.Error("attaching identity to session failed", slog.Any("error", err))
		f.sess.Notify(model.Failure(TitleVerifyCodeFailed, GenericDescription))
		return err
	}
	return nil
}

// Reset returns to the phone number step and forgets the verification id.
func (f *LoginFlow) Reset() error {
	if f.disposed.Load() {
		return ErrFlowClosed
	}
	if f.loading.Load() {
		return apperror.Busy("the login step")
	}
	f.mu.Lock()
	if f.state == StateAwaitingCode {
		f.state = StateAwaitingPhoneNumber
		f.verificationID = ""
	}
	f.mu.Unlock()
	return nil
}

// Dispose releases the challenge widget. Calls in flight finish, but their
// results are ignored.
func (f *LoginFlow) Dispose() {
	if f.disposed.Swap(true) {
		return
	}
	f.widget.Dispose()
	f.mu.Lock()
	f.verificationID = ""
	f.mu.Unlock()
}
