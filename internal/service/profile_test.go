package service

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/phone-profile/internal/apperror"
	"github.com/sakif/phone-profile/internal/model"
	"github.com/sakif/phone-profile/internal/profile"
	"github.com/sakif/phone-profile/internal/session"
)

func TestProfileFlow_LoadPrefills(t *testing.T) {
	e := newEnv(t)
	s := e.signedIn(t, testPhone, "", "")
	api := &stubProfileAPI{fetch: func(context.Context) (*model.Profile, error) {
		return &model.Profile{Name: "Ada", Email: "ada@example.com"}, nil
	}}
	f := NewProfileFlow(api, s, testLogger())

	require.NoError(t, f.Load(context.Background()))
	form := f.Form()
	assert.Equal(t, "Ada", form.Name)
	assert.Equal(t, "ada@example.com", form.Email)
	assert.Equal(t, testPhone, form.PhoneNumber)
	assert.False(t, form.Fetching)
	require.Len(t, api.tokens, 1)
	assert.NotEmpty(t, api.tokens[0])
}

func TestProfileFlow_LoadFailureKeepsIdentityDefaults(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantDesc string
	}{
		{name: "server message", err: &profile.APIError{Status: 404, Message: "Profile not found"}, wantDesc: "Profile not found"},
		{name: "api fallback", err: &profile.APIError{Status: 500, Message: profile.FetchFailedMessage}, wantDesc: profile.FetchFailedMessage},
		{name: "transport", err: errors.New("dial tcp: refused"), wantDesc: GenericDescription},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			s := e.signedIn(t, testPhone, "Ada Lovelace", "ada@example.com")
			api := &stubProfileAPI{fetch: func(context.Context) (*model.Profile, error) { return nil, tt.err }}
			f := NewProfileFlow(api, s, testLogger())

			require.Error(t, f.Load(context.Background()))
			form := f.Form()
			assert.Equal(t, "Ada Lovelace", form.Name)
			assert.Equal(t, "ada@example.com", form.Email)

			notes := s.Notifications()
			require.Len(t, notes, 1)
			assert.Equal(t, TitleProfileFetchFailed, notes[0].Title)
			assert.Equal(t, tt.wantDesc, notes[0].Description)
		})
	}
}

func TestProfileFlow_LoadRequiresIdentity(t *testing.T) {
	e := newEnv(t)
	api := &stubProfileAPI{}
	f := NewProfileFlow(api, e.anonymous(t), testLogger())

	assert.ErrorIs(t, f.Load(context.Background()), apperror.ErrUnauthenticated)
	assert.Empty(t, api.tokens)
}

func TestProfileFlow_SubmitValidation(t *testing.T) {
	tests := []struct {
		name       string
		inName     string
		inEmail    string
		wantFields map[string]string
	}{
		{name: "empty name", inName: "  ", inEmail: "a@b.co", wantFields: map[string]string{FieldName: "Name is required."}},
		{name: "name too long", inName: strings.Repeat("a", 36), inEmail: "a@b.co", wantFields: map[string]string{FieldName: "Name can't be more than 35 characters."}},
		{name: "empty email", inName: "Ada", inEmail: "", wantFields: map[string]string{FieldEmail: "Email is required"}},
		{name: "bad email", inName: "Ada", inEmail: "ada-at-example", wantFields: map[string]string{FieldEmail: "Email is invalid"}},
		{name: "both", inName: "", inEmail: "nope", wantFields: map[string]string{FieldName: "Name is required.", FieldEmail: "Email is invalid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			s := e.signedIn(t, testPhone, "", "")
			api := &stubProfileAPI{}
			f := NewProfileFlow(api, s, testLogger())

			err := f.Submit(context.Background(), tt.inName, tt.inEmail)
			require.ErrorIs(t, err, apperror.ErrValidation)
			assert.Equal(t, tt.wantFields, apperror.FieldErrors(err))
			assert.Equal(t, 0, api.persistCount())
			assert.Empty(t, s.Notifications())
		})
	}
}

func TestProfileFlow_SubmitSuccess(t *testing.T) {
	e := newEnv(t)
	s := e.signedIn(t, testPhone, "", "")
	api := &stubProfileAPI{}
	f := NewProfileFlow(api, s, testLogger())

	name35 := strings.Repeat("é", 35)
	require.NoError(t, f.Submit(context.Background(), " "+name35+" ", " ada@example.com "))

	require.Equal(t, 1, api.persistCount())
	assert.Equal(t, model.Profile{Name: name35, Email: "ada@example.com", PhoneNumber: testPhone}, api.persists[0])

	notes := s.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, model.Success(TitleProfileSaveSuccessful), notes[0])
	assert.False(t, f.Form().Loading)
}

func TestProfileFlow_SubmitServerMessage(t *testing.T) {
	e := newEnv(t)
	s := e.signedIn(t, testPhone, "", "")
	api := &stubProfileAPI{persist: func(context.Context, model.Profile) error {
		return &profile.APIError{Status: 409, Message: "Email already in use"}
	}}
	f := NewProfileFlow(api, s, testLogger())

	require.Error(t, f.Submit(context.Background(), "Ada", "ada@example.com"))

	notes := s.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, model.Failure(TitleProfileSaveFailed, "Email already in use"), notes[0])

	// The submitted values stay in the form.
	assert.Equal(t, "Ada", f.Form().Name)
}

func TestProfileFlow_SubmitFallbackIsNeverEmpty(t *testing.T) {
	for _, err := range []error{
		&profile.APIError{Status: 500, Message: profile.PersistFailedMessage},
		&profile.APIError{Status: 500},
		errors.New("timeout"),
	} {
		e := newEnv(t)
		s := e.signedIn(t, testPhone, "", "")
		api := &stubProfileAPI{persist: func(context.Context, model.Profile) error { return err }}
		f := NewProfileFlow(api, s, testLogger())

		require.Error(t, f.Submit(context.Background(), "Ada", "ada@example.com"))
		notes := s.Notifications()
		require.Len(t, notes, 1)
		assert.Equal(t, TitleProfileSaveFailed, notes[0].Title)
		assert.NotEmpty(t, notes[0].Description)
		assert.NotEqual(t, "undefined", notes[0].Description)
	}
}

func TestProfileFlow_SequentialSavesAreIndependent(t *testing.T) {
	e := newEnv(t)
	s := e.signedIn(t, testPhone, "", "")
	calls := 0
	api := &stubProfileAPI{persist: func(context.Context, model.Profile) error {
		calls++
		if calls == 1 {
			return nil
		}
		return &profile.APIError{Status: 409, Message: "Email already in use"}
	}}
	f := NewProfileFlow(api, s, testLogger())
	ctx := context.Background()

	require.NoError(t, f.Submit(ctx, "Ada", "ada@example.com"))
	require.Error(t, f.Submit(ctx, "Ada", "taken@example.com"))

	notes := s.Notifications()
	require.Len(t, notes, 2)
	assert.Equal(t, model.VariantDefault, notes[0].Variant)
	assert.Equal(t, model.VariantDestructive, notes[1].Variant)
	assert.Equal(t, 2, api.persistCount())
	assert.Len(t, api.tokens, 2)
}

func TestProfileFlow_SecondSubmitWhileSavingIsNoop(t *testing.T) {
	e := newEnv(t)
	s := e.signedIn(t, testPhone, "", "")

	entered := make(chan struct{})
	release := make(chan struct{})
	api := &stubProfileAPI{persist: func(context.Context, model.Profile) error {
		close(entered)
		<-release
		return nil
	}}
	f := NewProfileFlow(api, s, testLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, f.Submit(context.Background(), "Ada", "ada@example.com"))
	}()

	<-entered
	assert.True(t, f.Form().Loading)
	assert.ErrorIs(t, f.Submit(context.Background(), "Ada", "ada@example.com"), apperror.ErrBusy)

	close(release)
	wg.Wait()
	assert.Equal(t, 1, api.persistCount())
}

func TestProfileFlow_SubmitWhileFetchingIsRejected(t *testing.T) {
	e := newEnv(t)
	s := e.signedIn(t, testPhone, "", "")

	entered := make(chan struct{})
	release := make(chan struct{})
	api := &stubProfileAPI{fetch: func(context.Context) (*model.Profile, error) {
		close(entered)
		<-release
		return &model.Profile{Name: "Ada", Email: "ada@example.com"}, nil
	}}
	f := NewProfileFlow(api, s, testLogger())

	done := make(chan error, 1)
	go func() { done <- f.Load(context.Background()) }()

	<-entered
	assert.True(t, f.Form().Fetching)
	assert.ErrorIs(t, f.Submit(context.Background(), "Ada", "ada@example.com"), apperror.ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, api.persistCount())
}

func TestProfileFlow_SignOutDisposes(t *testing.T) {
	e := newEnv(t)
	s := e.signedIn(t, testPhone, "", "")
	api := &stubProfileAPI{}
	flows := NewRegistry(func(s *session.Session) *ProfileFlow {
		return NewProfileFlow(api, s, testLogger())
	})

	f := flows.Get(s)
	require.NoError(t, e.manager.SignOut(context.Background(), httptest.NewRecorder(), s))

	assert.Equal(t, 0, flows.Len())
	assert.ErrorIs(t, f.Submit(context.Background(), "Ada", "ada@example.com"), ErrFlowClosed)
}
