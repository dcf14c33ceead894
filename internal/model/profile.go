package model

// Profile is the record kept by the external profile API.
// PhoneNumber is read-only from the user's point of view: it always comes
// from the signed-in identity.
type Profile struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Profile field limits.
const (
	MaxProfileNameLength = 35
)

// ProfileForm is the editable copy of a profile bound to the profile page.
type ProfileForm struct {
	Name        string
	Email       string
	PhoneNumber string
	Errors      map[string]string // field name -> inline message
	Fetching    bool              // fields are read-only while true
	Loading     bool              // a save is in flight
}

// LoginStep names the page the login view should show.
type LoginStep string

const (
	StepPhoneNumber LoginStep = "phone"
	StepCode        LoginStep = "code"
)

// LoginForm carries the state the login page needs to render either step.
type LoginForm struct {
	Step        LoginStep
	PhoneNumber string
	Errors      map[string]string
	Loading     bool

	// Challenge widget parameters. ChallengeEnabled is false when the widget
	// could not be initialized or the provider does not use one.
	ChallengeEnabled     bool
	ChallengeContainerID string
	ChallengeSiteKey     string
	ChallengeSize        string
}
