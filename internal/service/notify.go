package service

import (
	"errors"

	"github.com/sakif/phone-profile/internal/identity"
	"github.com/sakif/phone-profile/internal/model"
	"github.com/sakif/phone-profile/internal/profile"
)

// GenericDescription is shown when no more specific reason is known.
const GenericDescription = "Please try again later, and if issue still persist please contact the support"

// Notification titles.
const (
	TitleInvalidPhoneNumber    = "Invalid phone number"
	TitleInvalidCode           = "Invalid verification code"
	TitleSendCodeFailed        = "Failed to send verification code"
	TitleVerifyCodeFailed      = "Failed to verify code"
	TitleChallengeUnavailable  = "Verification unavailable"
	TitleProfileFetchFailed    = "Failed to fetch profile data."
	TitleProfileSaveFailed     = "Failed to save profile"
	TitleProfileSaveSuccessful = "Name and email are successfully saved!"
)

// LoginNotification maps a login failure to the toast shown to the user.
// fallbackTitle is used for anything that is not a recognised provider
// rejection.
func LoginNotification(err error, fallbackTitle string) model.Notification {
	switch identity.KindOf(err) {
	case identity.KindInvalidPhoneNumber:
		return model.Failure(TitleInvalidPhoneNumber, "Check the number, including the country code, and try again.")
	case identity.KindInvalidCode:
		return model.Failure(TitleInvalidCode, "Check the code we sent you and try again.")
	default:
		return model.Failure(fallbackTitle, GenericDescription)
	}
}

// ProfileNotification maps a profile API failure to a toast. The server's
// message is used when it sent one; the description is never empty.
func ProfileNotification(err error, title string) model.Notification {
	var apiErr *profile.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return model.Failure(title, apiErr.Message)
	}
	return model.Failure(title, GenericDescription)
}
