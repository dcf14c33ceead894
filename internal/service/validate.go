package service

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sakif/phone-profile/internal/apperror"
	"github.com/sakif/phone-profile/internal/model"
)

// CodeLength is the number of characters in a verification code.
const CodeLength = 6

// e164 is a leading "+", a non-zero first digit, 2 to 15 digits in total.
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Field names used in validation errors and form templates.
const (
	FieldPhoneNumber = "phoneNumber"
	FieldCode        = "verificationCode"
	FieldName        = "name"
	FieldEmail       = "email"
)

// ValidatePhoneNumber checks E.164 syntax.
func ValidatePhoneNumber(phone string) error {
	switch {
	case phone == "":
		return apperror.ValidationFailed(FieldPhoneNumber, "Phone number is required")
	case !e164.MatchString(phone):
		return apperror.ValidationFailed(FieldPhoneNumber, "Invalid phone number")
	}
	return nil
}

// ValidateCode checks that code has exactly CodeLength characters. Whether
// the code is right is for the provider to decide.
func ValidateCode(code string) error {
	switch n := utf8.RuneCountInString(code); {
	case n == 0:
		return apperror.ValidationFailed(FieldCode, "Verification code is required")
	case n != CodeLength:
		return apperror.ValidationFailed(FieldCode, fmt.Sprintf("Verification code must be %d characters", CodeLength))
	}
	return nil
}

// ValidateProfile checks name and email and reports every failing field.
func ValidateProfile(name, email string) error {
	var errs []error

	switch n := utf8.RuneCountInString(name); {
	case n == 0:
		errs = append(errs, apperror.ValidationFailed(FieldName, "Name is required."))
	case n > model.MaxProfileNameLength:
		errs = append(errs, apperror.ValidationFailed(FieldName,
			fmt.Sprintf("Name can't be more than %d characters.", model.MaxProfileNameLength)))
	}

	switch {
	case email == "":
		errs = append(errs, apperror.ValidationFailed(FieldEmail, "Email is required"))
	case !validEmail(email):
		errs = append(errs, apperror.ValidationFailed(FieldEmail, "Email is invalid"))
	}

	return errors.Join(errs...)
}

// validEmail accepts a bare addr-spec: no display name, no angle brackets.
func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return false
	}
	_, domain, ok := strings.Cut(addr.Address, "@")
	return ok && domain != ""
}
