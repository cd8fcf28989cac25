package forms

import (
	"errors"
	"regexp"
	"strings"
)

// Client-side validation errors. Their text is shown to the user as-is.
var (
	ErrPasswordMismatch = errors.New("Passwords do not match!")
	ErrWeakPassword     = errors.New("Password must be at least 8 characters long and include an uppercase letter, a lowercase letter, a number, and a special character.")
	ErrInvalidEmail     = errors.New("Invalid email format")
)

const passwordSpecials = "!@#$%^&*"

var (
	passwordAlphabet = regexp.MustCompile(`^[A-Za-z\d!@#$%^&*]{8,}$`)
	emailPattern     = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// ValidateRegistration checks the confirmation first, then password strength.
func ValidateRegistration(password, confirm string) error {
	if password != confirm {
		return ErrPasswordMismatch
	}
	if !IsPasswordStrong(password) {
		return ErrWeakPassword
	}
	return nil
}

// IsPasswordStrong requires 8+ characters drawn from letters, digits and !@#$%^&*, with at
// least one lowercase letter, uppercase letter, digit and special character.
func IsPasswordStrong(password string) bool {
	if !passwordAlphabet.MatchString(password) {
		return false
	}
	var lower, upper, digit, special bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		}
	}
	return lower && upper && digit && special
}

// ValidateEmail rejects addresses without a local part, an @ and a dotted domain.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}
