package signup

import "errors"

var (
	ErrEmailAlreadyExists = errors.New("email already exists")
	// ErrSignupTokenExpired covers unknown, superseded and expired tokens on
	// resend and complete.
	ErrSignupTokenExpired = errors.New("signup token expired or invalid")
	ErrInvalidToken       = errors.New("invalid signup token")
	ErrCodeExpired        = errors.New("verification code expired")
	ErrInvalidCode        = errors.New("incorrect verification code")
	// ErrUnderage means younger than Service.MinAge.
	ErrUnderage           = errors.New("below minimum age")
	ErrBirthDateInFuture  = errors.New("birth date is in the future")
	ErrResendTooSoon      = errors.New("verification code was sent recently")
)
