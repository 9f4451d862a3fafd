package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 8
	// bcrypt ignores input past 72 bytes.
	maxPasswordBytes = 72
)

var commonPasswords = map[string]struct{}{
	"password": {}, "password1": {}, "12345678": {}, "123456789": {},
	"qwerty123": {}, "iloveyou": {}, "11111111": {}, "abc12345": {},
	"letmein1": {}, "welcome1": {}, "admin123": {}, "passw0rd": {},
}

// PolicyError lists every rule a candidate password broke.
type PolicyError struct {
	Problems []string
}

func (e *PolicyError) Error() string {
	return "password rejected: " + strings.Join(e.Problems, "; ")
}

// HashPassword hashes a password with bcrypt at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a password with a bcrypt hash.
func CheckPassword(password, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePassword applies the signup password policy. The returned error is
// a *PolicyError when the password is rejected.
func ValidatePassword(password, email string) error {
	var problems []string
	if len(password) < minPasswordLength {
		problems = append(problems, fmt.Sprintf("This password is too short. It must contain at least %d characters.", minPasswordLength))
	}
	if len(password) > maxPasswordBytes {
		problems = append(problems, fmt.Sprintf("This password is too long. It must contain at most %d bytes.", maxPasswordBytes))
	}
	if password != "" && strings.IndexFunc(password, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
		problems = append(problems, "This password is entirely numeric.")
	}
	if _, ok := commonPasswords[strings.ToLower(password)]; ok {
		problems = append(problems, "This password is too common.")
	}
	if local, _, ok := strings.Cut(strings.ToLower(email), "@"); ok && len(local) >= 3 && strings.Contains(strings.ToLower(password), local) {
		problems = append(problems, "The password is too similar to the email address.")
	}
	if len(problems) > 0 {
		return &PolicyError{Problems: problems}
	}
	return nil
}

// ProblemsOf extracts policy messages from err, or nil.
func ProblemsOf(err error) []string {
	var policy *PolicyError
	if errors.As(err, &policy) {
		return policy.Problems
	}
	return nil
}
