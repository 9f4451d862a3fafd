package signup

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"navidai/internal/util"
)

const (
	// CodeLength is the number of digits in a verification code.
	CodeLength = 6
	// FixedCode is issued by the fixed code generator.
	FixedCode   = "123456"
	tokenPrefix = "st_"
)

// NewSignupToken returns an unguessable, recognizable signup token.
func NewSignupToken() (string, error) {
	raw, err := util.RandomURLToken(16)
	if err != nil {
		return "", fmt.Errorf("generate signup token: %w", err)
	}
	return tokenPrefix + raw, nil
}

// CodeGenerator produces verification codes.
type CodeGenerator interface {
	NewCode() (string, error)
}

// FixedCodeGenerator always issues FixedCode. Development only.
type FixedCodeGenerator struct{}

func (FixedCodeGenerator) NewCode() (string, error) { return FixedCode, nil }

// RandomCodeGenerator issues uniformly random numeric codes.
type RandomCodeGenerator struct{}

func (RandomCodeGenerator) NewCode() (string, error) {
	return randomDigits(CodeLength)
}

// NewCodeGenerator maps the configured mode to a generator.
func NewCodeGenerator(mode string) (CodeGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "fixed":
		return FixedCodeGenerator{}, nil
	case "random":
		return RandomCodeGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown code mode %q", mode)
	}
}

func randomDigits(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

func hashCode(code string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash verification code: %w", err)
	}
	return string(h), nil
}

func codeMatches(code, hash string) bool {
	if code == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}

// CodeSender delivers a verification code to an address.
type CodeSender interface {
	SendCode(ctx context.Context, email, code string) error
}

// LogCodeSender writes codes to the log instead of sending mail.
type LogCodeSender struct {
	// RevealCode includes the code itself; keep it off outside development.
	RevealCode bool
}

func (s LogCodeSender) SendCode(ctx context.Context, email, code string) error {
	args := []any{"email", util.MaskEmail(email), "channel", "email"}
	if s.RevealCode {
		args = append(args, "code", code)
	}
	util.LoggerFromContext(ctx).Info("verification code issued", args...)
	return nil
}

var _ CodeSender = LogCodeSender{}
