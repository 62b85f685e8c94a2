// Package portal defines how a token is obtained from the portal: an
// Acquirer performs the interactive login (or reuses a still-active session)
// and returns the raw token plus the updated session state.
package portal

import (
	"context"
	"errors"
	"fmt"
)

// Credentials used for the interactive login.
type Credentials struct {
	Login    string
	Password string
}

// Empty reports whether no credentials were configured, in which case only
// an already-active session can yield a token.
func (c Credentials) Empty() bool {
	return c.Login == "" && c.Password == ""
}

// SessionState is opaque session material owned by the Acquirer. Other
// packages persist and replay it without looking inside.
type SessionState []byte

// Result of a successful login.
type Result struct {
	RawToken string
	Session  SessionState
	Source   string
}

// Kind classifies a login failure.
type Kind int

const (
	KindNoActiveSession Kind = iota + 1
	KindLoginFieldNotFound
	KindCaptchaTimeout
	KindTokenFieldMissing
	KindTransport
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNoActiveSession:
		return "no active session"
	case KindLoginFieldNotFound:
		return "login field not found"
	case KindCaptchaTimeout:
		return "captcha timeout"
	case KindTokenFieldMissing:
		return "token field missing"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// LoginError is the only error type an Acquirer returns.
type LoginError struct {
	Kind Kind
	Err  error
}

func (e *LoginError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("portal login: %s: %v", e.Kind, e.Err)
	}
	return "portal login: " + e.Kind.String()
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a LoginError of kind k.
func IsKind(err error, k Kind) bool {
	var le *LoginError
	return errors.As(err, &le) && le.Kind == k
}

func loginErr(k Kind, format string, args ...any) *LoginError {
	return &LoginError{Kind: k, Err: fmt.Errorf(format, args...)}
}

// Acquirer performs a login. Implementations return a *LoginError on failure
// and may return a Result carrying Session alongside the error, since session
// continuity is worth keeping even when no token was found.
//
// Login must return promptly once ctx is done. The coordinator starts no
// other login while an abandoned one is still running.
type Acquirer interface {
	Login(ctx context.Context, creds Credentials, prior SessionState) (Result, error)
}

// AcquirerFunc adapts a function to the Acquirer interface.
type AcquirerFunc func(ctx context.Context, creds Credentials, prior SessionState) (Result, error)

// Login calls f.
func (f AcquirerFunc) Login(ctx context.Context, creds Credentials, prior SessionState) (Result, error) {
	return f(ctx, creds, prior)
}
