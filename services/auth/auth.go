package auth

import (
	"context"
	"fmt"
	"sync"

	"userportal/services/session"
)

// Mode selects which Session Store entry point Authenticate uses.
type Mode string

const (
	ModeLogin    Mode = "login"
	ModeRegister Mode = "register"
)

// Backend is the part of session.Store the authenticator drives.
type Backend interface {
	LoginWithCredentials(ctx context.Context, email, password string) session.Result
	Register(ctx context.Context, name, email, password string) session.Result
}

// Credentials are the submitted form fields. Name is only used for registration.
type Credentials struct {
	Name     string
	Email    string
	Password string
}

// Error is returned when the store reports a failed attempt.
type Error struct {
	Mode    Mode
	Message string
	Stale   bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Mode, e.Message)
}

// Authenticator runs one login or registration attempt at a time and tracks its UI state.
type Authenticator struct {
	mode    Mode
	backend Backend

	mu      sync.Mutex
	loading bool
	err     *Error
}

// New returns an Authenticator fixed to mode.
func New(mode Mode, backend Backend) (*Authenticator, error) {
	if backend == nil {
		return nil, fmt.Errorf("auth backend is required")
	}
	switch mode {
	case ModeLogin, ModeRegister:
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
	return &Authenticator{mode: mode, backend: backend}, nil
}

// Authenticate submits creds. A failed attempt is returned as *Error and also kept in Err, unless
// it was superseded, in which case Err is left to the attempt that replaced it.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (session.Result, error) {
	a.setLoading(true)
	defer a.setLoading(false)

	var res session.Result
	switch a.mode {
	case ModeRegister:
		res = a.backend.Register(ctx, creds.Name, creds.Email, creds.Password)
	default:
		res = a.backend.LoginWithCredentials(ctx, creds.Email, creds.Password)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if res.Stale {
		return res, &Error{Mode: a.mode, Message: res.Message, Stale: true}
	}
	if !res.Success {
		a.err = &Error{Mode: a.mode, Message: res.Message}
		return res, a.err
	}
	a.err = nil
	return res, nil
}

// Loading is true while an attempt is in flight.
func (a *Authenticator) Loading() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loading
}

// Err returns the last failure, or nil.
func (a *Authenticator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err == nil {
		return nil
	}
	return a.err
}

// ClearErr forgets the last failure.
func (a *Authenticator) ClearErr() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = nil
}

func (a *Authenticator) setLoading(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loading = v
}
