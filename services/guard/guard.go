package guard

import (
	"slices"

	"userportal/services/nav"
	"userportal/services/session"
)

// Decision is the outcome of checking a session against a protected view.
type Decision struct {
	Allow    bool
	Redirect string
}

// Check allows the view only for an authenticated session whose role is in allowed.
func Check(s session.Session, allowed []string) Decision {
	if !s.Auth {
		return Decision{Redirect: nav.Login}
	}
	if !slices.Contains(allowed, s.Role) {
		return Decision{Redirect: nav.Unauthorized}
	}
	return Decision{Allow: true}
}

// Protect evaluates the guard against the session at call time and either renders or redirects.
// It returns the decision so callers can report a refusal.
func Protect(current func() session.Session, allowed []string, n nav.Navigator, render func() error) (Decision, error) {
	d := Check(current(), allowed)
	if !d.Allow {
		n.Navigate(d.Redirect)
		return d, nil
	}
	return d, render()
}
