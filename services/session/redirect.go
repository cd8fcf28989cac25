package session

import (
	"sync"

	"userportal/services/nav"
)

// Redirector sends anonymous users to the login view. It runs once for the hydrated session and
// then once per change of Session.Auth.
type Redirector struct {
	store *Store
	nav   nav.Navigator

	mu          sync.Mutex
	unsubscribe func()
}

// NewRedirector binds a redirect effect to store.
func NewRedirector(store *Store, n nav.Navigator) *Redirector {
	return &Redirector{store: store, nav: n}
}

// Start evaluates the current session and begins watching transitions.
func (r *Redirector) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		return
	}
	r.unsubscribe = r.store.Subscribe(func(prev, next Session) {
		if prev.Auth != next.Auth {
			r.evaluate(next)
		}
	})
	r.evaluate(r.store.Current())
}

// Stop detaches the effect.
func (r *Redirector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

func (r *Redirector) evaluate(s Session) {
	if s.Auth || nav.IsPublic(r.nav.Current()) {
		return
	}
	r.nav.Navigate(nav.Login)
}
